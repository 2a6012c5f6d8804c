package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjwalters/loom/internal/store"
)

// clearLoomEnv unsets every LOOM_* variable already in the process
// environment so a test's expectations aren't polluted by the operator's
// own shell, restoring each one once the test completes.
func clearLoomEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, value, ok := splitEnv(kv)
		if !ok || len(name) < 5 || name[:5] != "LOOM_" {
			continue
		}
		t.Setenv(name, "")
		os.Unsetenv(name)
		t.Cleanup(func() { os.Setenv(name, value) })
	}
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

func TestDefaultsMatchSpecBaseline(t *testing.T) {
	t.Parallel()
	d := Defaults()
	if d.PollInterval != 120*time.Second {
		t.Errorf("PollInterval = %v, want 120s", d.PollInterval)
	}
	if d.MaxShepherds != 10 {
		t.Errorf("MaxShepherds = %d, want 10", d.MaxShepherds)
	}
	if d.TimeoutMinutes != 0 {
		t.Errorf("TimeoutMinutes = %d, want 0 (unbounded)", d.TimeoutMinutes)
	}
	if d.RateLimitThreshold != 99 {
		t.Errorf("RateLimitThreshold = %d, want 99", d.RateLimitThreshold)
	}
}

func TestLoadWithNoOverridesReturnsDefaults(t *testing.T) {
	clearLoomEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxShepherds != Defaults().MaxShepherds {
		t.Errorf("MaxShepherds = %d, want default %d", cfg.MaxShepherds, Defaults().MaxShepherds)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearLoomEnv(t)
	t.Setenv("LOOM_MAX_SHEPHERDS", "25")
	t.Setenv("LOOM_POLL_INTERVAL", "30")
	t.Setenv("LOOM_TIMEOUT_MIN", "90")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxShepherds != 25 {
		t.Errorf("MaxShepherds = %d, want 25", cfg.MaxShepherds)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.TimeoutMinutes != 90 {
		t.Errorf("TimeoutMinutes = %d, want 90", cfg.TimeoutMinutes)
	}
}

func TestLoadAppliesRoleIntervalOverrides(t *testing.T) {
	clearLoomEnv(t)
	t.Setenv("LOOM_JUDGE_INTERVAL", "45")
	t.Setenv("LOOM_ARCHITECT_INTERVAL", "600")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RoleIntervals["judge"] != 45*time.Second {
		t.Errorf("RoleIntervals[judge] = %v, want 45s", cfg.RoleIntervals["judge"])
	}
	if cfg.RoleIntervals["architect"] != 600*time.Second {
		t.Errorf("RoleIntervals[architect] = %v, want 600s", cfg.RoleIntervals["architect"])
	}
	if _, ok := cfg.RoleIntervals["hermit"]; ok {
		t.Error("hermit interval should not be set when its env var is absent")
	}
}

func TestLoadJSONOverlayOverridesOnlyListedFields(t *testing.T) {
	clearLoomEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := store.Write(path, map[string]interface{}{"max_shepherds": 3, "rate_limit_threshold": 50}); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxShepherds != 3 {
		t.Errorf("MaxShepherds = %d, want 3 (from overlay)", cfg.MaxShepherds)
	}
	if cfg.RateLimitThreshold != 50 {
		t.Errorf("RateLimitThreshold = %d, want 50 (from overlay)", cfg.RateLimitThreshold)
	}
	if cfg.PollInterval != Defaults().PollInterval {
		t.Errorf("PollInterval = %v, want untouched default %v", cfg.PollInterval, Defaults().PollInterval)
	}
}

func TestLoadOverlayOverridesEnvForOverlappingField(t *testing.T) {
	clearLoomEnv(t)
	t.Setenv("LOOM_MAX_SHEPHERDS", "7")
	path := filepath.Join(t.TempDir(), "config.json")
	if err := store.Write(path, map[string]interface{}{"max_shepherds": 3}); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxShepherds != 3 {
		t.Errorf("MaxShepherds = %d, want 3 (overlay applied after env, per Load's resolution order)", cfg.MaxShepherds)
	}
}

func TestLoadRejectsInvalidResolvedConfig(t *testing.T) {
	clearLoomEnv(t)
	t.Setenv("LOOM_MAX_SHEPHERDS", "0")

	_, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err == nil {
		t.Fatal("expected validation error for max_shepherds=0 (validate:\"min=1\")")
	}
}

func TestLoadIgnoresMalformedEnvValue(t *testing.T) {
	clearLoomEnv(t)
	t.Setenv("LOOM_MAX_SHEPHERDS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxShepherds != Defaults().MaxShepherds {
		t.Errorf("MaxShepherds = %d, want default %d when env value is malformed", cfg.MaxShepherds, Defaults().MaxShepherds)
	}
}
