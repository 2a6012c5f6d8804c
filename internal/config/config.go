// Package config resolves Loom's tunables into an immutable Config struct,
// per spec §9 ("a strong target-language implementation resolves [the env
// vars] into an immutable Config struct at daemon start"). Every recognized
// LOOM_* variable in spec §6 has exactly one field here.
//
// Resolution order: built-in defaults, then an optional .env file (loaded
// with joho/godotenv, grounded on kadirpekel-hector — convenient for local
// dev and CI without exporting a pile of shell vars), then the process
// environment, then an on-disk .loom/config.json overlay (read through the
// persistent JSON store) for the few fields operators want to pin without
// restarting the daemon with different env vars. The result is validated
// with go-playground/validator (grounded on jordigilh-kubernaut) so a
// malformed value fails fast instead of producing silently wrong behavior.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/rjwalters/loom/internal/store"
)

// Config is the fully resolved, immutable set of daemon/shepherd tunables.
type Config struct {
	PollInterval    time.Duration `validate:"min=1000000000"` // LOOM_POLL_INTERVAL (seconds)
	MaxShepherds    int           `validate:"min=1"`          // LOOM_MAX_SHEPHERDS
	IssueThreshold  int           `validate:"min=0"`           // LOOM_ISSUE_THRESHOLD
	TimeoutMinutes  int           `validate:"min=0"`           // LOOM_TIMEOUT_MIN (0 = unbounded)

	ArchitectCooldown time.Duration `validate:"min=0"` // LOOM_ARCHITECT_COOLDOWN
	HermitCooldown    time.Duration `validate:"min=0"` // LOOM_HERMIT_COOLDOWN
	RoleIntervals     map[string]time.Duration

	StallDiagnosticThreshold int `validate:"min=1"` // LOOM_STALL_DIAGNOSTIC_THRESHOLD
	StallRecoveryThreshold   int `validate:"min=1"` // LOOM_STALL_RECOVERY_THRESHOLD
	StallRestartThreshold    int `validate:"min=1"` // LOOM_STALL_RESTART_THRESHOLD

	SystematicFailureThreshold int           `validate:"min=1"` // LOOM_SYSTEMATIC_FAILURE_THRESHOLD
	SystematicFailureCooldown  time.Duration `validate:"min=0"` // LOOM_SYSTEMATIC_FAILURE_COOLDOWN

	CuratorTimeout  time.Duration // LOOM_CURATOR_TIMEOUT
	BuilderTimeout  time.Duration // LOOM_BUILDER_TIMEOUT
	JudgeTimeout    time.Duration // LOOM_JUDGE_TIMEOUT
	ApprovalTimeout time.Duration // LOOM_APPROVAL_TIMEOUT
	DoctorTimeout   time.Duration // LOOM_DOCTOR_TIMEOUT

	DoctorMaxRetriesN int `validate:"min=0"` // LOOM_DOCTOR_MAX_RETRIES
	JudgeMaxRetries   int `validate:"min=0"` // LOOM_JUDGE_MAX_RETRIES
	StuckMaxRetries   int `validate:"min=0"` // LOOM_STUCK_MAX_RETRIES
	TestFixMaxRetries int `validate:"min=0"` // LOOM_TEST_FIX_MAX_RETRIES
	DoctorTestFixTimeout time.Duration       // no env variable and no default: zero (no timeout) unless set

	PromptStuckCheckInterval   time.Duration // LOOM_PROMPT_STUCK_CHECK_INTERVAL
	PromptStuckAgeThreshold    time.Duration // LOOM_PROMPT_STUCK_AGE_THRESHOLD
	PromptStuckRecoveryCooldown time.Duration // LOOM_PROMPT_STUCK_RECOVERY_COOLDOWN

	SignalMaxAge    time.Duration // LOOM_SIGNAL_MAX_AGE_SECONDS
	UsageCacheTTL   time.Duration // LOOM_USAGE_CACHE_TTL
	MaxArchivedSessions int `validate:"min=1"` // LOOM_MAX_ARCHIVED_SESSIONS

	HeartbeatStaleThreshold time.Duration // fixed default, not independently named in §6 but used by §4.4
	HeartbeatPollInterval   time.Duration // §5 suspension point (b), default 5s

	RateLimitThreshold int `validate:"min=0,max=100"` // §4.13 default 99
}

// Defaults returns the built-in defaults from spec §6 before any env/file
// overlay is applied.
func Defaults() Config {
	return Config{
		PollInterval:   120 * time.Second,
		MaxShepherds:   10,
		IssueThreshold: 3,
		TimeoutMinutes: 0,

		ArchitectCooldown: 1800 * time.Second,
		HermitCooldown:    1800 * time.Second,
		RoleIntervals:     map[string]time.Duration{},

		StallDiagnosticThreshold: 3,
		StallRecoveryThreshold:   5,
		StallRestartThreshold:    10,

		SystematicFailureThreshold: 3,
		SystematicFailureCooldown:  1800 * time.Second,

		DoctorMaxRetriesN: 3,
		JudgeMaxRetries:   1,
		StuckMaxRetries:   1,
		TestFixMaxRetries: 2,

		PromptStuckCheckInterval:    10 * time.Second,
		PromptStuckAgeThreshold:     30 * time.Second,
		PromptStuckRecoveryCooldown: 60 * time.Second,

		SignalMaxAge:        3600 * time.Second,
		UsageCacheTTL:       60 * time.Second,
		MaxArchivedSessions: 10,

		HeartbeatStaleThreshold: 120 * time.Second,
		HeartbeatPollInterval:   5 * time.Second,

		RateLimitThreshold: 99,
	}
}

// overlay is the subset of Config an operator can pin via .loom/config.json
// without touching the process environment.
type overlay struct {
	MaxShepherds       *int `json:"max_shepherds,omitempty"`
	RateLimitThreshold *int `json:"rate_limit_threshold,omitempty"`
}

// Load resolves Config from defaults, an optional .env file, the process
// environment, and configPath's JSON overlay (if present), then validates
// the result.
func Load(configPath string) (Config, error) {
	// godotenv.Load is a no-op (no error surfaced) when .env is absent, the
	// conventional usage in kadirpekel-hector.
	_ = godotenv.Load()

	cfg := Defaults()

	durSeconds := func(name string, cur time.Duration) time.Duration {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return time.Duration(n) * time.Second
			}
		}
		return cur
	}
	intVal := func(name string, cur int) int {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return cur
	}

	cfg.PollInterval = durSeconds("LOOM_POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxShepherds = intVal("LOOM_MAX_SHEPHERDS", cfg.MaxShepherds)
	cfg.IssueThreshold = intVal("LOOM_ISSUE_THRESHOLD", cfg.IssueThreshold)
	cfg.TimeoutMinutes = intVal("LOOM_TIMEOUT_MIN", cfg.TimeoutMinutes)

	cfg.ArchitectCooldown = durSeconds("LOOM_ARCHITECT_COOLDOWN", cfg.ArchitectCooldown)
	cfg.HermitCooldown = durSeconds("LOOM_HERMIT_COOLDOWN", cfg.HermitCooldown)

	cfg.StallDiagnosticThreshold = intVal("LOOM_STALL_DIAGNOSTIC_THRESHOLD", cfg.StallDiagnosticThreshold)
	cfg.StallRecoveryThreshold = intVal("LOOM_STALL_RECOVERY_THRESHOLD", cfg.StallRecoveryThreshold)
	cfg.StallRestartThreshold = intVal("LOOM_STALL_RESTART_THRESHOLD", cfg.StallRestartThreshold)

	cfg.SystematicFailureThreshold = intVal("LOOM_SYSTEMATIC_FAILURE_THRESHOLD", cfg.SystematicFailureThreshold)
	cfg.SystematicFailureCooldown = durSeconds("LOOM_SYSTEMATIC_FAILURE_COOLDOWN", cfg.SystematicFailureCooldown)

	cfg.CuratorTimeout = durSeconds("LOOM_CURATOR_TIMEOUT", cfg.CuratorTimeout)
	cfg.BuilderTimeout = durSeconds("LOOM_BUILDER_TIMEOUT", cfg.BuilderTimeout)
	cfg.JudgeTimeout = durSeconds("LOOM_JUDGE_TIMEOUT", cfg.JudgeTimeout)
	cfg.ApprovalTimeout = durSeconds("LOOM_APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	cfg.DoctorTimeout = durSeconds("LOOM_DOCTOR_TIMEOUT", cfg.DoctorTimeout)

	cfg.DoctorMaxRetriesN = intVal("LOOM_DOCTOR_MAX_RETRIES", cfg.DoctorMaxRetriesN)
	cfg.JudgeMaxRetries = intVal("LOOM_JUDGE_MAX_RETRIES", cfg.JudgeMaxRetries)
	cfg.StuckMaxRetries = intVal("LOOM_STUCK_MAX_RETRIES", cfg.StuckMaxRetries)
	cfg.TestFixMaxRetries = intVal("LOOM_TEST_FIX_MAX_RETRIES", cfg.TestFixMaxRetries)

	cfg.PromptStuckCheckInterval = durSeconds("LOOM_PROMPT_STUCK_CHECK_INTERVAL", cfg.PromptStuckCheckInterval)
	cfg.PromptStuckAgeThreshold = durSeconds("LOOM_PROMPT_STUCK_AGE_THRESHOLD", cfg.PromptStuckAgeThreshold)
	cfg.PromptStuckRecoveryCooldown = durSeconds("LOOM_PROMPT_STUCK_RECOVERY_COOLDOWN", cfg.PromptStuckRecoveryCooldown)

	cfg.SignalMaxAge = durSeconds("LOOM_SIGNAL_MAX_AGE_SECONDS", cfg.SignalMaxAge)
	cfg.UsageCacheTTL = durSeconds("LOOM_USAGE_CACHE_TTL", cfg.UsageCacheTTL)
	cfg.MaxArchivedSessions = intVal("LOOM_MAX_ARCHIVED_SESSIONS", cfg.MaxArchivedSessions)

	for _, role := range []string{"judge", "champion", "doctor", "guide", "auditor", "architect", "hermit"} {
		envName := "LOOM_" + upper(role) + "_INTERVAL"
		if v := os.Getenv(envName); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.RoleIntervals[role] = time.Duration(n) * time.Second
			}
		}
	}

	if store.Exists(configPath) {
		var ov overlay
		if err := store.ReadStrict(configPath, &ov); err == nil {
			if ov.MaxShepherds != nil {
				cfg.MaxShepherds = *ov.MaxShepherds
			}
			if ov.RateLimitThreshold != nil {
				cfg.RateLimitThreshold = *ov.RateLimitThreshold
			}
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, errors.Wrap(err, "validate resolved config")
	}
	return cfg, nil
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
