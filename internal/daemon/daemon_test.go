package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/daemoniter"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/state"
	"github.com/rjwalters/loom/internal/store"
)

func writeSignal(t *testing.T, root paths.Root, name string, cmd Command) {
	t.Helper()
	if err := store.Write(filepath.Join(root.SignalsDir(), name), cmd); err != nil {
		t.Fatalf("writing signal %s: %v", name, err)
	}
}

func TestPollSignalsDiscardsStaleCommands(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	now := time.Now().UTC()

	writeSignal(t, root, "fresh.json", Command{Action: ActionStop, CreatedAt: now})
	writeSignal(t, root, "stale.json", Command{Action: ActionStop, CreatedAt: now.Add(-time.Hour)})

	cmds := PollSignals(root, 5*time.Minute, logr.Discard())
	if len(cmds) != 1 {
		t.Fatalf("PollSignals returned %d commands, want 1 (stale one should be discarded)", len(cmds))
	}
	if cmds[0].Action != ActionStop {
		t.Errorf("Action = %v, want %v", cmds[0].Action, ActionStop)
	}
}

func TestPollSignalsDiscardsCorruptFiles(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	if err := os.MkdirAll(root.SignalsDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root.SignalsDir(), "garbage.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmds := PollSignals(root, 0, logr.Discard())
	if len(cmds) != 0 {
		t.Errorf("PollSignals = %v, want empty for a corrupt signal file", cmds)
	}
	names, _ := store.ListDir(root.SignalsDir())
	if len(names) != 0 {
		t.Errorf("signals dir still has %v, want the corrupt file unlinked", names)
	}
}

func TestPollSignalsIsAtMostOnce(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	writeSignal(t, root, "once.json", Command{Action: ActionStop, CreatedAt: time.Now().UTC()})

	first := PollSignals(root, 0, logr.Discard())
	if len(first) != 1 {
		t.Fatalf("first poll returned %d commands, want 1", len(first))
	}
	second := PollSignals(root, 0, logr.Discard())
	if len(second) != 0 {
		t.Errorf("second poll returned %v, want empty (signal already consumed)", second)
	}
}

func TestPollIntervalAutoBuildUsesFastTick(t *testing.T) {
	t.Parallel()
	d := &Daemon{AutoBuild: true, FastTickInterval: 500 * time.Millisecond}
	if got := d.pollInterval(); got != 500*time.Millisecond {
		t.Errorf("pollInterval() = %v, want 500ms", got)
	}
}

func TestPollIntervalAutoBuildDefaultsToTwoSeconds(t *testing.T) {
	t.Parallel()
	d := &Daemon{AutoBuild: true}
	if got := d.pollInterval(); got != 2*time.Second {
		t.Errorf("pollInterval() = %v, want 2s", got)
	}
}

func TestPollIntervalNormalModeUsesConfigured(t *testing.T) {
	t.Parallel()
	d := &Daemon{PollInterval: 45 * time.Second}
	if got := d.pollInterval(); got != 45*time.Second {
		t.Errorf("pollInterval() = %v, want 45s", got)
	}
}

func TestPollIntervalNormalModeDefaultsTo120Seconds(t *testing.T) {
	t.Parallel()
	d := &Daemon{}
	if got := d.pollInterval(); got != 120*time.Second {
		t.Errorf("pollInterval() = %v, want 120s", got)
	}
}

func TestApplyCommandStopWritesSentinel(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	ds := state.New("sess", "autonomous", false, time.Now().UTC())
	if err := state.Save(root, ds); err != nil {
		t.Fatalf("state.Save: %v", err)
	}

	d := &Daemon{Root: root, Log: logr.Discard(), Iter: &daemoniter.Deps{}}
	d.applyCommand(Command{Action: ActionStop}, time.Now().UTC())

	if !store.Exists(root.StopDaemon()) {
		t.Error("expected stop-daemon sentinel to be written")
	}
}

func TestApplyCommandPauseAndResumeShepherd(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	ds := state.New("sess", "autonomous", false, time.Now().UTC())
	ds.Shepherds["0"] = state.ShepherdEntry{Status: state.ShepherdWorking}
	if err := state.Save(root, ds); err != nil {
		t.Fatalf("state.Save: %v", err)
	}

	d := &Daemon{Root: root, Log: logr.Discard(), Iter: &daemoniter.Deps{}}
	d.applyCommand(Command{Action: ActionPauseShepherd, Params: map[string]interface{}{"slot": "0"}}, time.Now().UTC())

	paused := state.Load(root)
	if paused.Shepherds["0"].Status != state.ShepherdPaused {
		t.Fatalf("status = %v, want paused", paused.Shepherds["0"].Status)
	}

	d.applyCommand(Command{Action: ActionResumeShepherd, Params: map[string]interface{}{"slot": "0"}}, time.Now().UTC())
	resumed := state.Load(root)
	if resumed.Shepherds["0"].Status != state.ShepherdIdle {
		t.Fatalf("status = %v, want idle", resumed.Shepherds["0"].Status)
	}
}

func TestApplyCommandSetMaxShepherds(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	if err := state.Save(root, state.New("sess", "autonomous", false, time.Now().UTC())); err != nil {
		t.Fatalf("state.Save: %v", err)
	}

	d := &Daemon{Root: root, Log: logr.Discard(), Iter: &daemoniter.Deps{Cfg: config.Config{MaxShepherds: 1}}}
	d.applyCommand(Command{Action: ActionSetMaxShepherds, Params: map[string]interface{}{"max_shepherds": float64(4)}}, time.Now().UTC())

	if d.Iter.Cfg.MaxShepherds != 4 {
		t.Errorf("MaxShepherds = %d, want 4", d.Iter.Cfg.MaxShepherds)
	}
}

func TestApplyCommandIgnoresUnrecognizedAction(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	if err := state.Save(root, state.New("sess", "autonomous", false, time.Now().UTC())); err != nil {
		t.Fatalf("state.Save: %v", err)
	}

	d := &Daemon{Root: root, Log: logr.Discard(), Iter: &daemoniter.Deps{}}
	d.applyCommand(Command{Action: Action("not_a_real_action")}, time.Now().UTC())
	// Should not panic and should leave the stop sentinel absent.
	if store.Exists(root.StopDaemon()) {
		t.Error("unrecognized action should not write the stop sentinel")
	}
}
