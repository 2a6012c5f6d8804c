// Package daemon implements the daemon loop and its signal inbox (spec
// §4.11, component 13): acquire the PID lock, preflight the environment,
// then alternate between sleeping until the next poll and draining
// operator commands dropped into signals/. Grounded on zulandar-gastown's
// internal/boot flock-based mutual-exclusion pattern ([[internal/boot]]),
// generalized from "one triage run at a time" to "one daemon process per
// repository".
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/daemoniter"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/state"
	"github.com/rjwalters/loom/internal/store"
)

// Action is a signal-file command's action tag (spec §4.11).
type Action string

const (
	ActionStartOrchestration Action = "start_orchestration"
	ActionSpawnShepherd      Action = "spawn_shepherd"
	ActionStop               Action = "stop"
	ActionPauseShepherd      Action = "pause_shepherd"
	ActionResumeShepherd     Action = "resume_shepherd"
	ActionSetMaxShepherds    Action = "set_max_shepherds"
)

// Command is one signal-file document (spec §3's "signal", spec §4.11).
type Command struct {
	Action    Action                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PollSignals drains every file under root's signals directory at most
// once each (unlink-then-process, so a command is never replayed even if
// handling it panics), discarding anything older than maxAge with a
// warning and deleting anything that fails to parse (spec §4.11).
func PollSignals(root paths.Root, maxAge time.Duration, log logr.Logger) []Command {
	names, err := store.ListDir(root.SignalsDir())
	if err != nil {
		return nil
	}

	var commands []Command
	now := time.Now().UTC()
	for _, name := range names {
		path := filepath.Join(root.SignalsDir(), name)

		var cmd Command
		readErr := store.ReadStrict(path, &cmd)
		_ = store.Delete(path) // unlink before acting: at-most-once delivery

		if readErr != nil {
			log.Info("discarding corrupt signal file", "file", name, "error", readErr.Error())
			continue
		}
		if maxAge > 0 && !cmd.CreatedAt.IsZero() && now.Sub(cmd.CreatedAt) > maxAge {
			log.Info("discarding stale signal", "file", name, "action", cmd.Action, "age", now.Sub(cmd.CreatedAt))
			continue
		}
		commands = append(commands, cmd)
	}
	return commands
}

// Preflight is the set of environment checks the daemon runs once before
// its first iteration (spec §4.11): the worker CLI and `gh` must both be on
// PATH and authenticated, and a terminal multiplexer must be available.
type Preflight struct {
	WorkerCLI string
	Multiplexer string // e.g. "tmux"
}

// Run executes every preflight check, returning the first failure.
func (p Preflight) Run() error {
	if _, err := exec.LookPath(p.WorkerCLI); err != nil {
		return fmt.Errorf("worker CLI %q not found on PATH: %w", p.WorkerCLI, err)
	}
	if _, err := exec.LookPath("gh"); err != nil {
		return fmt.Errorf("gh CLI not found on PATH: %w", err)
	}
	if out, err := exec.Command("gh", "auth", "status").CombinedOutput(); err != nil {
		return fmt.Errorf("gh is not authenticated: %s", string(out))
	}
	if _, err := exec.LookPath(p.Multiplexer); err != nil {
		return fmt.Errorf("terminal multiplexer %q not found on PATH: %w", p.Multiplexer, err)
	}
	return nil
}

// Daemon owns the PID lock and runs the poll loop.
type Daemon struct {
	Root        paths.Root
	Log         logr.Logger
	Iter        *daemoniter.Deps
	Preflight   Preflight
	PollInterval time.Duration
	SignalMaxAge time.Duration
	MaxArchived  int

	// AutoBuild enables the main loop's fast-path tick (spec §4.11): while
	// true, iterations run on FastTickInterval instead of waiting out the
	// full PollInterval, so a newly ready issue gets a shepherd without
	// waiting for the next scheduled poll.
	AutoBuild       bool
	FastTickInterval time.Duration

	// TimeoutMinutes bounds the whole run (spec §4.11's "timeout_minutes");
	// zero means run until stopped.
	TimeoutMinutes int

	lock *flock.Flock
}

// acquire takes the exclusive PID lock, refusing to start a second daemon
// against the same repository (spec §4.11).
func (d *Daemon) acquire() error {
	if err := os.MkdirAll(d.Root.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating .loom directory: %w", err)
	}
	d.lock = flock.New(d.Root.DaemonPID())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("a daemon is already running against this repository")
	}
	pid := fmt.Sprintf("%d", os.Getpid())
	_ = os.WriteFile(d.Root.DaemonPID()+".pid", []byte(pid), 0o644)
	return nil
}

func (d *Daemon) release() {
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	_ = os.Remove(d.Root.DaemonPID() + ".pid")
}

// Run acquires the lock, preflights the environment, rotates any prior
// session's archived state, then loops until ctx is cancelled or a SIGINT
// / SIGTERM arrives (spec §4.11).
func (d *Daemon) Run(ctx context.Context, forceMode bool, executionMode, sessionID string) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	if err := d.Preflight.Run(); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	if err := state.Rotate(d.Root, d.MaxArchived); err != nil {
		d.Log.Error(err, "rotating prior daemon state")
	}
	if err := state.Save(d.Root, state.New(sessionID, executionMode, forceMode, time.Now().UTC())); err != nil {
		return fmt.Errorf("writing initial daemon state: %w", err)
	}
	d.Iter.ForceMode = forceMode

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()

	// watch the signals directory so an operator command (e.g. a `stop`
	// signal file) gets picked up well before the next scheduled
	// poll_interval tick, instead of waiting out the full interval.
	watchCh := d.watchSignals()

	d.Log.Info("daemon started", "force_mode", forceMode, "poll_interval", d.pollInterval())

	started := time.Now()
	var deadline <-chan time.Time
	if d.TimeoutMinutes > 0 {
		timer := time.NewTimer(time.Duration(d.TimeoutMinutes) * time.Minute)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return d.shutdown("context cancelled")
		case sig := <-sigCh:
			return d.shutdown(fmt.Sprintf("received %s", sig))
		case <-deadline:
			return d.shutdown(fmt.Sprintf("timeout_minutes elapsed (%v)", time.Since(started)))
		case <-ticker.C:
			d.tick(ctx)
		case <-watchCh:
			d.tick(ctx)
			ticker.Reset(d.pollInterval())
		}

		if store.Exists(d.Root.StopDaemon()) {
			_ = store.Delete(d.Root.StopDaemon())
			return d.shutdown("stop-daemon sentinel present")
		}
	}
}

// watchSignals returns a channel that receives a value shortly after a new
// file is created under the signals directory. A watcher that fails to
// start (missing inotify support, directory not yet created) degrades to a
// nil channel, which blocks forever in the select above — the daemon still
// works, just on poll_interval's cadence alone.
func (d *Daemon) watchSignals() <-chan struct{} {
	out := make(chan struct{}, 1)
	if err := os.MkdirAll(d.Root.SignalsDir(), 0o755); err != nil {
		d.Log.Error(err, "creating signals directory for watcher")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.Log.Error(err, "starting signals watcher, falling back to poll_interval only")
		return nil
	}
	if err := watcher.Add(d.Root.SignalsDir()); err != nil {
		d.Log.Error(err, "watching signals directory, falling back to poll_interval only")
		_ = watcher.Close()
		return nil
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.Log.Error(err, "signals watcher error")
			}
		}
	}()
	return out
}

func (d *Daemon) pollInterval() time.Duration {
	if d.AutoBuild {
		if d.FastTickInterval > 0 {
			return d.FastTickInterval
		}
		return 2 * time.Second
	}
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 120 * time.Second
}

// tick drains pending signals, applies any that mutate state directly
// (the rest feed into the iteration itself), then runs one daemoniter
// iteration.
func (d *Daemon) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, cmd := range PollSignals(d.Root, d.SignalMaxAge, d.Log) {
		d.applyCommand(cmd, now)
	}

	res, err := d.Iter.Run(ctx, now)
	if err != nil {
		d.Log.Error(err, "daemon iteration failed")
		return
	}
	if len(res.Spawned) > 0 {
		d.Log.Info("spawned shepherds", "slots", res.Spawned)
	}
	if len(res.Reclaimed) > 0 {
		d.Log.Info("reclaimed shepherds", "slots", res.Reclaimed)
	}
}

// applyCommand performs the direct state mutation a signal asks for (spec
// §4.11's action list). start_orchestration and spawn_shepherd are folded
// into the next iteration's normal snapshot-driven spawning rather than
// forcing an out-of-band spawn, since slot accounting lives there.
func (d *Daemon) applyCommand(cmd Command, now time.Time) {
	ds := state.Load(d.Root)
	switch cmd.Action {
	case ActionStop:
		_ = store.Write(d.Root.StopDaemon(), struct{}{})
	case ActionPauseShepherd:
		if slot, ok := cmd.Params["slot"].(string); ok {
			if entry, ok := ds.Shepherds[slot]; ok {
				entry.Status = state.ShepherdPaused
				ds.Shepherds[slot] = entry
			}
		}
	case ActionResumeShepherd:
		if slot, ok := cmd.Params["slot"].(string); ok {
			if entry, ok := ds.Shepherds[slot]; ok && entry.Status == state.ShepherdPaused {
				entry.Status = state.ShepherdIdle
				entry.IdleSince = now
				entry.IdleReason = "resumed"
				ds.Shepherds[slot] = entry
			}
		}
	case ActionSetMaxShepherds:
		if n, ok := cmd.Params["max_shepherds"].(float64); ok && n >= 1 {
			d.Iter.Cfg.MaxShepherds = int(n)
		}
	case ActionStartOrchestration, ActionSpawnShepherd:
		// no direct state mutation: the next iteration's snapshot already
		// picks up ready issues and available slots on its own.
	default:
		d.Log.Info("ignoring unrecognized signal action", "action", cmd.Action)
		return
	}
	if err := state.Save(d.Root, ds); err != nil {
		d.Log.Error(err, "saving state after signal", "action", cmd.Action)
	}
}

// shutdown terminates every active session, logging reason. The PID lock
// is released by Run's deferred release, not here.
func (d *Daemon) shutdown(reason string) error {
	d.Log.Info("daemon shutting down", "reason", reason)
	ds := state.Load(d.Root)
	for slot, entry := range ds.Shepherds {
		if entry.Status == state.ShepherdWorking {
			_ = d.Iter.Sessions.Kill(slot)
		}
	}
	for role, entry := range ds.SupportRoles {
		if entry.Status == state.SupportRunning {
			_ = d.Iter.Sessions.Kill(role)
		}
	}
	ds.Running = false
	_ = state.Save(d.Root, ds)
	return nil
}

// marshalParams converts v into a signal file's params document via a JSON
// round trip. Nothing in this module calls it.
func marshalParams(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	return m
}
