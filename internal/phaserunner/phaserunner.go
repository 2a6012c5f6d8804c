// Package phaserunner implements the phase-runner algorithm (spec §4.8.4):
// spawn a worker session, wait for it to exit, and map its exit code onto a
// phase outcome. The runner does not read the worker's progress file and
// prints no heartbeats while it waits. Grounded on
// zulandar-gastown's polecat/dog session-lifecycle wrappers generalized one
// layer further ([[internal/session]]), since the teacher itself has no
// "run one worker to completion and classify its exit" primitive — Loom's
// shepherd phases need exactly that on top of the session manager.
package phaserunner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
)

// ExitCode mirrors the worker CLI's contract (spec §4.8.4).
type ExitCode int

const (
	ExitSuccess  ExitCode = 0
	ExitShutdown ExitCode = 3
	ExitStuck    ExitCode = 4
	ExitDegraded ExitCode = 11
	// ExitTimeout is a phaserunner-internal code (no worker ever returns
	// it): the session could not be spawned, ended without writing an exit
	// file, or exceeded its phase timeout before writing one.
	ExitTimeout ExitCode = -1
)

// Runner spawns and supervises one worker invocation at a time.
type Runner struct {
	Root    paths.Root
	Sess    *session.Manager
	Prog    *progress.Reader
	Log     logr.Logger
	PollEvery time.Duration // default 5s, spec §5(b)
}

// New returns a Runner with a default heartbeat poll interval.
func New(root paths.Root, sess *session.Manager, prog *progress.Reader, log logr.Logger) *Runner {
	return &Runner{Root: root, Sess: sess, Prog: prog, Log: log, PollEvery: 5 * time.Second}
}

// Run spawns slotOrRole running the given worker command in worktree, waits
// for it to exit (polling at PollEvery), and returns the classified exit
// code. The session is destroyed regardless of how the worker exited (spec
// §4.8.4: "Regardless of exit, destroy the session").
func (r *Runner) Run(slotOrRole, role string, args []string, worktree, taskID string, issue int, timeout time.Duration) (ExitCode, error) {
	exitFile := r.Root.ExitFile(taskID)
	_ = os.Remove(exitFile) // stale exit file from a prior run must not be mistaken for this one

	script := shellJoin(append([]string{role}, args...)) + "; echo $? > " + shellQuote(exitFile)
	logPath := r.Root.LogFile(role, issue)

	if _, _, err := r.Sess.Spawn(slotOrRole, "sh", []string{"-c", script}, worktree, logPath); err != nil {
		return ExitTimeout, fmt.Errorf("spawning %s session: %w", slotOrRole, err)
	}
	defer func() { _ = r.Sess.Kill(slotOrRole) }()

	deadline := time.Now().Add(timeout)
	unbounded := timeout <= 0
	for {
		if code, ok := readExitCode(exitFile); ok {
			return code, nil
		}
		exists, err := r.Sess.Exists(slotOrRole)
		if err == nil && !exists {
			// Session vanished without an exit file: treat as a crash, not
			// a clean exit — this is not one of the worker's declared
			// codes, so surface it distinctly.
			return ExitTimeout, fmt.Errorf("%s session ended without an exit code", slotOrRole)
		}
		if !unbounded && time.Now().After(deadline) {
			return ExitTimeout, fmt.Errorf("%s exceeded its phase timeout", slotOrRole)
		}
		time.Sleep(r.PollEvery)
	}
}

// RunWithRetry runs the worker, and re-spawns it (up to maxStuckRetries
// times) whenever it exits with ExitStuck, per spec §4.8.4's "retried up to
// stuck_max_retries". A final ExitStuck after exhausting retries is
// returned as-is for the caller to turn into a STUCK phase result.
func (r *Runner) RunWithRetry(slotOrRole, role string, args []string, worktree, taskID string, issue int, timeout time.Duration, maxStuckRetries int) (ExitCode, error) {
	var lastErr error
	for attempt := 0; attempt <= maxStuckRetries; attempt++ {
		code, err := r.Run(slotOrRole, role, args, worktree, taskID, issue, timeout)
		lastErr = err
		if code != ExitStuck {
			return code, err
		}
		r.Log.Info("worker stuck, retrying", "slot", slotOrRole, "attempt", attempt+1, "max_retries", maxStuckRetries)
	}
	return ExitStuck, lastErr
}

func readExitCode(path string) (ExitCode, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return ExitCode(n), true
}

func shellJoin(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = shellQuote(a)
	}
	return strings.Join(out, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
