// Package session implements the session manager (spec §4.2, component 3):
// create/destroy/inspect named terminal sessions and determine the liveness
// of the worker process underneath them. Grounded on zulandar-gastown's
// internal/polecat and internal/dog session managers — both wrap a private
// *tmux.Tmux and expose a Start/kill/liveness surface per role; this
// generalizes that shape to Loom's shepherd slots and support roles.
package session

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/rjwalters/loom/internal/tmux"
)

// Manager implements the session-manager contract of spec §4.2.
type Manager struct {
	tmux       *tmux.Tmux
	prefix     string // session name prefix, e.g. "loom"
	workerName string // process name to look for under the shell (spec §4.2)
}

// New returns a Manager. workerName is the process name the worker CLI runs
// as (e.g. "claude"), used for liveness detection.
func New(t *tmux.Tmux, prefix, workerName string) *Manager {
	return &Manager{tmux: t, prefix: prefix, workerName: workerName}
}

// Name returns the session name for a shepherd slot or role
// ("<prefix>-<slot-or-role>", spec §4.2).
func (m *Manager) Name(slotOrRole string) string {
	return fmt.Sprintf("%s-%s", m.prefix, slotOrRole)
}

// Spawn creates a named session running the worker command in worktree, per
// spec §4.2: `spawn(name, role, args, worktree) → (session_id, log_path)`.
func (m *Manager) Spawn(slotOrRole, role string, args []string, worktree, logPath string) (string, string, error) {
	name := m.Name(slotOrRole)
	cmd := append([]string{role}, args...)
	if err := m.tmux.Spawn(name, worktree, cmd, logPath); err != nil {
		return "", "", errors.Wrap(err, "spawn session")
	}
	return name, logPath, nil
}

// Exists reports whether a session with this name is currently alive.
func (m *Manager) Exists(slotOrRole string) (bool, error) {
	return m.tmux.HasSession(m.Name(slotOrRole))
}

// Kill destroys a session unconditionally.
func (m *Manager) Kill(slotOrRole string) error {
	ok, err := m.Exists(slotOrRole)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.tmux.KillSession(m.Name(slotOrRole))
}

// CaptureOutput returns the pane's recent scrollback, used to detect the
// rate-limit log pattern that signals a degraded session (spec §4.8.2(f)).
func (m *Manager) CaptureOutput(slotOrRole string) (string, error) {
	return m.tmux.CapturePane(m.Name(slotOrRole))
}

// ShellPID returns the PID of the pane's shell, or (0, false) if the session
// does not exist or the pane is broken.
func (m *Manager) ShellPID(slotOrRole string) (int, bool) {
	pid, err := m.tmux.ShellPID(m.Name(slotOrRole))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// WorkerAlive reports whether the worker CLI process is actually running
// under the session's shell — a session can be alive (tmux still has the
// pane) while the worker it launched has crashed, which shows up as a dead
// worker under a live shell (spec §4.2, §4.9 step 5).
func (m *Manager) WorkerAlive(slotOrRole string) bool {
	pid, ok := m.ShellPID(slotOrRole)
	if !ok {
		return false
	}
	return tmux.HasDescendantNamed(pid, m.workerName)
}

// PaneBroken reports whether the session exists in tmux's bookkeeping but
// its pane can no longer be addressed (e.g. the underlying process group
// vanished without tmux noticing yet).
func (m *Manager) PaneBroken(slotOrRole string) bool {
	_, err := m.tmux.PaneID(m.Name(slotOrRole))
	return err != nil
}

// sessionAgeGuard is the minimum session age before a completion waiter
// trusts an idle-looking pane as "done" rather than "still booting" — an
// Open Question in spec §9, resolved here per the Python agent_wait.py
// heuristic in original_source/: default 10s.
const sessionAgeGuard = 10 * time.Second

// TrustIdlePrompt reports whether a session old enough (age >= the guard)
// may have its idle-looking prompt trusted as "worker finished", versus a
// freshly spawned session whose shell prompt can transiently look idle
// before the worker CLI has even started.
func TrustIdlePrompt(age time.Duration) bool {
	return age >= sessionAgeGuard
}
