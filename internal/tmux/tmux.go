// Package tmux is a thin wrapper around the `tmux` binary: create/destroy
// named panes, capture their scrollback, and resolve the shell PID backing
// a session. It is the multiplexer primitive the session manager (component
// 3, spec §4.2) builds on.
//
// There is no idiomatic Go tmux client in the retrieved pack or ecosystem —
// every gastown variant shells out to the real binary too — so this stays
// on os/exec rather than forcing a third-party dependency where none fits
// (see DESIGN.md).
package tmux

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Tmux wraps invocations of the tmux binary.
type Tmux struct {
	bin string // usually "tmux"
}

// New returns a Tmux wrapper using the given binary (empty means "tmux" on
// PATH).
func New(bin string) *Tmux {
	if bin == "" {
		bin = "tmux"
	}
	return &Tmux{bin: bin}
}

func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command(t.bin, args...)
	out, err := cmd.Output()
	return strings.TrimRight(string(out), "\n"), err
}

// HasSession reports whether a session with the given name exists.
func (t *Tmux) HasSession(name string) (bool, error) {
	cmd := exec.Command(t.bin, "has-session", "-t", name)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Spawn creates a detached session named `name`, running `command` (args
// appended) with workdir as its starting directory. log, if non-empty, is
// piped via `tee` so the worker's stdout/stderr also land in a log file the
// orchestrator can tail independently of tmux.
func (t *Tmux) Spawn(name, workdir string, command []string, logPath string) error {
	shellCmd := strings.Join(quoteAll(command), " ")
	if logPath != "" {
		shellCmd = fmt.Sprintf("(%s) 2>&1 | tee -a %s", shellCmd, shellQuote(logPath))
	}
	args := []string{"new-session", "-d", "-s", name, "-c", workdir, shellCmd}
	_, err := t.run(args...)
	return err
}

// KillSession terminates a session (and, transitively, its pane's process
// tree — tmux sends SIGHUP to the pane's shell on kill-session).
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", name)
	return err
}

// CapturePane returns the visible scrollback of a session's first pane.
func (t *Tmux) CapturePane(name string) (string, error) {
	return t.run("capture-pane", "-p", "-t", name, "-S", "-2000")
}

// PaneID returns the tmux pane identifier for a session, or an error if the
// session or pane no longer exists (a "broken" session per spec §4.2/§7.1's
// recovery-path language).
func (t *Tmux) PaneID(name string) (string, error) {
	return t.run("display-message", "-p", "-t", name, "#{pane_id}")
}

// ShellPID returns the PID of the shell process backing a session's pane.
func (t *Tmux) ShellPID(name string) (int, error) {
	out, err := t.run("display-message", "-p", "-t", name, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = shellQuote(a)
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
