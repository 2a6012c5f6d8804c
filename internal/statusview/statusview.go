// Package statusview renders a DaemonState snapshot for a human running
// `loom-daemon --status` or `loom-daemon --health`. Grounded on
// zulandar-gastown's internal/tui/feed (lipgloss.Style-built panels) and
// internal/cmd/rig.go's terminal-detection pattern (golang.org/x/term): when
// stdout is a real terminal the output is colored (status labels are
// title-cased either way), and it degrades to a plain, uncolored table
// when piped (a log file, CI, a
// pipe into grep), matching how the teacher's CLI avoids ANSI escapes
// leaking into non-interactive output.
package statusview

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rjwalters/loom/internal/state"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	workingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	erroredStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	titler       = cases.Title(language.English)
)

// IsInteractive reports whether w looks like a real terminal worth coloring.
func IsInteractive(w *os.File) bool {
	return term.IsTerminal(int(w.Fd()))
}

func statusStyle(s state.ShepherdStatus) lipgloss.Style {
	switch s {
	case state.ShepherdWorking:
		return workingStyle
	case state.ShepherdPaused:
		return pausedStyle
	case state.ShepherdErrored:
		return erroredStyle
	default:
		return idleStyle
	}
}

// Render writes a human-readable summary of ds to w. color enables lipgloss
// styling; pass false for piped/non-terminal output.
func Render(w io.Writer, ds state.DaemonState, color bool) {
	style := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, style(headerStyle, fmt.Sprintf("loom daemon — iteration %d", ds.Iteration)))
	fmt.Fprintf(w, "running=%v force_mode=%v consecutive_stalled=%d\n", ds.Running, ds.ForceMode, ds.ConsecutiveStalled)
	fmt.Fprintln(w)

	slots := make([]string, 0, len(ds.Shepherds))
	for name := range ds.Shepherds {
		slots = append(slots, name)
	}
	sort.Strings(slots)

	fmt.Fprintln(w, style(headerStyle, "Shepherds"))
	for _, name := range slots {
		e := ds.Shepherds[name]
		label := titler.String(string(e.Status))
		issue := "-"
		if e.Issue != nil {
			issue = fmt.Sprintf("#%d", *e.Issue)
		}
		line := fmt.Sprintf("  %-10s %-10s issue=%-6s phase=%s", name, label, issue, e.LastPhase)
		fmt.Fprintln(w, style(statusStyle(e.Status), line))
	}
	if len(slots) == 0 {
		fmt.Fprintln(w, "  (none configured)")
	}

	if len(ds.Warnings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, style(headerStyle, "Recent warnings"))
		start := 0
		if len(ds.Warnings) > 5 {
			start = len(ds.Warnings) - 5
		}
		for _, warn := range ds.Warnings[start:] {
			fmt.Fprintln(w, style(warnStyle, fmt.Sprintf("  [%s] %s", strings.ToUpper(warn.Severity), warn.Message)))
		}
	}
}

// RenderHealth writes a one-line health summary suitable for scripts and
// `loom-daemon --health` (spec §6's health check surface).
func RenderHealth(w io.Writer, ds state.DaemonState) {
	active, _ := ds.ActiveShepherds()
	healthy := ds.ConsecutiveStalled == 0 && !ds.SystematicFailure.Active
	fmt.Fprintf(w, "healthy=%v running=%v active_shepherds=%d consecutive_stalled=%d\n",
		healthy, ds.Running, active, ds.ConsecutiveStalled)
}
