// Package stall implements stall escalation (spec §4.10, component 14):
// three widening responses to a pipeline that keeps reporting "stalled"
// iteration after iteration — diagnostic logging, then a recovery sweep,
// then a full pool restart. Grounded on zulandar-gastown's internal/doctor
// escalation pattern (repeated failure of the same check triggers a
// progressively more invasive remediation) generalized to daemon-wide
// state instead of one repo check.
package stall

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/state"
	"github.com/rjwalters/loom/internal/systematic"
)

// Level is the escalation tier a given consecutive_stalled count reaches.
type Level string

const (
	LevelNone       Level = "none"
	LevelDiagnostic Level = "diagnostic"
	LevelRecovery   Level = "recovery"
	LevelRestart    Level = "restart"
)

// Escalator decides and performs the stall response for one daemon
// iteration's consecutive_stalled count.
type Escalator struct {
	GH       *ghclient.Client
	Sessions *session.Manager
	Progress *progress.Reader
	Detector *systematic.Detector
	Log      logr.Logger
	Cfg      config.Config
}

// classify maps a consecutive_stalled count onto the highest level it has
// reached, per spec §4.10's thresholds (3/5/10 by default).
func (e *Escalator) classify(consecutiveStalled int) Level {
	switch {
	case consecutiveStalled >= e.Cfg.StallRestartThreshold:
		return LevelRestart
	case consecutiveStalled >= e.Cfg.StallRecoveryThreshold:
		return LevelRecovery
	case consecutiveStalled >= e.Cfg.StallDiagnosticThreshold:
		return LevelDiagnostic
	default:
		return LevelNone
	}
}

// Evaluate runs the escalation appropriate to ds.ConsecutiveStalled,
// mutating ds in place, and returns the level it acted on.
func (e *Escalator) Evaluate(ctx context.Context, ds *state.DaemonState, now time.Time) Level {
	level := e.classify(ds.ConsecutiveStalled)
	switch level {
	case LevelDiagnostic:
		e.diagnose(ds, now)
	case LevelRecovery:
		e.recover(ctx, ds, now)
	case LevelRestart:
		e.restartPool(ctx, ds, now)
	}
	return level
}

// diagnose records a warning but takes no corrective action — it exists so
// an operator watching alerts.json notices the pipeline is stuck before the
// daemon starts intervening on its own (spec §4.10 level 1).
func (e *Escalator) diagnose(ds *state.DaemonState, now time.Time) {
	ds.AppendWarning(state.Warning{
		Type: "stall_diagnostic", Severity: "warning",
		Message:   "pipeline has reported stalled health for several consecutive iterations",
		Context:   map[string]interface{}{"consecutive_stalled": ds.ConsecutiveStalled},
		Timestamp: now,
	})
}

// recover performs a narrower sweep than a full restart: every working
// shepherd with no live session is reclaimed and its issue returned to
// loom:issue, without touching shepherds that are still genuinely busy
// (spec §4.10 level 2).
func (e *Escalator) recover(ctx context.Context, ds *state.DaemonState, now time.Time) {
	for slot, entry := range ds.Shepherds {
		if entry.Status != state.ShepherdWorking {
			continue
		}
		if alive, _ := e.Sessions.Exists(slot); alive {
			continue
		}
		issue := 0
		if entry.Issue != nil {
			issue = *entry.Issue
		}
		if issue != 0 {
			if err := e.GH.Relabel(ctx, issue, labels.Building, labels.Issue); err != nil {
				e.Log.Error(err, "recovery sweep: relabel building->issue", "issue", issue)
			}
		}
		_ = e.Progress.Delete(entry.TaskID)
		ds.Shepherds[slot] = state.ShepherdEntry{Status: state.ShepherdIdle, IdleSince: now, IdleReason: "stall_recovery_sweep", LastIssue: issue}
	}
	ds.AppendWarning(state.Warning{
		Type: "stall_recovery", Severity: "warning",
		Message:   "stall recovery sweep reclaimed dead shepherd slots",
		Timestamp: now,
	})
}

// restartPool is the full level-3 response (spec §4.10): every working
// shepherd's session is killed outright (live or not), its issue reverted
// to loom:issue, every progress document cleared, the systematic-failure
// detector cleared, recent_failures emptied, and consecutive_stalled reset
// to 0 so the next iteration starts from a clean slate.
func (e *Escalator) restartPool(ctx context.Context, ds *state.DaemonState, now time.Time) {
	for slot, entry := range ds.Shepherds {
		if entry.Status != state.ShepherdWorking {
			continue
		}
		issue := 0
		if entry.Issue != nil {
			issue = *entry.Issue
		}
		_ = e.Sessions.Kill(slot)
		if issue != 0 {
			if err := e.GH.Relabel(ctx, issue, labels.Building, labels.Issue); err != nil {
				e.Log.Error(err, "pool restart: relabel building->issue", "issue", issue)
			}
		}
		if entry.TaskID != "" {
			_ = e.Progress.Delete(entry.TaskID)
		}
		ds.Shepherds[slot] = state.ShepherdEntry{Status: state.ShepherdIdle, IdleSince: now, IdleReason: "pool_restart", LastIssue: issue}
	}

	taskIDs, _ := e.Progress.List()
	for _, id := range taskIDs {
		_ = e.Progress.Delete(id)
	}

	if e.Detector != nil {
		ds.SystematicFailure = e.Detector.Clear()
	} else {
		ds.SystematicFailure = systematic.State{}
	}
	ds.RecentFailures = nil
	ds.ConsecutiveStalled = 0

	ds.AppendWarning(state.Warning{
		Type: "stall_restart", Severity: "critical",
		Message:   "stall escalation restarted the entire shepherd pool",
		Timestamp: now,
	})
}
