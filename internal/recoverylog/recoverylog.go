// Package recoverylog implements the recovery-events log and recovery-stats
// query (spec §6, `recovery-stats`), grounded on
// original_source/loom-tools/src/loom_tools/recovery_stats.py: a flat JSON
// array of auto-recovery events recorded whenever the builder phase's
// Validate step finds and fixes dangling worktree state, queried by period
// to diagnose builder reliability.
package recoverylog

import (
	"sort"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// Recovery types recorded by the builder's post-run validation (spec
// §4.8.2(f)).
const (
	TypeCommitAndPR = "commit_and_pr" // uncommitted changes were committed and a PR exists
	TypePROnly      = "pr_only"       // unpushed commits were pushed and a PR exists
	TypeAddLabel    = "add_label"     // PR existed but was missing loom:review-requested
)

// Event is one recorded recovery action.
type Event struct {
	Timestamp          time.Time `json:"timestamp"`
	Issue              int       `json:"issue"`
	RecoveryType        string    `json:"recovery_type"`
	Reason              string    `json:"reason"`
	WorktreeHadChanges bool      `json:"worktree_had_changes,omitempty"`
	CommitsRecovered   int       `json:"commits_recovered,omitempty"`
	PRNumber           int       `json:"pr_number,omitempty"`
}

// Store operates the append-only metrics/recovery-events.json document.
type Store struct {
	root paths.Root
}

// New returns a Store rooted at root.
func New(root paths.Root) *Store { return &Store{root: root} }

func (s *Store) load() []Event {
	var events []Event
	_ = store.Read(s.root.RecoveryEvents(), &events)
	return events
}

// Append records a new recovery event.
func (s *Store) Append(ev Event) error {
	events := s.load()
	events = append(events, ev)
	return store.Write(s.root.RecoveryEvents(), events)
}

// Period selects a time window for Stats (spec §6, `recovery-stats --period`).
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Stats is the aggregate recovery-stats report.
type Stats struct {
	Period       Period         `json:"period"`
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	TotalEvents  int            `json:"total_events"`
	ByType       map[string]int `json:"by_type"`
	ByReason     map[string]int `json:"by_reason"`
	ByDay        map[string]int `json:"by_day"`
	Events       []Event        `json:"events"` // newest first
}

// Stats computes recovery statistics over period, relative to now.
func (s *Store) Stats(period Period, now time.Time) Stats {
	start, end := rangeFor(period, now)
	stats := Stats{
		Period: period, PeriodStart: start, PeriodEnd: end,
		ByType: map[string]int{}, ByReason: map[string]int{}, ByDay: map[string]int{},
	}
	for _, e := range s.load() {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		stats.TotalEvents++
		stats.ByType[e.RecoveryType]++
		stats.ByReason[e.Reason]++
		stats.ByDay[e.Timestamp.Format("2006-01-02")]++
		stats.Events = append(stats.Events, e)
	}
	sort.Slice(stats.Events, func(i, j int) bool {
		return stats.Events[i].Timestamp.After(stats.Events[j].Timestamp)
	})
	return stats
}

func rangeFor(period Period, now time.Time) (time.Time, time.Time) {
	switch period {
	case PeriodToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), now
	case PeriodMonth:
		return now.AddDate(0, -1, 0), now
	case PeriodAll:
		return now.AddDate(-10, 0, 0), now
	default: // week, and anything unrecognized
		return now.AddDate(0, 0, -7), now
	}
}
