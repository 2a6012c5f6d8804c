// Package failurelog implements the persistent IssueFailureLog (spec §3,
// §4.6) and its recovery-stats query, grounded on original_source/'s
// recovery_stats.py: a cross-session record of per-issue failures that
// survives daemon restarts, consulted by the snapshot builder to decide
// whether a ready issue should be skipped this iteration (the
// failure-backoff filter).
package failurelog

import (
	"strconv"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// MaxFailures is the threshold at which an issue is always skipped by the
// backoff filter — past this point it should already be auto-blocked
// upstream (spec §4.6).
const MaxFailures = 5

// Entry is one issue's failure history (spec §3).
type Entry struct {
	TotalFailures   int       `json:"total_failures"`
	ErrorClass      string    `json:"error_class"`
	Phase           string    `json:"phase"`
	Details         string    `json:"details,omitempty"`
	FirstFailureAt  time.Time `json:"first_failure_at"`
	LastFailureAt   time.Time `json:"last_failure_at"`
}

// Log is the persisted document: `entries` keyed by issue-number-as-string
// (spec §3).
type Log struct {
	Entries map[string]Entry `json:"entries"`
}

// Store operates the persistent issue-failures.json document.
type Store struct {
	root paths.Root
}

// New returns a Store rooted at root.
func New(root paths.Root) *Store { return &Store{root: root} }

func issueKey(issue int) string {
	// matches the on-disk "issue-as-decimal-string" key spec §3 describes.
	return strconv.Itoa(issue)
}

func (s *Store) load() Log {
	var l Log
	_ = store.Read(s.root.IssueFailures(), &l)
	if l.Entries == nil {
		l.Entries = map[string]Entry{}
	}
	return l
}

// RecordFailure appends a failure for issue, incrementing total_failures
// and refreshing error_class/phase/details/last_failure_at.
func (s *Store) RecordFailure(issue int, errorClass, phase, details string, now time.Time) error {
	l := s.load()
	key := issueKey(issue)
	e, ok := l.Entries[key]
	if !ok {
		e.FirstFailureAt = now
	}
	e.TotalFailures++
	e.ErrorClass = errorClass
	e.Phase = phase
	e.Details = details
	e.LastFailureAt = now
	l.Entries[key] = e
	return store.Write(s.root.IssueFailures(), l)
}

// RecordSuccess clears an issue's failure history on true completion (spec
// §3 lifecycle: "cleared per-issue on successful completion").
func (s *Store) RecordSuccess(issue int) error {
	l := s.load()
	key := issueKey(issue)
	if _, ok := l.Entries[key]; !ok {
		return nil
	}
	delete(l.Entries, key)
	return store.Write(s.root.IssueFailures(), l)
}

// Get returns an issue's failure entry, if any.
func (s *Store) Get(issue int) (Entry, bool) {
	l := s.load()
	e, ok := l.Entries[issueKey(issue)]
	return e, ok
}

// ShouldSkip implements the failure-backoff filter (spec §4.6): 0 or 1
// failures always pass; 2..MAX-1 failures follow the exponential-spacing
// schedule (2, 4, 8 iterations between attempts); MAX or more always skip.
func ShouldSkip(totalFailures, currentIteration int) bool {
	if totalFailures <= 1 {
		return false
	}
	if totalFailures >= MaxFailures {
		return true
	}
	period := (1 << uint(totalFailures-1)) + 1
	return currentIteration%period != 0
}

// Filter returns true if issue should be skipped this iteration per the
// backoff schedule.
func (s *Store) Filter(issue, currentIteration int) bool {
	e, ok := s.Get(issue)
	if !ok {
		return false
	}
	return ShouldSkip(e.TotalFailures, currentIteration)
}

// Period selects a time window for the Stats query (spec §6 CLI surface,
// `recovery-stats --period`).
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Stats is the aggregate recovery-stats report (grounded on
// original_source/recovery_stats.py).
type Stats struct {
	Period          Period         `json:"period"`
	TotalIssues     int            `json:"total_issues"`
	TotalFailures   int            `json:"total_failures"`
	ByErrorClass    map[string]int `json:"by_error_class"`
	ByPhase         map[string]int `json:"by_phase"`
	Issues          []int          `json:"issues"`
}

// Stats computes aggregate failure statistics over period, measured
// relative to now.
func (s *Store) Stats(period Period, now time.Time) Stats {
	l := s.load()
	cutoff := cutoffFor(period, now)
	stats := Stats{Period: period, ByErrorClass: map[string]int{}, ByPhase: map[string]int{}}
	for key, e := range l.Entries {
		if !cutoff.IsZero() && e.LastFailureAt.Before(cutoff) {
			continue
		}
		stats.TotalIssues++
		stats.TotalFailures += e.TotalFailures
		stats.ByErrorClass[e.ErrorClass] += e.TotalFailures
		stats.ByPhase[e.Phase] += e.TotalFailures
		if n, ok := parseIssueKey(key); ok {
			stats.Issues = append(stats.Issues, n)
		}
	}
	return stats
}

func cutoffFor(period Period, now time.Time) time.Time {
	switch period {
	case PeriodToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

func parseIssueKey(key string) (int, bool) {
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, false
	}
	return n, true
}
