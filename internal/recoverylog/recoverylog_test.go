package recoverylog

import (
	"testing"
	"time"

	"github.com/rjwalters/loom/internal/paths"
)

func TestAppendAndStatsRoundTrip(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	s := New(root)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{Timestamp: now.Add(-time.Hour), Issue: 1, RecoveryType: TypeCommitAndPR, Reason: "uncommitted_changes_in_worktree", WorktreeHadChanges: true},
		{Timestamp: now.Add(-2 * time.Hour), Issue: 2, RecoveryType: TypeAddLabel, Reason: "missing_review_requested_label", PRNumber: 42},
		{Timestamp: now.AddDate(0, 0, -30), Issue: 3, RecoveryType: TypePROnly, Reason: "unpushed_commits"},
	}
	for _, ev := range events {
		if err := s.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stats := s.Stats(PeriodWeek, now)
	if stats.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2 (the 30-day-old event should fall outside the week window)", stats.TotalEvents)
	}
	if stats.ByType[TypeCommitAndPR] != 1 || stats.ByType[TypeAddLabel] != 1 {
		t.Errorf("ByType = %+v, want 1 each for commit_and_pr and add_label", stats.ByType)
	}
	if len(stats.Events) != 2 {
		t.Fatalf("Events len = %d, want 2", len(stats.Events))
	}
	if stats.Events[0].Issue != 1 {
		t.Errorf("Events[0].Issue = %d, want 1 (newest first)", stats.Events[0].Issue)
	}
}

func TestStatsAllIncludesEverything(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	s := New(root)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	if err := s.Append(Event{Timestamp: now.AddDate(-1, 0, 0), Issue: 9, RecoveryType: TypeCommitAndPR}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	stats := s.Stats(PeriodAll, now)
	if stats.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", stats.TotalEvents)
	}
}

func TestStatsEmptyStoreHasNoEvents(t *testing.T) {
	t.Parallel()
	root := paths.New(t.TempDir())
	s := New(root)
	stats := s.Stats(PeriodToday, time.Now().UTC())
	if stats.TotalEvents != 0 {
		t.Errorf("TotalEvents = %d, want 0", stats.TotalEvents)
	}
	if len(stats.Events) != 0 {
		t.Errorf("Events = %v, want empty", stats.Events)
	}
}

func TestRangeForPeriods(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)

	start, end := rangeFor(PeriodToday, now)
	if !start.Equal(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("today start = %v, want midnight", start)
	}
	if !end.Equal(now) {
		t.Errorf("today end = %v, want now", end)
	}

	start, _ = rangeFor(PeriodWeek, now)
	if !start.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("week start = %v, want 7 days back", start)
	}

	start, _ = rangeFor(PeriodMonth, now)
	if !start.Equal(now.AddDate(0, -1, 0)) {
		t.Errorf("month start = %v, want 1 month back", start)
	}

	start, _ = rangeFor(Period("bogus"), now)
	if !start.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("unrecognized period should fall back to week, got start = %v", start)
	}
}
