package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/rjwalters/loom/internal/state"
)

func newDaemonState() state.DaemonState {
	return state.New("sess-1", "autonomous", false, time.Now().UTC())
}

func TestPolicyForKnownAndUnknownClasses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		class        string
		wantRetries  int
		wantEscalate bool
	}{
		{"builder_stuck", 3, false},
		{"builder_test_failure", 3, false},
		{"judge_stuck", 2, false},
		{"doctor_exhausted", 0, true},
		{"wrong_issue", 0, true},
		{"worktree_escape", 0, true},
		{"mcp_infrastructure_failure", 20, false},
		{"totally_unknown_class", Default.MaxRetries, Default.Escalate},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			p := PolicyFor(tt.class)
			if p.MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", p.MaxRetries, tt.wantRetries)
			}
			if p.Escalate != tt.wantEscalate {
				t.Errorf("Escalate = %v, want %v", p.Escalate, tt.wantEscalate)
			}
		})
	}
}

func TestListClassifiesByStatus(t *testing.T) {
	t.Parallel()
	ds := newDaemonState()
	ds.BlockedIssueRetries["12"] = state.BlockedIssueRetry{ErrorClass: "builder_stuck", RetryCount: 1}
	ds.BlockedIssueRetries["7"] = state.BlockedIssueRetry{ErrorClass: "builder_stuck", RetryCount: 3}
	ds.BlockedIssueRetries["3"] = state.BlockedIssueRetry{ErrorClass: "doctor_exhausted", RetryCount: 0, EscalatedToHuman: true}

	rows := List(ds)
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	// sorted ascending by issue number
	if rows[0].Issue != 3 || rows[1].Issue != 7 || rows[2].Issue != 12 {
		t.Errorf("rows not sorted by issue: %+v", rows)
	}
	if rows[0].Status != StatusEscalated {
		t.Errorf("issue 3 status = %s, want escalated", rows[0].Status)
	}
	if rows[1].Status != StatusExhausted {
		t.Errorf("issue 7 status = %s, want exhausted (retry_count 3 >= max 3)", rows[1].Status)
	}
	if rows[2].Status != StatusRetryable {
		t.Errorf("issue 12 status = %s, want retryable", rows[2].Status)
	}
	if rows[2].RetriesLeft != 2 {
		t.Errorf("issue 12 retries left = %d, want 2", rows[2].RetriesLeft)
	}
}

func TestListOnEmptyState(t *testing.T) {
	t.Parallel()
	rows := List(newDaemonState())
	if len(rows) != 0 {
		t.Errorf("rows = %v, want empty", rows)
	}
}

func TestPruneEscalatesExhaustedEscalatingIssues(t *testing.T) {
	t.Parallel()
	ds := newDaemonState()
	ds.BlockedIssueRetries["5"] = state.BlockedIssueRetry{ErrorClass: "doctor_exhausted", RetryCount: 0}
	ds.BlockedIssueRetries["6"] = state.BlockedIssueRetry{ErrorClass: "builder_stuck", RetryCount: 3}
	ds.BlockedIssueRetries["8"] = state.BlockedIssueRetry{ErrorClass: "mcp_infrastructure_failure", RetryCount: 20}
	ds.BlockedIssueRetries["9"] = state.BlockedIssueRetry{ErrorClass: "builder_stuck", RetryCount: 1}

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	result := Prune(context.Background(), &ds, nil, false, false, now)

	if result.TotalBlocked != 4 {
		t.Errorf("TotalBlocked = %d, want 4", result.TotalBlocked)
	}
	if len(result.Escalated) != 1 {
		t.Fatalf("Escalated = %+v, want 1 entry (issue 5)", result.Escalated)
	}
	if result.Escalated[0].Issue != 5 {
		t.Errorf("escalated issue = %d, want 5", result.Escalated[0].Issue)
	}
	if result.TransientExhausted != 2 {
		t.Errorf("TransientExhausted = %d, want 2 (issues 6 and 8, classes that do not escalate)", result.TransientExhausted)
	}
	if result.StillRetryable != 1 {
		t.Errorf("StillRetryable = %d, want 1 (issue 9)", result.StillRetryable)
	}

	if !ds.BlockedIssueRetries["5"].EscalatedToHuman {
		t.Error("issue 5 should be marked escalated_to_human in daemon state")
	}
	if len(ds.NeedsHumanInput) != 1 {
		t.Errorf("NeedsHumanInput = %+v, want 1 entry", ds.NeedsHumanInput)
	}
}

func TestPruneDryRunDoesNotMutateState(t *testing.T) {
	t.Parallel()
	ds := newDaemonState()
	ds.BlockedIssueRetries["5"] = state.BlockedIssueRetry{ErrorClass: "doctor_exhausted", RetryCount: 0}

	result := Prune(context.Background(), &ds, nil, false, true, time.Now().UTC())
	if len(result.Escalated) != 1 {
		t.Fatalf("Escalated = %+v, want 1 entry even in dry run", result.Escalated)
	}
	if ds.BlockedIssueRetries["5"].EscalatedToHuman {
		t.Error("dry run must not mutate daemon state")
	}
	if len(ds.NeedsHumanInput) != 0 {
		t.Error("dry run must not append to NeedsHumanInput")
	}
}

func TestPruneSkipsAlreadyEscalatedIssues(t *testing.T) {
	t.Parallel()
	ds := newDaemonState()
	ds.BlockedIssueRetries["5"] = state.BlockedIssueRetry{ErrorClass: "doctor_exhausted", EscalatedToHuman: true}

	result := Prune(context.Background(), &ds, nil, false, false, time.Now().UTC())
	if result.AlreadyEscalated != 1 {
		t.Errorf("AlreadyEscalated = %d, want 1", result.AlreadyEscalated)
	}
	if len(result.Escalated) != 0 {
		t.Errorf("Escalated = %v, want empty", result.Escalated)
	}
}
