// Package backlog implements the blocked-issue triage tools (spec §6,
// `backlog {list|prune}`), grounded on
// original_source/loom-tools/src/loom_tools/backlog.py: apply each blocked
// issue's tiered retry policy (spec §7) retroactively, escalating exhausted,
// escalating-class issues into DaemonState.NeedsHumanInput.
package backlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/state"
)

// Policy is one error class's retry policy (spec §7).
type Policy struct {
	MaxRetries int
	Cooldown   time.Duration
	Escalate   bool
}

// policies is the spec §7 default table. A class not listed falls back to
// the Default policy below.
var policies = map[string]Policy{
	"builder_stuck":           {MaxRetries: 3, Cooldown: time.Hour},
	"builder_test_failure":    {MaxRetries: 3, Cooldown: time.Hour},
	"builder_unknown_failure": {MaxRetries: 3, Cooldown: time.Hour},
	"judge_stuck":             {MaxRetries: 2, Cooldown: 30 * time.Minute},
	"doctor_exhausted":        {MaxRetries: 0, Escalate: true},
	"wrong_issue":             {MaxRetries: 0, Escalate: true},
	"worktree_escape":         {MaxRetries: 0, Escalate: true},
	"mcp_infrastructure_failure":  {MaxRetries: 20, Cooldown: 10 * time.Minute},
	"auth_infrastructure_failure": {MaxRetries: 20, Cooldown: 10 * time.Minute},
}

// Default is the fallback policy for an unrecognized error class.
var Default = Policy{MaxRetries: 3, Cooldown: time.Hour}

// PolicyFor returns the retry policy for an error class.
func PolicyFor(errorClass string) Policy {
	if p, ok := policies[errorClass]; ok {
		return p
	}
	return Default
}

// Status classifies one blocked issue for display (spec §6 `backlog list`).
type Status string

const (
	StatusRetryable Status = "retryable"
	StatusExhausted Status = "exhausted"
	StatusEscalated Status = "escalated"
)

// Row is one line of `backlog list` output.
type Row struct {
	Issue        int
	ErrorClass   string
	RetryCount   int
	MaxRetries   int
	RetriesLeft  int
	Cooldown     time.Duration
	WillEscalate bool
	Status       Status
}

// List builds the display rows for every blocked issue in ds, sorted by
// issue number ascending.
func List(ds state.DaemonState) []Row {
	rows := make([]Row, 0, len(ds.BlockedIssueRetries))
	for key, entry := range ds.BlockedIssueRetries {
		issue, ok := parseIssueKey(key)
		if !ok {
			continue
		}
		policy := PolicyFor(entry.ErrorClass)
		retriesLeft := policy.MaxRetries - entry.RetryCount
		if retriesLeft < 0 {
			retriesLeft = 0
		}
		status := StatusRetryable
		switch {
		case entry.EscalatedToHuman:
			status = StatusEscalated
		case entry.RetryExhausted || entry.RetryCount >= policy.MaxRetries:
			status = StatusExhausted
		}
		rows = append(rows, Row{
			Issue: issue, ErrorClass: entry.ErrorClass, RetryCount: entry.RetryCount,
			MaxRetries: policy.MaxRetries, RetriesLeft: retriesLeft, Cooldown: policy.Cooldown,
			WillEscalate: policy.Escalate, Status: status,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Issue < rows[j].Issue })
	return rows
}

// PruneResult summarizes one `backlog prune` run.
type PruneResult struct {
	TotalBlocked        int
	AlreadyEscalated    int
	Escalated           []state.EscalationEntry
	TransientExhausted  int
	StillRetryable      int
}

// Prune applies the tiered retry policy retroactively to every blocked
// issue in ds, mutating ds in place (unless dryRun) to mark
// retry-exhausted, escalating-class issues as escalated_to_human and append
// them to NeedsHumanInput. When gh and addComment are both non-nil/true, an
// explanatory comment is also posted on GitHub for each newly escalated
// issue.
func Prune(ctx context.Context, ds *state.DaemonState, gh *ghclient.Client, addComment, dryRun bool, now time.Time) PruneResult {
	result := PruneResult{TotalBlocked: len(ds.BlockedIssueRetries)}

	type pending struct {
		issue  int
		entry  state.BlockedIssueRetry
		reason string
	}
	var toEscalate []pending

	for key, entry := range ds.BlockedIssueRetries {
		issue, ok := parseIssueKey(key)
		if !ok {
			continue
		}
		if entry.EscalatedToHuman {
			result.AlreadyEscalated++
			continue
		}
		policy := PolicyFor(entry.ErrorClass)
		exhausted := entry.RetryExhausted || entry.RetryCount >= policy.MaxRetries
		if !exhausted {
			result.StillRetryable++
			continue
		}
		if !policy.Escalate {
			result.TransientExhausted++
			continue
		}
		reason := fmt.Sprintf("exceeded %d retries for %s", policy.MaxRetries, entry.ErrorClass)
		if policy.MaxRetries == 0 {
			reason = fmt.Sprintf("error class %s requires immediate human review", entry.ErrorClass)
		}
		toEscalate = append(toEscalate, pending{issue: issue, entry: entry, reason: reason})
	}
	sort.Slice(toEscalate, func(i, j int) bool { return toEscalate[i].issue < toEscalate[j].issue })

	if dryRun {
		for _, p := range toEscalate {
			result.Escalated = append(result.Escalated, state.EscalationEntry{
				Issue: p.issue, ErrorClass: p.entry.ErrorClass, EscalatedAt: now, Reason: p.reason,
			})
		}
		return result
	}

	for _, p := range toEscalate {
		already := false
		for _, e := range ds.NeedsHumanInput {
			if e.Issue == p.issue {
				already = true
				break
			}
		}
		entry := p.entry
		entry.EscalatedToHuman = true
		ds.BlockedIssueRetries[issueKey(p.issue)] = entry

		escalation := state.EscalationEntry{Issue: p.issue, ErrorClass: entry.ErrorClass, EscalatedAt: now, Reason: p.reason}
		if !already {
			ds.NeedsHumanInput = append(ds.NeedsHumanInput, escalation)
		}
		result.Escalated = append(result.Escalated, escalation)

		if addComment && gh != nil {
			body := fmt.Sprintf(
				"**Blocked Issue: Human Review Required (backlog prune)**\n\n"+
					"This issue exceeded its automatic retry budget during a backlog triage run.\n\n"+
					"**Error class**: `%s`\n**Retry attempts**: %d\n**Reason**: %s\n\n"+
					"Fix the underlying problem and remove `loom:blocked` to re-queue it, or close the issue.",
				entry.ErrorClass, entry.RetryCount, p.reason,
			)
			_ = gh.Comment(ctx, p.issue, body)
		}
	}
	return result
}

func issueKey(issue int) string { return fmt.Sprintf("%d", issue) }

func parseIssueKey(key string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
