package phases

import (
	"context"
	"fmt"

	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/phaserunner"
	"github.com/rjwalters/loom/internal/shepherd"
)

// judge runs the review worker against the open PR (spec §4.8.2). The
// worker is expected to leave its verdict as a label on the PR itself —
// loom:pr for approval, loom:changes-requested otherwise — the same
// convention Builder relies on GitHub state for rather than parsing worker
// stdout.
type judge struct {
	runner    *phaserunner.Runner
	workerCLI string
}

// NewJudge returns the Judge phase.
func NewJudge(runner *phaserunner.Runner, workerCLI string) shepherd.Phase {
	return judge{runner: runner, workerCLI: workerCLI}
}

func (judge) Name() string { return "judge" }

func (judge) Contracts() []shepherd.Contract {
	return []shepherd.Contract{
		{
			Name: "pr_open_review_requested",
			Check: func(sc *shepherd.Context) (bool, string) {
				if sc.PRNumber == 0 {
					return false, "no PR to review"
				}
				pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
				if err != nil {
					return false, "could not view PR"
				}
				if pr.State != "OPEN" && pr.State != "open" {
					return false, "PR is not open"
				}
				if !pr.HasLabel(labels.ReviewRequested) {
					return false, "PR lacks loom:review-requested"
				}
				return true, ""
			},
			ViolationMessage: "PR must exist, be open, and carry loom:review-requested",
			FailureLabel:     labels.FailedJudge,
		},
	}
}

func (judge) ShouldSkip(sc *shepherd.Context) (bool, string) {
	if sc.PRNumber == 0 {
		return false, ""
	}
	pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
	if err == nil && pr.HasLabel(labels.PR) {
		return true, "already approved"
	}
	return false, ""
}

func (j judge) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	sc.JudgeRetries++

	args := []string{"--pr", fmt.Sprint(sc.PRNumber), "--task-id", sc.TaskID}
	code, runErr := j.runner.RunWithRetry(sc.Slot, j.workerCLI, args, sc.Worktree, sc.TaskID, sc.Issue, sc.Cfg.JudgeTimeout, sc.Cfg.JudgeMaxRetries)

	switch code {
	case phaserunner.ExitStuck:
		return shepherd.Result{Status: shepherd.StatusStuck, Msg: "judge worker stuck"}
	case phaserunner.ExitShutdown:
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "shutdown signal received"}
	case phaserunner.ExitSuccess:
		// verdict is read from PR labels below
	default:
		msg := "judge worker failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: msg}
	}

	pr, err := sc.GH.ViewPR(ctx, sc.PRNumber)
	if err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "reading PR verdict: " + err.Error()}
	}

	switch {
	case pr.HasLabel(labels.PR):
		return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "approved"}
	case pr.HasLabel(labels.ChangesRequested):
		return shepherd.Result{
			Status: shepherd.StatusFailed,
			Msg:    "changes requested",
			Data:   map[string]interface{}{"changes_requested": true},
		}
	default:
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "judge worker left no verdict label on the PR"}
	}
}

func (judge) Validate(sc *shepherd.Context) bool {
	pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
	if err != nil {
		return false
	}
	return pr.HasLabel(labels.PR) || pr.HasLabel(labels.ChangesRequested)
}
