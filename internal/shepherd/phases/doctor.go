package phases

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/phaserunner"
	"github.com/rjwalters/loom/internal/shepherd"
	"github.com/rjwalters/loom/internal/store"
)

// feedbackContext is the JSON document Doctor writes into the worktree
// before spawning the fix worker, carrying judge's verdict so the worker
// does not need to re-scrape PR comments (spec §4.8.2).
type feedbackContext struct {
	Issue        int    `json:"issue"`
	PR           int    `json:"pr"`
	DoctorCycle  int    `json:"doctor_cycle"`
	Instructions string `json:"instructions"`
}

// testsFailedMarker is the sentinel file the fix worker leaves behind when
// its own test suite still fails after a fix attempt, triggering Doctor's
// test-fix sub-run loop.
const testsFailedMarker = ".loom-tests-failed"

// doctor runs the fix worker against judge's feedback (spec §4.8.2). It
// writes a feedback-context JSON into the worktree first, then retries a
// test-fix sub-run up to test_fix_max_retries if the worker leaves the
// tests-failed marker behind.
type doctor struct {
	runner    *phaserunner.Runner
	workerCLI string
}

// NewDoctor returns the Doctor phase.
func NewDoctor(runner *phaserunner.Runner, workerCLI string) shepherd.Phase {
	return doctor{runner: runner, workerCLI: workerCLI}
}

func (doctor) Name() string { return "doctor" }

func (doctor) Contracts() []shepherd.Contract {
	return []shepherd.Contract{
		{
			Name: "pr_open_changes_requested",
			Check: func(sc *shepherd.Context) (bool, string) {
				if sc.PRNumber == 0 {
					return false, "no PR to fix"
				}
				pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
				if err != nil {
					return false, "could not view PR"
				}
				if pr.State != "OPEN" && pr.State != "open" {
					return false, "PR is not open"
				}
				if !pr.HasLabel(labels.ChangesRequested) {
					return false, "PR lacks loom:changes-requested"
				}
				return true, ""
			},
			ViolationMessage: "PR must exist, be open, and carry loom:changes-requested",
			FailureLabel:     labels.FailedDoctor,
		},
	}
}

func (doctor) ShouldSkip(sc *shepherd.Context) (bool, string) { return false, "" }

func (d doctor) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	feedback := feedbackContext{
		Issue:        sc.Issue,
		PR:           sc.PRNumber,
		DoctorCycle:  sc.DoctorCycles,
		Instructions: "address the changes requested by judge on this pull request",
	}
	feedbackPath := filepath.Join(sc.Worktree, ".loom-feedback.json")
	if err := store.Write(feedbackPath, feedback); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "writing feedback context: " + err.Error()}
	}

	args := []string{"--issue", fmt.Sprint(sc.Issue), "--pr", fmt.Sprint(sc.PRNumber), "--task-id", sc.TaskID, "--feedback", feedbackPath}
	code, runErr := d.runner.RunWithRetry(sc.Slot, d.workerCLI, args, sc.Worktree, sc.TaskID, sc.Issue, sc.Cfg.DoctorTimeout, sc.Cfg.StuckMaxRetries)

	if code == phaserunner.ExitStuck {
		ahead, err := sc.Git.CommitsAhead("origin/main", sc.Branch)
		if err == nil && ahead > 0 {
			return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "hung after commit"}
		}
		return shepherd.Result{Status: shepherd.StatusStuck, Msg: "doctor worker stuck with no commits"}
	}
	if code == phaserunner.ExitShutdown {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "shutdown signal received"}
	}
	if code != phaserunner.ExitSuccess {
		msg := "doctor worker failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: msg}
	}

	if res := d.runTestFixLoop(sc); res.Status != shepherd.StatusSuccess {
		return res
	}

	if err := sc.GH.Relabel(ctx, sc.PRNumber, labels.ChangesRequested, labels.ReviewRequested); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "relabeling PR for re-review: " + err.Error()}
	}
	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "fix applied"}
}

// runTestFixLoop re-spawns the worker with Cfg.DoctorTestFixTimeout while
// the tests-failed marker keeps reappearing, up to test_fix_max_retries
// times. That timeout has no default and no environment variable, so it is
// zero and the sub-runs have no timeout unless the Config sets it.
func (d doctor) runTestFixLoop(sc *shepherd.Context) shepherd.Result {
	markerPath := filepath.Join(sc.Worktree, testsFailedMarker)
	if !store.Exists(markerPath) {
		return shepherd.Result{Status: shepherd.StatusSuccess}
	}

	for attempt := 0; attempt < sc.Cfg.TestFixMaxRetries; attempt++ {
		if err := store.Delete(markerPath); err != nil {
			sc.Log.Error(err, "clearing tests-failed marker", "issue", sc.Issue)
		}
		args := []string{"--issue", fmt.Sprint(sc.Issue), "--pr", fmt.Sprint(sc.PRNumber), "--task-id", sc.TaskID, "--test-fix"}
		code, runErr := d.runner.Run(sc.Slot, d.workerCLI, args, sc.Worktree, sc.TaskID, sc.Issue, sc.Cfg.DoctorTestFixTimeout)
		if code == phaserunner.ExitStuck {
			return shepherd.Result{Status: shepherd.StatusStuck, Msg: "test-fix sub-run stuck"}
		}
		if code != phaserunner.ExitSuccess {
			msg := "test-fix sub-run failed"
			if runErr != nil {
				msg = runErr.Error()
			}
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: msg}
		}
		if !store.Exists(markerPath) {
			return shepherd.Result{Status: shepherd.StatusSuccess}
		}
	}
	return shepherd.Result{Status: shepherd.StatusFailed, Msg: "tests still failing after test_fix_max_retries"}
}

func (doctor) Validate(sc *shepherd.Context) bool {
	pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
	if err != nil {
		return false
	}
	return pr.HasLabel(labels.ReviewRequested)
}
