package phases

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/gitops"
	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/phaserunner"
	"github.com/rjwalters/loom/internal/recoverylog"
	"github.com/rjwalters/loom/internal/shepherd"
	"github.com/rjwalters/loom/internal/worktree"
)

// builder is the hard case of spec §4.8.2: rate-gate, claim the issue,
// create a worktree, spawn the build worker, then detect worktree escape
// and wrong-issue confusion before locating the resulting PR.
type builder struct {
	runner    *phaserunner.Runner
	workerCLI string // e.g. "claude", the worker CLI invoked inside the worktree
}

// NewBuilder returns the Builder phase.
func NewBuilder(runner *phaserunner.Runner, workerCLI string) shepherd.Phase {
	return builder{runner: runner, workerCLI: workerCLI}
}

func (builder) Name() string { return "builder" }

func (builder) Contracts() []shepherd.Contract {
	return []shepherd.Contract{
		{
			Name: "issue_ready_no_pr",
			Check: func(sc *shepherd.Context) (bool, string) {
				iss, err := sc.GH.ViewIssue(context.Background(), sc.Issue)
				if err != nil {
					return false, "could not view issue"
				}
				if iss.State != "OPEN" && iss.State != "open" {
					return false, "issue is not open"
				}
				if !iss.HasLabel(labels.Issue) && !iss.HasLabel(labels.Building) {
					return false, "issue lacks loom:issue"
				}
				return true, ""
			},
			ViolationMessage: "issue must exist, be open, and carry loom:issue",
			FailureLabel:     labels.FailedBuilder,
		},
		{
			// A PR already existing is a surprise, not a builder fault — no
			// failure label (spec §4.8.1).
			Name: "no_existing_pr",
			Check: func(sc *shepherd.Context) (bool, string) {
				branch := sc.Branch
				if branch == "" {
					return true, ""
				}
				_, found, err := sc.GH.FindOpenPRForBranch(context.Background(), branch)
				if err != nil {
					return true, "" // tolerate lookup failure rather than block spuriously
				}
				return !found, "an open PR already exists for this branch"
			},
			ViolationMessage: "a PR already exists for this issue's branch",
		},
	}
}

func (builder) ShouldSkip(sc *shepherd.Context) (bool, string) { return false, "" }

func (b builder) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	// (a) rate-gate on usage percent.
	if ok, err := sc.Usage.Gate(); !ok {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "rate limited: " + err.Error()}
	}

	// (b) loom:issue -> loom:building.
	if err := sc.GH.Relabel(ctx, sc.Issue, labels.Issue, labels.Building); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "claiming issue: " + err.Error()}
	}

	sc.Branch = fmt.Sprintf("feature/issue-%d", sc.Issue)
	sc.Worktree = sc.Root.WorktreeDir(sc.Issue)

	// (c) snapshot main's dirty file set, create/reuse the worktree, mark
	// it in-use.
	mainGit := sc.Git
	dirtyBefore, err := dirtyFileSet(mainGit)
	if err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "snapshotting main dirty set: " + err.Error()}
	}

	cwd, _ := os.Getwd()
	reuse, _, err := worktree.ShouldReuse(sc.Root, sc.Worktree, cwd)
	if err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "checking worktree safety: " + err.Error()}
	}
	if !reuse {
		if err := sc.Git.WorktreeAddFromRef(sc.Worktree, sc.Branch, "origin/main"); err != nil {
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: "creating worktree: " + err.Error()}
		}
	}
	if err := worktree.WriteMarker(sc.Root, sc.Worktree, sc.TaskID, sc.Issue); err != nil {
		sc.Log.Error(err, "writing in-use marker", "worktree", sc.Worktree)
	}

	worktreeGit := gitops.New(sc.Worktree)
	sc.Git = worktreeGit // every later phase (Judge/Doctor/Rebase/Merge) operates inside the worktree

	// (d) spawn the build worker, retrying on "stuck".
	args := []string{"--issue", fmt.Sprint(sc.Issue), "--task-id", sc.TaskID}
	code, runErr := b.runner.RunWithRetry(sc.Slot, b.workerCLI, args, sc.Worktree, sc.TaskID, sc.Issue, sc.Cfg.BuilderTimeout, sc.Cfg.StuckMaxRetries)

	switch code {
	case phaserunner.ExitDegraded:
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "degraded session (rate limit detected mid-run)", Data: map[string]interface{}{"degraded_session": true}}
	case phaserunner.ExitStuck:
		return shepherd.Result{Status: shepherd.StatusStuck, Msg: "builder worker stuck"}
	case phaserunner.ExitShutdown:
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "shutdown signal received"}
	case phaserunner.ExitSuccess:
		// fall through to post-run checks
	default:
		msg := "builder worker failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: msg}
	}

	// (e) detect worktree escape: dirty files appeared on main, but the
	// worktree itself has neither uncommitted changes nor new commits.
	if dirtyAfter, err := dirtyFileSet(mainGit); err == nil && len(dirtyAfter) > len(dirtyBefore) {
		hasChanges, _ := worktreeGit.HasUncommittedChanges()
		ahead, _ := worktreeGit.CommitsAhead("origin/main", sc.Branch)
		if !hasChanges && ahead == 0 {
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: "worktree escape: changes landed on main instead of the worktree"}
		}
	}

	// (e) detect wrong-issue confusion: the branch's latest commit message
	// references a different issue without also referencing the assigned
	// one. Earlier commits on the branch are not examined.
	if msg, err := worktreeGit.GetBranchCommitMessage(sc.Branch); err == nil {
		refs := ghclient.IssueNumbersFromCommitMessages(strings.Split(msg, "\n"))
		if len(refs) > 0 && !refs[sc.Issue] {
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: "wrong-issue confusion: commits reference a different issue"}
		}
	}

	// (g) locate the PR the builder should have opened.
	if n, found, err := sc.GH.FindOpenPRForBranch(ctx, sc.Branch); err == nil && found {
		sc.PRNumber = n
	}

	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "build complete", Data: map[string]interface{}{"pr": sc.PRNumber}}
}

// Validate performs the auto-recovery spec §4.8.2(f) describes: committing
// dangling changes and adding a missing loom:review-requested label. It
// reports whether a PR was located and could be viewed; neither the PR's
// open state nor the success of the label add affects the result.
func (b builder) Validate(sc *shepherd.Context) bool {
	if sc.Worktree == "" || sc.Git == nil {
		return false
	}

	recovery := recoverylog.New(sc.Root)
	now := time.Now().UTC()

	if hasChanges, _ := sc.Git.HasUncommittedChanges(); hasChanges {
		_ = sc.Git.Add(".")
		if err := sc.Git.Commit(fmt.Sprintf("wip: recover dangling changes for issue #%d", sc.Issue)); err == nil {
			sc.Log.Info("recovery: committed dangling changes", "issue", sc.Issue)
			_ = recovery.Append(recoverylog.Event{
				Timestamp: now, Issue: sc.Issue, RecoveryType: recoverylog.TypeCommitAndPR,
				Reason: "uncommitted_changes_in_worktree", WorktreeHadChanges: true, PRNumber: sc.PRNumber,
			})
		}
	}

	if sc.PRNumber == 0 {
		return false
	}

	pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
	if err != nil {
		return false
	}
	if !pr.HasLabel(labels.ReviewRequested) {
		if err := sc.GH.AddLabel(context.Background(), sc.PRNumber, labels.ReviewRequested); err == nil {
			sc.Log.Info("recovery: added missing loom:review-requested", "pr", sc.PRNumber)
			_ = recovery.Append(recoverylog.Event{
				Timestamp: now, Issue: sc.Issue, RecoveryType: recoverylog.TypeAddLabel,
				Reason: "missing_review_requested_label", PRNumber: sc.PRNumber,
			})
		}
	}
	return true
}

func dirtyFileSet(g *gitops.Git) (map[string]bool, error) {
	s, err := g.Status()
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, f := range append(append(append([]string{}, s.Modified...), s.Added...), s.Untracked...) {
		set[f] = true
	}
	return set, nil
}
