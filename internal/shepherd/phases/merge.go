package phases

import (
	"context"

	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/shepherd"
)

// merge gates on loom:pr (spec §4.8.2). Only --merge runs actually land a
// PR; without it the phase records the PR as awaiting a human merge rather
// than touching main itself.
type merge struct{}

// NewMerge returns the Merge phase.
func NewMerge() shepherd.Phase { return merge{} }

func (merge) Name() string { return "merge" }

func (merge) Contracts() []shepherd.Contract {
	return []shepherd.Contract{
		{
			Name: "pr_approved",
			Check: func(sc *shepherd.Context) (bool, string) {
				if sc.PRNumber == 0 {
					return false, "no PR to merge"
				}
				pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
				if err != nil {
					return false, "could not view PR"
				}
				return pr.HasLabel(labels.PR), "PR lacks loom:pr"
			},
			ViolationMessage: "PR must exist and carry loom:pr before it can be merged",
		},
	}
}

func (merge) ShouldSkip(sc *shepherd.Context) (bool, string) { return false, "" }

func (merge) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	if !sc.MergeMode {
		if err := sc.GH.Comment(ctx, sc.PRNumber, "Approved and awaiting merge (run with --merge to land it)."); err != nil {
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: "recording awaiting-merge: " + err.Error()}
		}
		return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "PR approved, awaiting merge"}
	}

	if err := sc.GH.MergeSquash(ctx, sc.PRNumber); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "squash merge: " + err.Error()}
	}
	if err := sc.Git.DeleteRemoteBranch("origin", sc.Branch); err != nil {
		sc.Log.Error(err, "deleting remote branch after merge", "branch", sc.Branch)
	}
	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "merged", Data: map[string]interface{}{"merged": true}}
}

func (merge) Validate(sc *shepherd.Context) bool {
	pr, err := sc.GH.ViewPR(context.Background(), sc.PRNumber)
	if err != nil {
		return false
	}
	if sc.MergeMode {
		return pr.State == "MERGED" || pr.State == "merged"
	}
	return pr.HasLabel(labels.PR)
}
