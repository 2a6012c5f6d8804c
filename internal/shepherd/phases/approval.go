package phases

import (
	"context"

	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/shepherd"
)

// approval gates on loom:issue (spec §4.8.2). In force mode it auto-adds
// the label and succeeds; in default mode it adds the label unconditionally
// and also auto-approves (default mode has no human-in-the-loop wait). There
// is no mode that waits for a human to apply the label: every run that is
// not in force mode takes the default-mode path.
type approval struct{}

// NewApproval returns the Approval phase.
func NewApproval() shepherd.Phase { return approval{} }

func (approval) Name() string { return "approval" }

func (approval) Contracts() []shepherd.Contract { return nil }

func (approval) ShouldSkip(sc *shepherd.Context) (bool, string) { return false, "" }

func (approval) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	if sc.ForceMode {
		if err := sc.GH.AddLabel(ctx, sc.Issue, labels.Issue); err != nil {
			return shepherd.Result{Status: shepherd.StatusFailed, Msg: "force-mode auto-approve: " + err.Error()}
		}
		return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "force mode: auto-approved"}
	}

	// Default mode also auto-approves (spec §4.8.2): add loom:issue
	// unconditionally rather than waiting on a human.
	if err := sc.GH.AddLabel(ctx, sc.Issue, labels.Issue); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "default-mode approve: " + err.Error()}
	}
	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "default mode: approved"}
}

func (approval) Validate(sc *shepherd.Context) bool {
	iss, err := sc.GH.ViewIssue(context.Background(), sc.Issue)
	return err == nil && iss.HasLabel(labels.Issue)
}
