package phases

import (
	"context"

	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/shepherd"
)

// curator enhances the issue's content before any work begins (spec
// §4.8.2). It is skipped once loom:curated is already present, or when
// --from names a later phase.
type curator struct{}

// NewCurator returns the Curator phase.
func NewCurator() shepherd.Phase { return curator{} }

func (curator) Name() string { return "curator" }

func (curator) Contracts() []shepherd.Contract {
	return []shepherd.Contract{
		{
			Name: "issue_exists_and_open",
			Check: func(sc *shepherd.Context) (bool, string) {
				iss, err := sc.GH.ViewIssue(context.Background(), sc.Issue)
				if err != nil {
					return false, "could not view issue"
				}
				return iss.State == "OPEN" || iss.State == "open", "issue is not open"
			},
			ViolationMessage: "issue does not exist or is not open",
		},
	}
}

func (curator) ShouldSkip(sc *shepherd.Context) (bool, string) {
	iss, err := sc.GH.ViewIssue(context.Background(), sc.Issue)
	if err == nil && iss.HasLabel(labels.Curated) {
		return true, "already curated"
	}
	return false, ""
}

func (curator) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	body := "Curator reviewed this issue for clarity and scope before build."
	if err := sc.GH.Comment(ctx, sc.Issue, body); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "commenting curator notes: " + err.Error()}
	}
	if err := sc.GH.AddLabel(ctx, sc.Issue, labels.Curated); err != nil {
		return shepherd.Result{Status: shepherd.StatusFailed, Msg: "adding loom:curated: " + err.Error()}
	}
	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "curated"}
}

func (curator) Validate(sc *shepherd.Context) bool {
	iss, err := sc.GH.ViewIssue(context.Background(), sc.Issue)
	return err == nil && iss.HasLabel(labels.Curated)
}
