// Package ghclient is the GitHub adapter (spec §4, component 4): label
// transitions, PR/issue queries, and comment posting, all shelled out to the
// `gh` CLI rather than a REST client — the orchestrator runs wherever the
// operator's `gh auth login` already works, and `gh` owns pagination, rate
// limiting, and auth refresh.
//
// Grounded on strawgate-gh-aw's pkg/workflow/github_cli.go: gh.Exec from
// github.com/cli/go-gh/v2 is used so GH_TOKEN/GITHUB_TOKEN resolution
// matches what a real `gh` invocation would do, without us reimplementing
// token discovery.
package ghclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cli/go-gh/v2"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
)

// Client wraps `gh` invocations against a single repository.
type Client struct {
	repo string // "owner/repo"
	log  logr.Logger
}

// New returns a Client for repo ("owner/repo").
func New(repo string, log logr.Logger) *Client {
	return &Client{repo: repo, log: log}
}

// exec shells out via gh.Exec (github.com/cli/go-gh/v2), which resolves
// GH_TOKEN/GITHUB_TOKEN the same way the `gh` binary itself would. ctx is
// accepted for call-site symmetry with the rest of the codebase's
// context-threaded calls but gh.Exec has no context-aware variant upstream;
// a hung `gh` process is bounded instead by the caller's own timeout logic
// around WithTimeout, which the phase runner enforces at the process level.
func (c *Client) exec(_ context.Context, args ...string) (string, string, error) {
	full := append([]string{}, args...)
	if c.repo != "" {
		full = append(full, "-R", c.repo)
	}
	c.log.V(1).Info("gh exec", "args", full)
	stdout, stderr, err := gh.Exec(full...)
	return stdout.String(), stderr.String(), err
}

// Issue is the subset of `gh issue view --json` fields Loom consumes.
type Issue struct {
	Number int      `json:"number"`
	URL    string   `json:"url"`
	State  string   `json:"state"`
	Title  string   `json:"title"`
	Labels []Label  `json:"labels"`
}

// Label is one GitHub label.
type Label struct {
	Name string `json:"name"`
}

// HasLabel reports whether the issue/PR carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// PR is the subset of `gh pr view --json` fields Loom consumes.
type PR struct {
	Number          int     `json:"number"`
	State           string  `json:"state"`
	Labels          []Label `json:"labels"`
	Mergeable       string  `json:"mergeable"`       // MERGEABLE, CONFLICTING, UNKNOWN
	MergeStateStatus string `json:"mergeStateStatus"` // CLEAN, DIRTY, BLOCKED, ...
}

// HasLabel reports whether the PR carries the named label.
func (p PR) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// ViewIssue runs `gh issue view <n> --json url,state,title,labels`. All
// calls tolerate non-zero gh exit codes by returning the wrapped error;
// callers re-read state on failure rather than assuming it unchanged
// (spec §5, "GitHub labels are treated as authoritative").
func (c *Client) ViewIssue(ctx context.Context, n int) (Issue, error) {
	out, _, err := c.exec(ctx, "issue", "view", fmt.Sprint(n), "--json", "url,state,title,labels")
	if err != nil {
		return Issue{}, errors.Wrap(err, "gh issue view")
	}
	var iss Issue
	if err := json.Unmarshal([]byte(out), &iss); err != nil {
		return Issue{}, errors.Wrap(err, "parse gh issue view output")
	}
	return iss, nil
}

// ViewPR runs `gh pr view <n> --json state,labels,mergeable,mergeStateStatus`.
func (c *Client) ViewPR(ctx context.Context, n int) (PR, error) {
	out, _, err := c.exec(ctx, "pr", "view", fmt.Sprint(n), "--json", "state,labels,mergeable,mergeStateStatus")
	if err != nil {
		return PR{}, errors.Wrap(err, "gh pr view")
	}
	var pr PR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return PR{}, errors.Wrap(err, "parse gh pr view output")
	}
	return pr, nil
}

// AddLabel idempotently applies a label to an issue/PR. gh's --add-label is
// already idempotent server-side; applying loom:issue twice is a no-op
// (spec §8 "Idempotent labels").
func (c *Client) AddLabel(ctx context.Context, n int, label string) error {
	_, _, err := c.exec(ctx, "issue", "edit", fmt.Sprint(n), "--add-label", label)
	return err
}

// RemoveLabel idempotently removes a label.
func (c *Client) RemoveLabel(ctx context.Context, n int, label string) error {
	_, _, err := c.exec(ctx, "issue", "edit", fmt.Sprint(n), "--remove-label", label)
	return err
}

// Relabel removes `from` and adds `to` in a single edit call; an empty side
// is simply left out of that call.
func (c *Client) Relabel(ctx context.Context, n int, from, to string) error {
	args := []string{"issue", "edit", fmt.Sprint(n)}
	if from != "" {
		args = append(args, "--remove-label", from)
	}
	if to != "" {
		args = append(args, "--add-label", to)
	}
	_, _, err := c.exec(ctx, args...)
	return err
}

// Comment posts a GitHub comment on an issue or PR.
func (c *Client) Comment(ctx context.Context, n int, body string) error {
	_, _, err := c.exec(ctx, "issue", "comment", fmt.Sprint(n), "--body", body)
	return err
}

// MergeSquash squash-merges a PR and deletes its branch (Merge phase, force
// mode).
func (c *Client) MergeSquash(ctx context.Context, n int) error {
	_, _, err := c.exec(ctx, "pr", "merge", fmt.Sprint(n), "--squash", "--delete-branch")
	return err
}

// ListByLabel returns open issue numbers carrying the given label, used by
// the snapshot builder to bucket the pipeline (spec §4.5).
func (c *Client) ListByLabel(ctx context.Context, label string) ([]int, error) {
	out, _, err := c.exec(ctx, "issue", "list", "--label", label, "--state", "open", "--json", "number", "--limit", "500")
	if err != nil {
		return nil, errors.Wrap(err, "gh issue list")
	}
	var rows []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return nil, errors.Wrap(err, "parse gh issue list output")
	}
	nums := make([]int, 0, len(rows))
	for _, r := range rows {
		nums = append(nums, r.Number)
	}
	return nums, nil
}

// FindOpenPRForBranch locates the open PR for a feature branch, used by
// Builder to "locate the PR" after pushing (spec §4.8.2).
func (c *Client) FindOpenPRForBranch(ctx context.Context, branch string) (int, bool, error) {
	out, _, err := c.exec(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", "number", "--limit", "1")
	if err != nil {
		return 0, false, errors.Wrap(err, "gh pr list")
	}
	var rows []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return 0, false, errors.Wrap(err, "parse gh pr list output")
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Number, true, nil
}

// WithTimeout is a small helper for bounding a gh call, matching §5's
// "every wait has either a timeout or a sentinel-file escape".
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(parent, d)
}

// IssueNumbersFromCommitMessages extracts "#123"-style issue references from
// a slice of commit messages, used by Builder's wrong-issue-confusion check
// (spec §4.8.2(e)).
func IssueNumbersFromCommitMessages(messages []string) map[int]bool {
	found := map[int]bool{}
	for _, m := range messages {
		for _, tok := range strings.Fields(m) {
			tok = strings.Trim(tok, ".,:;()[]")
			if strings.HasPrefix(tok, "#") {
				var n int
				if _, err := fmt.Sscanf(tok, "#%d", &n); err == nil {
					found[n] = true
				}
			}
		}
	}
	return found
}
