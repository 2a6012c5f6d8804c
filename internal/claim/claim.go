// Package claim implements the claim registry (spec §4.3, component 5):
// TTL-based exclusive locks on issues so two shepherds cannot race to own
// the same one. Directory creation (os.Mkdir, which fails with EEXIST if
// the directory already exists) is the compare-and-swap primitive — the
// directory's existence is the lock, and the JSON document inside it is
// just metadata for debugging and TTL extension (spec §3 "Claim").
package claim

import (
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// Result is the outcome of a claim attempt, matching the CLI exit codes in
// spec §4.3.
type Result int

const (
	OK Result = iota
	AlreadyClaimed
	NotFound
	WrongAgent
)

// String renders a Result for CLI output.
func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case AlreadyClaimed:
		return "already_claimed"
	case NotFound:
		return "not_found"
	case WrongAgent:
		return "wrong_agent"
	default:
		return "unknown"
	}
}

// ExitCode maps a Result to the CLI surface's exit codes (spec §4.3).
func (r Result) ExitCode() int {
	switch r {
	case OK:
		return 0
	case AlreadyClaimed:
		return 1
	case NotFound:
		return 3
	case WrongAgent:
		return 4
	default:
		return 1
	}
}

// Claim is the persisted lock document (spec §3).
type Claim struct {
	Issue      int       `json:"issue"`
	AgentID    string    `json:"agent_id"`
	ClaimedAt  time.Time `json:"claimed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

func (c Claim) expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// Registry operates the claims/ tree under a Root.
type Registry struct {
	root paths.Root
}

// New returns a Registry rooted at root.
func New(root paths.Root) *Registry {
	return &Registry{root: root}
}

// NewAgentID generates a unique agent identifier for ad hoc callers (tools
// that do not already have a stable identity), using google/uuid the same
// way zulandar-gastown's state.go derives a machine identity.
func NewAgentID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Claim attempts to acquire the lock for issue on behalf of agent, valid for
// ttl. If the directory already exists and holds an unexpired claim by a
// different agent, it fails with AlreadyClaimed. An expired claim is
// replaced in place (still protected by directory-create being atomic: only
// the caller who successfully created/replaced it proceeds).
func (r *Registry) Claim(issue int, agent string, ttl time.Duration) (Result, error) {
	dir := r.root.ClaimLockDir(issue)
	now := time.Now().UTC()

	if err := os.Mkdir(dir, 0o755); err != nil {
		if !os.IsExist(err) {
			return AlreadyClaimed, errors.Wrap(err, "create claim lock directory")
		}
		// Directory already exists: inspect the claim inside it.
		var existing Claim
		_ = store.Read(r.root.ClaimFile(issue), &existing)
		if existing.AgentID == "" || existing.expired(now) {
			// Unowned or expired: safe to overwrite the inner document. The
			// mkdir race already resolved who "owns" this tick; we simply
			// refresh the metadata for the caller that got here first.
			return r.write(issue, agent, ttl, now)
		}
		if existing.AgentID == agent {
			return r.write(issue, agent, ttl, now) // re-claim by the same agent is fine
		}
		return AlreadyClaimed, nil
	}

	return r.write(issue, agent, ttl, now)
}

func (r *Registry) write(issue int, agent string, ttl time.Duration, now time.Time) (Result, error) {
	c := Claim{
		Issue:      issue,
		AgentID:    agent,
		ClaimedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: int(ttl.Seconds()),
	}
	if err := store.Write(r.root.ClaimFile(issue), c); err != nil {
		return AlreadyClaimed, err
	}
	return OK, nil
}

// Release removes a claim. If agent is non-empty, release only succeeds if
// the current holder matches (WrongAgent otherwise); an empty agent forces
// release regardless of holder.
func (r *Registry) Release(issue int, agent string) (Result, error) {
	path := r.root.ClaimFile(issue)
	if !store.Exists(path) {
		return NotFound, nil
	}
	if agent != "" {
		var c Claim
		_ = store.Read(path, &c)
		if c.AgentID != agent {
			return WrongAgent, nil
		}
	}
	if err := os.RemoveAll(r.root.ClaimLockDir(issue)); err != nil {
		return AlreadyClaimed, errors.Wrap(err, "remove claim lock directory")
	}
	return OK, nil
}

// Extend rewrites a claim's expiration, failing with WrongAgent if agent
// does not match the current holder.
func (r *Registry) Extend(issue int, agent string, ttl time.Duration) (Result, error) {
	path := r.root.ClaimFile(issue)
	if !store.Exists(path) {
		return NotFound, nil
	}
	var c Claim
	_ = store.Read(path, &c)
	if c.AgentID != agent {
		return WrongAgent, nil
	}
	now := time.Now().UTC()
	c.ExpiresAt = now.Add(ttl)
	c.TTLSeconds = int(ttl.Seconds())
	if err := store.Write(path, c); err != nil {
		return AlreadyClaimed, err
	}
	return OK, nil
}

// Check reports the current claim for an issue, if any.
func (r *Registry) Check(issue int) (Claim, bool) {
	path := r.root.ClaimFile(issue)
	if !store.Exists(path) {
		return Claim{}, false
	}
	var c Claim
	_ = store.Read(path, &c)
	return c, c.AgentID != ""
}

// List returns every currently held claim (expired or not).
func (r *Registry) List() ([]Claim, error) {
	entries, err := osReadDir(r.root.ClaimsDir())
	if err != nil {
		return nil, nil // no claims directory yet is not an error
	}
	var claims []Claim
	for _, e := range entries {
		issue, ok := issueNumberFromLockDirName(e)
		if !ok {
			continue
		}
		if c, ok := (&Registry{root: r.root}).Check(issue); ok {
			claims = append(claims, c)
		}
	}
	return claims, nil
}

// Cleanup removes every expired claim, per spec §4.3's `cleanup()`.
func (r *Registry) Cleanup() (int, error) {
	claims, err := r.List()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for _, c := range claims {
		if c.expired(now) {
			if _, err := r.Release(c.Issue, ""); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
