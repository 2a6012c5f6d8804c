// Package state implements the persisted DaemonState document (spec §3,
// §4.9): the daemon's one mutable JSON document, read at the top of every
// iteration and written atomically at the bottom. Grounded on
// zulandar-gastown's state package, which held the same "one global
// document, loaded, mutated, atomically saved" shape for a simpler
// enabled/disabled toggle — this generalizes that shape to the daemon's
// much larger document and adds the rotation-on-start behavior spec §4.11
// requires.
package state

import (
	"os"
	"sort"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
	"github.com/rjwalters/loom/internal/systematic"
)

// ShepherdStatus is a ShepherdEntry's lifecycle state.
type ShepherdStatus string

const (
	ShepherdIdle    ShepherdStatus = "idle"
	ShepherdWorking ShepherdStatus = "working"
	ShepherdErrored ShepherdStatus = "errored"
	ShepherdPaused  ShepherdStatus = "paused"
)

// ShepherdEntry is one worker slot (spec §3).
type ShepherdEntry struct {
	Status        ShepherdStatus `json:"status"`
	Issue         *int           `json:"issue"`
	TaskID        string         `json:"task_id,omitempty"`
	Started       time.Time      `json:"started,omitempty"`
	LastPhase     string         `json:"last_phase,omitempty"`
	PRNumber      int            `json:"pr_number,omitempty"`
	IdleSince     time.Time      `json:"idle_since,omitempty"`
	IdleReason    string         `json:"idle_reason,omitempty"`
	LastIssue     int            `json:"last_issue,omitempty"`
	LastCompleted time.Time      `json:"last_completed,omitempty"`
}

// SupportRoleStatus is a SupportRoleEntry's lifecycle state.
type SupportRoleStatus string

const (
	SupportIdle    SupportRoleStatus = "idle"
	SupportRunning SupportRoleStatus = "running"
)

// SupportRoleEntry is a named singleton worker (spec §3).
type SupportRoleEntry struct {
	Status       SupportRoleStatus `json:"status"`
	TaskID       string            `json:"task_id,omitempty"`
	TmuxSession  string            `json:"tmux_session,omitempty"`
	Started      time.Time         `json:"started,omitempty"`
	LastCompleted time.Time        `json:"last_completed,omitempty"`
}

// Warning is an ordered diagnostic entry kept in DaemonState.Warnings
// (newest at tail, spec §3).
type Warning struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BlockedIssueRetry is per-issue retry bookkeeping (spec §3).
type BlockedIssueRetry struct {
	RetryCount         int       `json:"retry_count"`
	LastRetryAt        time.Time `json:"last_retry_at,omitempty"`
	RetryExhausted     bool      `json:"retry_exhausted"`
	ErrorClass         string    `json:"error_class,omitempty"`
	LastBlockedAt      time.Time `json:"last_blocked_at,omitempty"`
	LastBlockedPhase   string    `json:"last_blocked_phase,omitempty"`
	LastBlockedDetails string    `json:"last_blocked_details,omitempty"`
	EscalatedToHuman   bool      `json:"escalated_to_human"`
}

// EscalationEntry records an issue that ran out of retries and needs a
// human (DaemonState.needs_human_input, spec §3).
type EscalationEntry struct {
	Issue      int       `json:"issue"`
	ErrorClass string    `json:"error_class"`
	EscalatedAt time.Time `json:"escalated_at"`
	Reason     string    `json:"reason"`
}

// RecentFailure is one entry in the sliding recent_failures window (spec
// §3, capped at 20).
type RecentFailure struct {
	Issue      int       `json:"issue"`
	ErrorClass string    `json:"error_class"`
	Phase      string    `json:"phase"`
	ForceMode  bool      `json:"force_mode"`
	Timestamp  time.Time `json:"timestamp"`
}

// MaxRecentFailures is DaemonState's recent_failures cap (invariant (e)).
const MaxRecentFailures = 20

// DaemonState is the daemon's single mutable document (spec §3).
type DaemonState struct {
	StartedAt            time.Time                    `json:"started_at"`
	LastPoll             time.Time                    `json:"last_poll"`
	Running              bool                         `json:"running"`
	Iteration            int                          `json:"iteration"`
	ForceMode            bool                         `json:"force_mode"`
	ExecutionMode        string                        `json:"execution_mode"`
	SessionID            string                        `json:"session_id"`
	Shepherds            map[string]ShepherdEntry      `json:"shepherds"`
	SupportRoles         map[string]SupportRoleEntry   `json:"support_roles"`
	PipelineState         map[string]int               `json:"pipeline_state"`
	Warnings              []Warning                    `json:"warnings"`
	CompletedIssues       []int                        `json:"completed_issues"`
	TotalPRsMerged        int                           `json:"total_prs_merged"`
	LastArchitectTrigger  time.Time                    `json:"last_architect_trigger,omitempty"`
	LastHermitTrigger     time.Time                    `json:"last_hermit_trigger,omitempty"`
	SystematicFailure     systematic.State              `json:"systematic_failure"`
	BlockedIssueRetries   map[string]BlockedIssueRetry  `json:"blocked_issue_retries"`
	RecentFailures        []RecentFailure               `json:"recent_failures"`
	NeedsHumanInput       []EscalationEntry             `json:"needs_human_input"`
	ConsecutiveStalled    int                            `json:"consecutive_stalled"`
}

// New returns a freshly initialized DaemonState, as written at daemon
// startup (spec §4.11).
func New(sessionID, executionMode string, forceMode bool, now time.Time) DaemonState {
	return DaemonState{
		StartedAt:           now,
		LastPoll:            now,
		Running:             true,
		Iteration:           0,
		ForceMode:           forceMode,
		ExecutionMode:       executionMode,
		SessionID:           sessionID,
		Shepherds:           map[string]ShepherdEntry{},
		SupportRoles:        map[string]SupportRoleEntry{},
		PipelineState:       map[string]int{},
		BlockedIssueRetries: map[string]BlockedIssueRetry{},
	}
}

// AppendWarning appends w to the Warnings list (newest at tail, spec §3).
func (s *DaemonState) AppendWarning(w Warning) {
	s.Warnings = append(s.Warnings, w)
}

// AppendFailure appends f to RecentFailures, trimming to MaxRecentFailures
// (invariant (e)).
func (s *DaemonState) AppendFailure(f RecentFailure) {
	s.RecentFailures = append(s.RecentFailures, f)
	if len(s.RecentFailures) > MaxRecentFailures {
		s.RecentFailures = s.RecentFailures[len(s.RecentFailures)-MaxRecentFailures:]
	}
}

// ActiveShepherds returns the count of shepherd entries with
// status=working, and the sorted list of their slot names.
func (s DaemonState) ActiveShepherds() (int, []string) {
	var slots []string
	for name, e := range s.Shepherds {
		if e.Status == ShepherdWorking {
			slots = append(slots, name)
		}
	}
	sort.Strings(slots)
	return len(slots), slots
}

// Load reads the live DaemonState, or a fresh zero document if none exists
// yet (store.Read's safe-default contract, spec §4.1).
func Load(root paths.Root) DaemonState {
	var s DaemonState
	_ = store.Read(root.DaemonState(), &s)
	return s
}

// Save atomically persists s as the live DaemonState (spec §4.9 step 8).
func Save(root paths.Root, s DaemonState) error {
	return store.Write(root.DaemonState(), s)
}

// Rotate archives the current DaemonState (if any) into the next free
// numbered slot (00..99), capping the archive count at maxArchived by
// deleting the oldest archive once the cap is exceeded (spec §4.11,
// LOOM_MAX_ARCHIVED_SESSIONS).
func Rotate(root paths.Root, maxArchived int) error {
	if !store.Exists(root.DaemonState()) {
		return nil
	}
	slot := 0
	for slot < 100 && store.Exists(root.ArchivedDaemonState(slot)) {
		slot++
	}
	if slot >= 100 {
		slot = 99
	}
	var prev DaemonState
	_ = store.Read(root.DaemonState(), &prev)
	if err := store.Write(root.ArchivedDaemonState(slot), prev); err != nil {
		return err
	}
	pruneArchives(root, maxArchived)
	return store.Delete(root.DaemonState())
}

func pruneArchives(root paths.Root, maxArchived int) {
	if maxArchived <= 0 {
		return
	}
	present := make([]int, 0, 100)
	for n := 0; n < 100; n++ {
		if store.Exists(root.ArchivedDaemonState(n)) {
			present = append(present, n)
		}
	}
	// slots are reused lowest-first, so the slot number does not give age.
	modTime := func(n int) time.Time {
		info, err := os.Stat(root.ArchivedDaemonState(n))
		if err != nil {
			return time.Time{}
		}
		return info.ModTime()
	}
	sort.SliceStable(present, func(i, j int) bool { return modTime(present[i]).Before(modTime(present[j])) })
	for len(present) > maxArchived {
		oldest := present[0]
		_ = store.Delete(root.ArchivedDaemonState(oldest))
		present = present[1:]
	}
}
