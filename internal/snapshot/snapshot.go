// Package snapshot implements the snapshot builder (spec §4.5, component
// 7): a pure function of the daemon's current state and the external
// world (GitHub labels, progress files, caches) into one immutable map the
// rest of the daemon iteration consults. Daemon logic never mutates state
// directly from raw inputs — it only acts on Snapshot.Computed.RecommendedActions,
// the same "build a read model, then act on it" split zulandar-gastown's
// internal/rig status reporting uses between its live tmux/git probes and
// the summary it renders.
package snapshot

import (
	"context"
	"time"

	"github.com/rjwalters/loom/internal/backlog"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/failurelog"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/state"
	"github.com/rjwalters/loom/internal/systematic"
	"github.com/rjwalters/loom/internal/usage"
)

// Action is one entry in Computed.RecommendedActions.
type Action string

const (
	ActionSpawnShepherds    Action = "spawn_shepherds"
	ActionPromoteProposals  Action = "promote_proposals"
	ActionRecoverOrphans    Action = "recover_orphans"
	ActionRetryBlocked      Action = "retry_blocked"
	ActionEscalateBlocked   Action = "escalate_blocked"
	ActionRestartPool       Action = "restart_pool"
)

// SpawnRoleAction returns the `spawn_role:<name>` action tag.
func SpawnRoleAction(role string) Action { return Action("spawn_role:" + role) }

// HealthStatus is the snapshot's overall pipeline health verdict.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStalled  HealthStatus = "stalled"
)

// Pipeline buckets issues/PRs by their current label (spec §4.5).
type Pipeline struct {
	Ready            []int `json:"ready"`
	Building         []int `json:"building"`
	Blocked          []int `json:"blocked"`
	ReviewRequested  []int `json:"review_requested"`
	ChangesRequested []int `json:"changes_requested"`
	PR               []int `json:"pr"`
	MergeConflict    []int `json:"merge_conflict"`
}

// ShepherdSnapshot pairs a progress record with its derived heartbeat age
// and staleness flag (spec §4.5).
type ShepherdSnapshot struct {
	Slot          string                   `json:"slot"`
	Progress      progress.ShepherdProgress `json:"progress"`
	HeartbeatAge  time.Duration            `json:"heartbeat_age"`
	Stale         bool                     `json:"stale"`
}

// Validation reports structural problems found while building the
// snapshot (spec §4.5).
type Validation struct {
	OrphanedBuilding []int    `json:"orphaned_building"` // labeled building, no owning shepherd
	InvalidTaskIDs   []string `json:"invalid_task_ids"`
	DeadSessions     []string `json:"dead_sessions"`
}

// PipelineHealth is the counts-plus-derived-status view of the pipeline.
type PipelineHealth struct {
	ReadyCount    int          `json:"ready_count"`
	BuildingCount int          `json:"building_count"`
	BlockedCount  int          `json:"blocked_count"`
	Status        HealthStatus `json:"status"`
}

// Preflight summarizes baseline main-branch health for the snapshot.
type Preflight struct {
	Status string `json:"status"`
}

// Usage is the snapshot's view of rate-quota consumption.
type Usage struct {
	SessionPercent float64 `json:"session_percent"`
}

// Computed holds every derived field spec §4.5 lists under "computed".
type Computed struct {
	ActiveShepherds       int          `json:"active_shepherds"`
	AvailableShepherdSlots int         `json:"available_shepherd_slots"`
	TotalReady            int          `json:"total_ready"`
	TotalBuilding         int          `json:"total_building"`
	TotalBlocked          int          `json:"total_blocked"`
	NeedsWorkGeneration   bool         `json:"needs_work_generation"`
	RecommendedActions    []Action     `json:"recommended_actions"`
	HealthStatus          HealthStatus `json:"health_status"`
	HealthWarnings        []string     `json:"health_warnings"`
}

// Snapshot is the immutable per-iteration read model (spec §4.5).
type Snapshot struct {
	Pipeline          Pipeline                    `json:"pipeline"`
	Proposals         []int                        `json:"proposals"`
	Shepherds         []ShepherdSnapshot           `json:"shepherds"`
	Validation        Validation                   `json:"validation"`
	SupportRoles      map[string]state.SupportRoleEntry `json:"support_roles"`
	PipelineHealth    PipelineHealth               `json:"pipeline_health"`
	SystematicFailure systematic.State             `json:"systematic_failure"`
	Preflight         Preflight                    `json:"preflight"`
	Usage             Usage                        `json:"usage"`
	CIStatus          string                       `json:"ci_status"`
	Config            config.Config                `json:"config"`
	Computed          Computed                     `json:"computed"`
}

// Builder assembles a Snapshot from the daemon's live state and the
// external world.
type Builder struct {
	root     paths.Root
	gh       *ghclient.Client
	sessions *session.Manager
	progress *progress.Reader
	failures *failurelog.Store
	detector *systematic.Detector
	gov      *usage.Governor
	cfg      config.Config
}

// NewBuilder wires a Builder from its component dependencies.
func NewBuilder(root paths.Root, gh *ghclient.Client, sessions *session.Manager, reader *progress.Reader, failures *failurelog.Store, detector *systematic.Detector, gov *usage.Governor, cfg config.Config) *Builder {
	return &Builder{root: root, gh: gh, sessions: sessions, progress: reader, failures: failures, detector: detector, gov: gov, cfg: cfg}
}

// Build produces one Snapshot, given the live DaemonState and the current
// iteration counter (used by the failure-backoff filter).
func (b *Builder) Build(ctx context.Context, ds state.DaemonState, iteration int, now time.Time) (Snapshot, error) {
	snap := Snapshot{Config: b.cfg}

	rawReady, err := b.gh.ListByLabel(ctx, labels.Issue)
	if err != nil {
		rawReady = nil // GitHub calls tolerate failure; callers re-read on the next tick (spec §6)
	}
	for _, issue := range rawReady {
		if b.failures != nil && b.failures.Filter(issue, iteration) {
			continue
		}
		snap.Pipeline.Ready = append(snap.Pipeline.Ready, issue)
	}

	if building, err := b.gh.ListByLabel(ctx, labels.Building); err == nil {
		snap.Pipeline.Building = building
	}
	if blocked, err := b.gh.ListByLabel(ctx, labels.Blocked); err == nil {
		snap.Pipeline.Blocked = blocked
	}
	if reviewReq, err := b.gh.ListByLabel(ctx, labels.ReviewRequested); err == nil {
		snap.Pipeline.ReviewRequested = reviewReq
	}
	if changesReq, err := b.gh.ListByLabel(ctx, labels.ChangesRequested); err == nil {
		snap.Pipeline.ChangesRequested = changesReq
	}
	if prs, err := b.gh.ListByLabel(ctx, labels.PR); err == nil {
		snap.Pipeline.PR = prs
	}
	if conflicts, err := b.gh.ListByLabel(ctx, labels.MergeConflict); err == nil {
		snap.Pipeline.MergeConflict = conflicts
	}
	if proposals, err := b.gh.ListByLabel(ctx, labels.Proposal); err == nil {
		snap.Proposals = proposals
	}

	ownedByShepherd := map[int]bool{}
	for slot, entry := range ds.Shepherds {
		if entry.Status != state.ShepherdWorking {
			continue
		}
		if entry.Issue != nil {
			ownedByShepherd[*entry.Issue] = true
		}

		sp, ok := b.progress.Tail(entry.TaskID)
		age := now.Sub(sp.LastHeartbeat)
		stale := ok && progress.Stale(sp, b.cfg.HeartbeatStaleThreshold, now)
		snap.Shepherds = append(snap.Shepherds, ShepherdSnapshot{
			Slot: slot, Progress: sp, HeartbeatAge: age, Stale: stale,
		})

		if entry.TaskID != "" && !paths.ValidTaskID(entry.TaskID) {
			snap.Validation.InvalidTaskIDs = append(snap.Validation.InvalidTaskIDs, entry.TaskID)
		}
		if alive, _ := b.sessions.Exists(slot); !alive {
			snap.Validation.DeadSessions = append(snap.Validation.DeadSessions, slot)
		}
	}

	for _, issue := range snap.Pipeline.Building {
		if !ownedByShepherd[issue] {
			snap.Validation.OrphanedBuilding = append(snap.Validation.OrphanedBuilding, issue)
		}
	}

	snap.SupportRoles = ds.SupportRoles
	snap.SystematicFailure = b.evaluateSystematicFailure(ds, now)
	snap.Usage.SessionPercent = b.gov.PercentConsumed()

	active, _ := ds.ActiveShepherds()
	available := b.cfg.MaxShepherds - active
	if available < 0 {
		available = 0
	}
	totalReady := len(snap.Pipeline.Ready)
	totalBuilding := len(snap.Pipeline.Building)
	totalBlocked := len(snap.Pipeline.Blocked)

	health, warnings := deriveHealth(snap, totalReady, available)
	snap.PipelineHealth = PipelineHealth{
		ReadyCount: totalReady, BuildingCount: totalBuilding, BlockedCount: totalBlocked, Status: health,
	}

	snap.Computed = Computed{
		ActiveShepherds:        active,
		AvailableShepherdSlots: available,
		TotalReady:             totalReady,
		TotalBuilding:          totalBuilding,
		TotalBlocked:           totalBlocked,
		NeedsWorkGeneration:    totalReady < b.cfg.IssueThreshold,
		HealthStatus:           health,
		HealthWarnings:         warnings,
	}
	snap.Computed.RecommendedActions = recommendActions(snap, ds, available, b.cfg, now)

	return snap, nil
}

// evaluateSystematicFailure re-derives the active-pattern state from
// DaemonState's recent_failures window via the detector (spec §4.7). If no
// detector was wired (tests exercising the snapshot builder in isolation),
// the persisted value is passed through unchanged.
func (b *Builder) evaluateSystematicFailure(ds state.DaemonState, now time.Time) systematic.State {
	if b.detector == nil {
		return ds.SystematicFailure
	}
	window := make([]systematic.Failure, 0, len(ds.RecentFailures))
	for _, f := range ds.RecentFailures {
		window = append(window, systematic.Failure{ErrorClass: f.ErrorClass, ForceMode: f.ForceMode})
	}
	return b.detector.Evaluate(window, now)
}

func deriveHealth(snap Snapshot, totalReady, available int) (HealthStatus, []string) {
	var warnings []string
	if len(snap.Validation.DeadSessions) > 0 || len(snap.Validation.OrphanedBuilding) > 0 {
		warnings = append(warnings, "orphaned or dead shepherd state detected")
		return HealthDegraded, warnings
	}
	if totalReady == 0 && available == 0 {
		return HealthStalled, warnings
	}
	return HealthHealthy, warnings
}

func recommendActions(snap Snapshot, ds state.DaemonState, available int, cfg config.Config, now time.Time) []Action {
	var actions []Action
	if ds.ForceMode && len(snap.Proposals) > 0 {
		actions = append(actions, ActionPromoteProposals)
	}
	if available > 0 && len(snap.Pipeline.Ready) > 0 {
		actions = append(actions, ActionSpawnShepherds)
	}
	if len(snap.Validation.OrphanedBuilding) > 0 || len(snap.Validation.DeadSessions) > 0 {
		actions = append(actions, ActionRecoverOrphans)
	}
	for issue := range ds.BlockedIssueRetries {
		retry := ds.BlockedIssueRetries[issue]
		if retry.RetryExhausted {
			continue
		}
		if pastCooldown(retry, now) {
			actions = append(actions, ActionRetryBlocked)
			break
		}
	}
	for _, retry := range ds.BlockedIssueRetries {
		if retry.RetryExhausted && !retry.EscalatedToHuman {
			actions = append(actions, ActionEscalateBlocked)
			break
		}
	}
	return actions
}

// pastCooldown reports whether the error class's retry cooldown has elapsed
// since the issue's last retry (or, before its first retry, since it was
// blocked).
func pastCooldown(retry state.BlockedIssueRetry, now time.Time) bool {
	since := retry.LastRetryAt
	if since.IsZero() {
		since = retry.LastBlockedAt
	}
	return now.Sub(since) >= backlog.PolicyFor(retry.ErrorClass).Cooldown
}
