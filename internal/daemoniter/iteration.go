// Package daemoniter implements one daemon iteration (spec §4.9, component
// 12): the fixed eight-step tick the daemon loop runs every poll_interval —
// build a snapshot, reconcile state against it, and act on its recommended
// actions. Grounded on zulandar-gastown's daemon reconciliation loop (build
// a view of the world, diff it against persisted state, then act), adapted
// from gastown's flat "check and spawn" loop into the slot-accounting and
// stall-counting shape spec §4.9 describes.
package daemoniter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/backlog"
	"github.com/rjwalters/loom/internal/claim"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/failurelog"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/snapshot"
	"github.com/rjwalters/loom/internal/stall"
	"github.com/rjwalters/loom/internal/state"
)

// Deps wires everything one iteration needs.
type Deps struct {
	Root      paths.Root
	Cfg       config.Config
	Log       logr.Logger
	GH        *ghclient.Client
	Sessions  *session.Manager
	Progress  *progress.Reader
	Failures  *failurelog.Store
	Claims    *claim.Registry
	Snap      *snapshot.Builder
	ShepherdCLI string // binary name spawned for one shepherd slot, e.g. "loom-shepherd"
	ForceMode   bool
	MergeMode   bool
	Stall       *stall.Escalator
}

// Result summarizes what one iteration did, for the daemon loop's own
// logging and for tests.
type Result struct {
	Snapshot snapshot.Snapshot
	Spawned  []string
	Reclaimed []string
}

// Run executes the eight-step iteration against the live DaemonState,
// writing the updated state atomically before returning (spec §4.9).
func (d *Deps) Run(ctx context.Context, now time.Time) (Result, error) {
	// (1) load + stamp daemon state.
	ds := state.Load(d.Root)
	if ds.Shepherds == nil {
		ds.Shepherds = map[string]state.ShepherdEntry{}
	}
	if ds.SupportRoles == nil {
		ds.SupportRoles = map[string]state.SupportRoleEntry{}
	}
	if ds.BlockedIssueRetries == nil {
		ds.BlockedIssueRetries = map[string]state.BlockedIssueRetry{}
	}
	ds.Iteration++
	ds.LastPoll = now
	ds.ForceMode = d.ForceMode

	// (2) build the snapshot (pure read model over GitHub + progress + caches).
	snap, err := d.Snap.Build(ctx, ds, ds.Iteration, now)
	if err != nil {
		return Result{}, fmt.Errorf("building snapshot: %w", err)
	}

	res := Result{Snapshot: snap}

	// (3) detect completions: shepherds whose progress reached a terminal
	// status free their slot and fold into completed_issues/recent_failures.
	d.detectCompletions(&ds, snap, now)

	// (4) slots are recomputed from the (now corrected) state.
	active, _ := ds.ActiveShepherds()
	available := d.Cfg.MaxShepherds - active
	if available < 0 {
		available = 0
	}

	// (5) proactive reclaim: stale heartbeats and dead sessions get their
	// shepherd slot reclaimed before new work is considered.
	reclaimed := d.reclaimStaleShepherds(&ds, snap, now)
	res.Reclaimed = reclaimed
	if len(reclaimed) > 0 {
		active, _ = ds.ActiveShepherds()
		available = d.Cfg.MaxShepherds - active
		if available < 0 {
			available = 0
		}
	}

	// (6) execute recommended actions, in the snapshot's own order.
	spawned := d.executeActions(ctx, &ds, snap, available, now)
	res.Spawned = spawned

	// (7) stall counter: healthy/degraded resets it, stalled increments it;
	// the escalator then acts on whatever tier the running count reaches.
	if snap.Computed.HealthStatus == snapshot.HealthStalled {
		ds.ConsecutiveStalled++
	} else {
		ds.ConsecutiveStalled = 0
	}
	if d.Stall != nil {
		d.Stall.Evaluate(ctx, &ds, now)
	}

	// (8) persist.
	if err := state.Save(d.Root, ds); err != nil {
		return res, fmt.Errorf("saving daemon state: %w", err)
	}
	return res, nil
}

// detectCompletions frees a shepherd's slot once its progress document (or
// the absence of its session) shows the run is over, updating
// completed_issues/total_prs_merged/recent_failures/issue-failures.json
// accordingly (spec §4.9 step 3).
func (d *Deps) detectCompletions(ds *state.DaemonState, snap snapshot.Snapshot, now time.Time) {
	for slot, entry := range ds.Shepherds {
		if entry.Status != state.ShepherdWorking {
			continue
		}
		doc, ok := d.Progress.Tail(entry.TaskID)
		alive, _ := d.Sessions.Exists(slot)
		if ok && doc.Status == progress.StatusCompleted {
			d.finishShepherd(ds, slot, entry, true, "", now)
			continue
		}
		if ok && doc.Status == progress.StatusBlocked {
			d.finishShepherd(ds, slot, entry, false, "blocked", now)
			continue
		}
		if ok && doc.Status == progress.StatusErrored {
			d.finishShepherd(ds, slot, entry, false, "errored", now)
			continue
		}
		if !alive && !ok {
			// Session and progress both gone: the shepherd process vanished
			// before ever reporting a terminal status.
			d.finishShepherd(ds, slot, entry, false, "infrastructure_failure", now)
		}
	}
	_ = snap
}

func (d *Deps) finishShepherd(ds *state.DaemonState, slot string, entry state.ShepherdEntry, success bool, errorClass string, now time.Time) {
	issue := 0
	if entry.Issue != nil {
		issue = *entry.Issue
	}
	if success {
		ds.CompletedIssues = append(ds.CompletedIssues, issue)
		ds.TotalPRsMerged++
		if d.Failures != nil {
			_ = d.Failures.RecordSuccess(issue)
		}
	} else {
		ds.AppendFailure(state.RecentFailure{Issue: issue, ErrorClass: errorClass, Phase: entry.LastPhase, ForceMode: ds.ForceMode, Timestamp: now})
		if d.Failures != nil {
			_ = d.Failures.RecordFailure(issue, errorClass, entry.LastPhase, "", now)
		}
	}
	_ = d.Progress.Delete(entry.TaskID)
	_ = d.Sessions.Kill(slot)
	ds.Shepherds[slot] = state.ShepherdEntry{
		Status: state.ShepherdIdle, IdleSince: now, IdleReason: "completed",
		LastIssue: issue, LastCompleted: now,
	}
}

// reclaimStaleShepherds kills and resets any shepherd whose heartbeat has
// gone stale or whose session has died outright, returning the reclaimed
// slot names (spec §4.9 step 5's proactive reclaim).
func (d *Deps) reclaimStaleShepherds(ds *state.DaemonState, snap snapshot.Snapshot, now time.Time) []string {
	var reclaimed []string
	for _, sp := range snap.Shepherds {
		entry, ok := ds.Shepherds[sp.Slot]
		if !ok || entry.Status != state.ShepherdWorking {
			continue
		}
		alive, _ := d.Sessions.Exists(sp.Slot)

		var reason string
		switch {
		case sp.Stale && alive:
			reason = "shepherd_stall_recovery"
		case !alive:
			reason = "shepherd_infrastructure_failure"
		default:
			continue
		}

		issue := 0
		if entry.Issue != nil {
			issue = *entry.Issue
		}
		d.Log.Info("reclaiming stalled shepherd", "slot", sp.Slot, "issue", issue, "reason", reason)
		ds.AppendWarning(state.Warning{
			Type: reason, Severity: "warning",
			Message:   fmt.Sprintf("shepherd %s reclaimed: %s", sp.Slot, reason),
			Context:   map[string]interface{}{"issue": issue, "slot": sp.Slot},
			Timestamp: now,
		})
		_ = d.Sessions.Kill(sp.Slot)
		_ = d.Progress.Delete(entry.TaskID)
		if issue != 0 {
			_ = d.GH.Relabel(context.Background(), issue, labels.Building, labels.Issue)
		}
		ds.Shepherds[sp.Slot] = state.ShepherdEntry{Status: state.ShepherdIdle, IdleSince: now, IdleReason: reason, LastIssue: issue}
		reclaimed = append(reclaimed, sp.Slot)
	}
	return reclaimed
}

// executeActions runs every action the snapshot recommended, in order,
// returning the slots it spawned into (spec §4.9 step 6).
func (d *Deps) executeActions(ctx context.Context, ds *state.DaemonState, snap snapshot.Snapshot, available int, now time.Time) []string {
	var spawned []string
	for _, action := range snap.Computed.RecommendedActions {
		switch action {
		case snapshot.ActionPromoteProposals:
			d.promoteProposals(ctx, snap)
		case snapshot.ActionSpawnShepherds:
			spawned = append(spawned, d.spawnShepherds(ctx, ds, snap, available, now)...)
		case snapshot.ActionRecoverOrphans:
			d.recoverOrphans(ctx, ds, snap, now)
		case snapshot.ActionRetryBlocked:
			d.retryBlocked(ctx, ds, now)
		case snapshot.ActionEscalateBlocked:
			d.escalateBlocked(ds, now)
		default:
			d.spawnSupportRole(ds, action, now)
		}
	}
	return spawned
}

// promoteProposals relabels loom:proposal issues to loom:issue once force
// mode is on and the pipeline has room for more ready work (spec §4.5's
// promote_proposals action).
func (d *Deps) promoteProposals(ctx context.Context, snap snapshot.Snapshot) {
	for _, issue := range snap.Proposals {
		if err := d.GH.Relabel(ctx, issue, labels.Proposal, labels.Issue); err != nil {
			d.Log.Error(err, "promoting proposal", "issue", issue)
		}
	}
}

// spawnShepherds claims and spawns a shepherd session per available slot,
// up to the smaller of available slots and ready issues.
func (d *Deps) spawnShepherds(ctx context.Context, ds *state.DaemonState, snap snapshot.Snapshot, available int, now time.Time) []string {
	var spawned []string
	idleSlots := idleShepherdSlots(ds, d.Cfg.MaxShepherds)

	for _, issue := range snap.Pipeline.Ready {
		if available <= 0 || len(idleSlots) == 0 {
			break
		}
		slot := idleSlots[0]
		idleSlots = idleSlots[1:]

		agent := claim.NewAgentID(slot)
		result, err := d.Claims.Claim(issue, agent, d.Cfg.PollInterval*10)
		if err != nil || result != claim.OK {
			continue
		}

		taskID := newTaskID(issue, now)
		args := []string{fmt.Sprint(issue), "--task-id", taskID}
		if ds.ForceMode {
			args = append(args, "--force")
		}
		if d.MergeMode {
			args = append(args, "--merge")
		}
		logPath := d.Root.LogFile("shepherd", issue)
		if _, _, err := d.Sessions.Spawn(slot, d.ShepherdCLI, args, d.Root.RepoRoot, logPath); err != nil {
			d.Log.Error(err, "spawning shepherd", "slot", slot, "issue", issue)
			_, _ = d.Claims.Release(issue, agent)
			continue
		}

		issueCopy := issue
		ds.Shepherds[slot] = state.ShepherdEntry{
			Status: state.ShepherdWorking, Issue: &issueCopy, TaskID: taskID, Started: now,
		}
		spawned = append(spawned, slot)
		available--
	}
	return spawned
}

// recoverOrphans relabels loom:building issues with no owning shepherd back
// to loom:issue so they re-enter the ready pool (spec §4.9's orphan
// recovery, driven off the snapshot's validation.orphaned_building).
func (d *Deps) recoverOrphans(ctx context.Context, ds *state.DaemonState, snap snapshot.Snapshot, now time.Time) {
	for _, issue := range snap.Validation.OrphanedBuilding {
		if err := d.GH.Relabel(ctx, issue, labels.Building, labels.Issue); err != nil {
			d.Log.Error(err, "recovering orphaned issue", "issue", issue)
			continue
		}
		ds.AppendWarning(state.Warning{
			Type: "orphan_recovered", Severity: "info",
			Message: fmt.Sprintf("issue #%d had no owning shepherd; relabeled to loom:issue", issue),
			Context: map[string]interface{}{"issue": issue}, Timestamp: now,
		})
	}
}

// retryBlocked re-labels a blocked issue back to loom:issue once its
// cooldown has passed, incrementing its retry count and marking it
// exhausted once it runs out of attempts (spec §4.9's retry_blocked). The
// cooldown and the attempt limit come from the error class's backlog policy.
func (d *Deps) retryBlocked(ctx context.Context, ds *state.DaemonState, now time.Time) {
	for key, retry := range ds.BlockedIssueRetries {
		if retry.RetryExhausted {
			continue
		}
		policy := backlog.PolicyFor(retry.ErrorClass)
		since := retry.LastRetryAt
		if since.IsZero() {
			since = retry.LastBlockedAt
		}
		if now.Sub(since) < policy.Cooldown {
			continue
		}
		issue, ok := parseIssueKey(key)
		if !ok {
			continue
		}
		retry.RetryCount++
		retry.LastRetryAt = now
		if retry.RetryCount >= policy.MaxRetries {
			retry.RetryExhausted = true
		}
		ds.BlockedIssueRetries[key] = retry

		if err := d.GH.Relabel(ctx, issue, labels.Blocked, labels.Issue); err != nil {
			d.Log.Error(err, "retrying blocked issue", "issue", issue)
		}
	}
}

// escalateBlocked records issues that exhausted their retries as needing a
// human, once per issue (spec §4.9's escalate_blocked).
func (d *Deps) escalateBlocked(ds *state.DaemonState, now time.Time) {
	for key, retry := range ds.BlockedIssueRetries {
		if !retry.RetryExhausted || retry.EscalatedToHuman {
			continue
		}
		issue, ok := parseIssueKey(key)
		if !ok {
			continue
		}
		retry.EscalatedToHuman = true
		ds.BlockedIssueRetries[key] = retry
		ds.NeedsHumanInput = append(ds.NeedsHumanInput, state.EscalationEntry{
			Issue: issue, ErrorClass: retry.ErrorClass, EscalatedAt: now,
			Reason: "retries exhausted without resolution",
		})
	}
}

// spawnSupportRole handles a `spawn_role:<name>` action by starting that
// singleton role's session if it is idle and its cooldown has elapsed.
func (d *Deps) spawnSupportRole(ds *state.DaemonState, action snapshot.Action, now time.Time) {
	role, ok := roleFromAction(action)
	if !ok {
		return
	}
	entry := ds.SupportRoles[role]
	if entry.Status == state.SupportRunning {
		return
	}
	cooldown := d.Cfg.RoleIntervals[role]
	if cooldown > 0 && !entry.LastCompleted.IsZero() && now.Sub(entry.LastCompleted) < cooldown {
		return
	}

	taskID := newTaskID(0, now)
	logPath := d.Root.LogFile(role, 0)
	if _, _, err := d.Sessions.Spawn(role, role, []string{"--task-id", taskID}, d.Root.RepoRoot, logPath); err != nil {
		d.Log.Error(err, "spawning support role", "role", role)
		return
	}
	ds.SupportRoles[role] = state.SupportRoleEntry{Status: state.SupportRunning, TaskID: taskID, TmuxSession: d.Sessions.Name(role), Started: now}
}

func roleFromAction(action snapshot.Action) (string, bool) {
	const prefix = "spawn_role:"
	s := string(action)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// idleShepherdSlots returns the names of idle shepherd slots, creating slot
// names up to maxShepherds for any that have never been allocated yet.
func idleShepherdSlots(ds *state.DaemonState, maxShepherds int) []string {
	var idle []string
	for i := 1; i <= maxShepherds; i++ {
		slot := fmt.Sprintf("shepherd-%d", i)
		entry, ok := ds.Shepherds[slot]
		if !ok || entry.Status == state.ShepherdIdle {
			idle = append(idle, slot)
		}
	}
	return idle
}

func parseIssueKey(key string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// newTaskID derives a 7-hex task ID from the issue number and current time,
// matching the canonical format paths.ValidTaskID checks for.
func newTaskID(issue int, now time.Time) string {
	return fmt.Sprintf("%07x", (uint64(issue)<<32|uint64(now.UnixNano()))%0xfffffff)
}
