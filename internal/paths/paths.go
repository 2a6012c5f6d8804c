// Package paths defines the canonical on-disk layout of the ".loom" state
// tree and the branch/worktree naming convention used throughout the
// orchestrator. Every other component resolves paths through this package
// rather than building them ad hoc, so the layout in spec §6 has exactly one
// owner.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Root is the resolved location of a repository's ".loom" state tree.
type Root struct {
	RepoRoot string
}

// New returns a Root rooted at repoRoot/.loom.
func New(repoRoot string) Root {
	return Root{RepoRoot: repoRoot}
}

// Dir is the ".loom" directory itself.
func (r Root) Dir() string { return filepath.Join(r.RepoRoot, ".loom") }

func (r Root) join(elem ...string) string {
	return filepath.Join(append([]string{r.Dir()}, elem...)...)
}

// DaemonState returns the path to the live daemon-state.json document.
func (r Root) DaemonState() string { return r.join("daemon-state.json") }

// ArchivedDaemonState returns the path to a rotated archive, numbered 00..99.
func (r Root) ArchivedDaemonState(n int) string {
	return r.join(fmt.Sprintf("%02d-daemon-state.json", n))
}

// HealthMetrics returns the path to health-metrics.json.
func (r Root) HealthMetrics() string { return r.join("health-metrics.json") }

// Alerts returns the path to alerts.json.
func (r Root) Alerts() string { return r.join("alerts.json") }

// StuckHistory returns the path to stuck-history.json.
func (r Root) StuckHistory() string { return r.join("stuck-history.json") }

// Config returns the path to config.json.
func (r Root) Config() string { return r.join("config.json") }

// StopDaemon returns the path to the stop-daemon sentinel file.
func (r Root) StopDaemon() string { return r.join("stop-daemon") }

// StopShepherds returns the path to the stop-shepherds sentinel file.
func (r Root) StopShepherds() string { return r.join("stop-shepherds") }

// BaselineHealth returns the path to baseline-health.json.
func (r Root) BaselineHealth() string { return r.join("baseline-health.json") }

// UsageCache returns the path to usage-cache.json.
func (r Root) UsageCache() string { return r.join("usage-cache.json") }

// IssueFailures returns the path to the persistent issue-failures.json log.
func (r Root) IssueFailures() string { return r.join("issue-failures.json") }

// DaemonPID returns the path to the daemon's PID/lock file.
func (r Root) DaemonPID() string { return r.join("daemon-loop.pid") }

// ProgressDir is the directory holding one shepherd-<task_id>.json per task.
func (r Root) ProgressDir() string { return r.join("progress") }

// ProgressFile returns the path for a specific task's progress document.
func (r Root) ProgressFile(taskID string) string {
	return filepath.Join(r.ProgressDir(), fmt.Sprintf("shepherd-%s.json", taskID))
}

// WorktreesDir is the parent directory of all per-issue worktrees.
func (r Root) WorktreesDir() string { return r.join("worktrees") }

// WorktreeDir returns the worktree path for a given issue number.
func (r Root) WorktreeDir(issue int) string {
	return filepath.Join(r.WorktreesDir(), fmt.Sprintf("issue-%d", issue))
}

// InUseMarker returns the path to a worktree's .loom-in-use marker.
func (r Root) InUseMarker(worktree string) string {
	return filepath.Join(worktree, ".loom-in-use")
}

// ExitFile returns the path a phase-runner's worker writes its process exit
// code to, since a tmux pane's own exit status is lost once output is piped
// through `tee` for logging (spec §4.8.4).
func (r Root) ExitFile(taskID string) string {
	return filepath.Join(r.LogsDir(), fmt.Sprintf("%s.exit", taskID))
}

// LogsDir is the directory holding one log file per worker run.
func (r Root) LogsDir() string { return r.join("logs") }

// LogFile returns the log path for a worker run of the given role on the
// given issue.
func (r Root) LogFile(role string, issue int) string {
	return filepath.Join(r.LogsDir(), fmt.Sprintf("loom-%s-issue-%d.log", role, issue))
}

// ClaimsDir is the parent directory of per-issue claim lock directories.
func (r Root) ClaimsDir() string { return r.join("claims") }

// ClaimLockDir returns the lock directory for a given issue. Its presence
// (not the JSON inside it) is the lock itself: directory creation is the
// compare-and-swap primitive (spec §4.3).
func (r Root) ClaimLockDir(issue int) string {
	return filepath.Join(r.ClaimsDir(), fmt.Sprintf("issue-%d.lock", issue))
}

// ClaimFile returns the claim.json path inside a claim lock directory.
func (r Root) ClaimFile(issue int) string {
	return filepath.Join(r.ClaimLockDir(issue), "claim.json")
}

// SignalsDir is the inbox directory for command signal files.
func (r Root) SignalsDir() string { return r.join("signals") }

// RecoveryEvents returns the path to metrics/recovery-events.json.
func (r Root) RecoveryEvents() string { return r.join("metrics", "recovery-events.json") }

// CheckpointFile returns the path to a worktree's checkpoint document.
func (r Root) CheckpointFile(worktree string) string {
	return filepath.Join(worktree, "checkpoint.json")
}

// taskIDPattern is the canonical 7-lowercase-hex task ID format (spec §6).
var taskIDPattern = regexp.MustCompile(`^[0-9a-f]{7}$`)

// ValidTaskID reports whether id matches the canonical task-id format.
func ValidTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// FeatureBranch returns the branch name Builder creates for an issue.
func FeatureBranch(issue int) string { return fmt.Sprintf("feature/issue-%d", issue) }
