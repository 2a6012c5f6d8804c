// Package worktree implements worktree safety (spec §4.12, component 16):
// the checks that decide whether an issue's worktree can be recreated or
// must instead be reused, grounded on original_source/worktree_safety.py's
// /proc-based liveness scan (the same technique internal/tmux uses to find
// a session's worker process, [[tmux]]).
package worktree

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// GraceDuration is the default creation-grace-period: a worktree created
// within this window of "now" is never considered safe to remove, even if
// every other check passes (spec §4.12). Exactly at the boundary is NOT
// within grace.
const GraceDuration = 300 * time.Second

// InUseMarker is the persisted `.loom-in-use` document (spec §3).
type InUseMarker struct {
	ShepherdTaskID string    `json:"shepherd_task_id"`
	Issue          int       `json:"issue"`
	CreatedAt      time.Time `json:"created_at"`
	PID            int       `json:"pid"`
}

// WriteMarker creates the in-use marker for a freshly claimed worktree.
func WriteMarker(root paths.Root, worktree string, taskID string, issue int) error {
	m := InUseMarker{ShepherdTaskID: taskID, Issue: issue, CreatedAt: time.Now().UTC(), PID: os.Getpid()}
	return store.Write(root.InUseMarker(worktree), m)
}

// RemoveMarker deletes a worktree's in-use marker (called once the
// shepherd that created it has released the worktree).
func RemoveMarker(root paths.Root, worktree string) error {
	return store.Delete(root.InUseMarker(worktree))
}

// UnsafeReason names which check failed, for logging.
type UnsafeReason string

const (
	SafeToRemove      UnsafeReason = ""
	ReasonCWDInside   UnsafeReason = "cwd_inside_worktree"
	ReasonInUseMarker UnsafeReason = "in_use_marker_present"
	ReasonLiveProcess UnsafeReason = "live_process_has_cwd"
	ReasonGracePeriod UnsafeReason = "within_creation_grace_period"
)

// ShouldReuse reports whether worktree should be reused in place rather
// than removed and recreated: true whenever IsUnsafeToRemove finds any
// reason not to remove it (spec §4.12).
func ShouldReuse(root paths.Root, worktree, cwd string) (bool, UnsafeReason, error) {
	reason, err := IsUnsafeToRemove(root, worktree, cwd)
	if err != nil {
		return false, "", err
	}
	return reason != SafeToRemove, reason, nil
}

// IsUnsafeToRemove implements spec §4.12's four checks, in the order
// listed there. cwd is the caller's current working directory.
func IsUnsafeToRemove(root paths.Root, worktree, cwd string) (UnsafeReason, error) {
	absWorktree, err := filepath.Abs(worktree)
	if err != nil {
		return "", err
	}
	absCWD, err := filepath.Abs(cwd)
	if err == nil && withinTree(absWorktree, absCWD) {
		return ReasonCWDInside, nil
	}

	if store.Exists(root.InUseMarker(worktree)) {
		return ReasonInUseMarker, nil
	}

	if hasLiveProcessCWD(absWorktree) {
		return ReasonLiveProcess, nil
	}

	created, ok := creationTime(worktree)
	if ok && time.Since(created) < GraceDuration {
		return ReasonGracePeriod, nil
	}

	return SafeToRemove, nil
}

func withinTree(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// creationTime reads the modification time of a worktree's .git entry (file
// or directory) and uses it as the worktree's creation time, the reference
// point spec §4.12 names for the grace period.
func creationTime(worktree string) (time.Time, bool) {
	info, err := os.Stat(filepath.Join(worktree, ".git"))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// hasLiveProcessCWD scans running processes for one whose CWD is inside
// worktree, excluding the calling process itself (spec §4.12(c)). On Linux
// this reads /proc/*/cwd; elsewhere (BSD/macOS) it is grounded on shelling
// out to `lsof`, the same "no portable API, so delegate to the platform
// tool" reasoning internal/tmux applies to tmux itself.
func hasLiveProcessCWD(worktree string) bool {
	if runtime.GOOS == "linux" {
		return hasLiveProcessCWDLinux(worktree)
	}
	return hasLiveProcessCWDLsof(worktree)
}

func hasLiveProcessCWDLinux(worktree string) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		link, err := os.Readlink(filepath.Join("/proc", e.Name(), "cwd"))
		if err != nil {
			continue
		}
		if link == worktree || strings.HasPrefix(link, worktree+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
