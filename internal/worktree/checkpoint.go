// Checkpoint tracking for the builder phase (spec §3, §6 `checkpoint`),
// grounded on original_source/loom-tools/src/loom_tools/checkpoints.py:
// one ordered-stage marker per worktree, consumed by recovery to decide
// what work a retried builder can skip.
package worktree

import (
	"os"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// Stages is the ordered checkpoint progression (spec §3).
var Stages = []string{"planning", "implementing", "tested", "committed", "pushed", "pr_created"}

// recoveryPaths maps each stage to the recovery action a retried builder
// should take, per checkpoints.py's RECOVERY_PATHS.
var recoveryPaths = map[string]string{
	"planning":     "retry_from_scratch",
	"implementing": "check_changes",
	"tested":       "route_to_commit",
	"committed":    "push_and_pr",
	"pushed":       "create_pr",
	"pr_created":   "verify_labels",
}

// ValidStage reports whether stage is one of Stages.
func ValidStage(stage string) bool {
	for _, s := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func stageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// CheckpointDetails holds optional context about the stage a checkpoint
// was written at.
type CheckpointDetails struct {
	FilesChanged      int    `json:"files_changed,omitempty"`
	TestCommand       string `json:"test_command,omitempty"`
	TestResult        string `json:"test_result,omitempty"` // "pass", "fail", or ""
	TestOutputSummary string `json:"test_output_summary,omitempty"`
	CommitSHA         string `json:"commit_sha,omitempty"`
	PRNumber          int    `json:"pr_number,omitempty"`
}

// Checkpoint is a builder's progress marker within one worktree (spec §3).
type Checkpoint struct {
	Stage     string             `json:"stage"`
	Timestamp time.Time          `json:"timestamp"`
	Issue     int                `json:"issue,omitempty"`
	Details   CheckpointDetails  `json:"details,omitempty"`
}

// StageIndex returns c's position in Stages, or -1 if unrecognized.
func (c Checkpoint) StageIndex() int { return stageIndex(c.Stage) }

// RecoveryPath returns the recommended recovery action for c's stage.
func (c Checkpoint) RecoveryPath() string {
	if p, ok := recoveryPaths[c.Stage]; ok {
		return p
	}
	return "retry_from_scratch"
}

// IsAfter reports whether c's stage comes strictly after other in Stages.
func (c Checkpoint) IsAfter(other string) bool {
	oi := stageIndex(other)
	if oi < 0 {
		return false
	}
	return c.StageIndex() > oi
}

// WriteCheckpoint writes a checkpoint at the given stage to worktree,
// failing if stage is not one of Stages or worktree does not exist.
func WriteCheckpoint(root paths.Root, worktreeDir, stage string, issue int, details CheckpointDetails, now time.Time) error {
	if !ValidStage(stage) {
		return &InvalidStageError{Stage: stage}
	}
	if info, err := os.Stat(worktreeDir); err != nil || !info.IsDir() {
		return &NoWorktreeError{Dir: worktreeDir}
	}
	c := Checkpoint{Stage: stage, Timestamp: now, Issue: issue, Details: details}
	return store.Write(root.CheckpointFile(worktreeDir), c)
}

// ReadCheckpoint reads the checkpoint from worktree, returning ok=false if
// none exists or the stored document has no stage.
func ReadCheckpoint(root paths.Root, worktreeDir string) (Checkpoint, bool) {
	path := root.CheckpointFile(worktreeDir)
	if !store.Exists(path) {
		return Checkpoint{}, false
	}
	var c Checkpoint
	if err := store.Read(path, &c); err != nil || c.Stage == "" {
		return Checkpoint{}, false
	}
	return c, true
}

// ClearCheckpoint removes worktree's checkpoint file, if any.
func ClearCheckpoint(root paths.Root, worktreeDir string) error {
	return store.Delete(root.CheckpointFile(worktreeDir))
}

// Recommendation is the `checkpoint read`/recovery-decision output (spec
// §3 "Consumed by recovery to decide what to skip on retry").
type Recommendation struct {
	RecoveryPath string   `json:"recovery_path"`
	SkipStages   []string `json:"skip_stages"`
	Details      string   `json:"details"`
}

// Recommend builds a Recommendation from an optional checkpoint; a missing
// checkpoint (ok=false) always recommends starting over.
func Recommend(c Checkpoint, ok bool) Recommendation {
	if !ok {
		return Recommendation{RecoveryPath: "retry_from_scratch", Details: "no checkpoint found"}
	}
	idx := c.StageIndex()
	var skip []string
	if idx >= 0 {
		skip = append(skip, Stages[:idx+1]...)
	}
	details := "checkpoint at stage '" + c.Stage + "'"
	return Recommendation{RecoveryPath: c.RecoveryPath(), SkipStages: skip, Details: details}
}

// InvalidStageError reports a checkpoint write with an unrecognized stage.
type InvalidStageError struct{ Stage string }

func (e *InvalidStageError) Error() string { return "invalid checkpoint stage: " + e.Stage }

// NoWorktreeError reports a checkpoint write targeting a nonexistent worktree.
type NoWorktreeError struct{ Dir string }

func (e *NoWorktreeError) Error() string { return "worktree directory does not exist: " + e.Dir }
