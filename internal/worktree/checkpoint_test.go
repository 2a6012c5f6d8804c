package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjwalters/loom/internal/paths"
)

func TestValidStage(t *testing.T) {
	t.Parallel()
	for _, s := range Stages {
		if !ValidStage(s) {
			t.Errorf("ValidStage(%q) = false, want true", s)
		}
	}
	if ValidStage("bogus-stage") {
		t.Error("ValidStage(bogus-stage) = true, want false")
	}
}

func TestWriteReadCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wt := filepath.Join(dir, "worktree")
	if err := os.MkdirAll(wt, 0o755); err != nil {
		t.Fatalf("creating worktree dir: %v", err)
	}
	root := paths.New(dir)
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	details := CheckpointDetails{FilesChanged: 3, TestCommand: "go test ./...", TestResult: "pass", CommitSHA: "abc123"}
	if err := WriteCheckpoint(root, wt, "tested", 42, details, now); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	c, ok := ReadCheckpoint(root, wt)
	if !ok {
		t.Fatal("ReadCheckpoint: expected checkpoint to exist")
	}
	if c.Stage != "tested" {
		t.Errorf("Stage = %q, want tested", c.Stage)
	}
	if c.Issue != 42 {
		t.Errorf("Issue = %d, want 42", c.Issue)
	}
	if c.Details.CommitSHA != "abc123" {
		t.Errorf("Details.CommitSHA = %q, want abc123", c.Details.CommitSHA)
	}

	if err := ClearCheckpoint(root, wt); err != nil {
		t.Fatalf("ClearCheckpoint: %v", err)
	}
	if _, ok := ReadCheckpoint(root, wt); ok {
		t.Error("expected no checkpoint after clearing")
	}
}

func TestReadCheckpointMissingReturnsFalse(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := paths.New(dir)
	if _, ok := ReadCheckpoint(root, filepath.Join(dir, "nowhere")); ok {
		t.Error("expected ok=false for a worktree with no checkpoint")
	}
}

func TestWriteCheckpointRejectsInvalidStage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wt := filepath.Join(dir, "worktree")
	if err := os.MkdirAll(wt, 0o755); err != nil {
		t.Fatalf("creating worktree dir: %v", err)
	}
	root := paths.New(dir)

	err := WriteCheckpoint(root, wt, "not-a-stage", 1, CheckpointDetails{}, time.Now())
	if err == nil {
		t.Fatal("expected error for invalid stage")
	}
	if _, ok := err.(*InvalidStageError); !ok {
		t.Errorf("error type = %T, want *InvalidStageError", err)
	}
}

func TestWriteCheckpointRejectsMissingWorktree(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := paths.New(dir)

	err := WriteCheckpoint(root, filepath.Join(dir, "does-not-exist"), "planning", 1, CheckpointDetails{}, time.Now())
	if err == nil {
		t.Fatal("expected error for a nonexistent worktree directory")
	}
	if _, ok := err.(*NoWorktreeError); !ok {
		t.Errorf("error type = %T, want *NoWorktreeError", err)
	}
}

func TestCheckpointIsAfter(t *testing.T) {
	t.Parallel()
	c := Checkpoint{Stage: "committed"}
	if !c.IsAfter("implementing") {
		t.Error("committed should be after implementing")
	}
	if c.IsAfter("pushed") {
		t.Error("committed should not be after pushed")
	}
	if c.IsAfter("unknown-stage") {
		t.Error("IsAfter with an unrecognized stage should be false")
	}
}

func TestRecommendNoCheckpoint(t *testing.T) {
	t.Parallel()
	rec := Recommend(Checkpoint{}, false)
	if rec.RecoveryPath != "retry_from_scratch" {
		t.Errorf("RecoveryPath = %q, want retry_from_scratch", rec.RecoveryPath)
	}
	if len(rec.SkipStages) != 0 {
		t.Errorf("SkipStages = %v, want empty", rec.SkipStages)
	}
}

func TestRecommendWithCheckpoint(t *testing.T) {
	t.Parallel()
	c := Checkpoint{Stage: "tested"}
	rec := Recommend(c, true)
	if rec.RecoveryPath != "route_to_commit" {
		t.Errorf("RecoveryPath = %q, want route_to_commit", rec.RecoveryPath)
	}
	want := []string{"planning", "implementing", "tested"}
	if len(rec.SkipStages) != len(want) {
		t.Fatalf("SkipStages = %v, want %v", rec.SkipStages, want)
	}
	for i, s := range want {
		if rec.SkipStages[i] != s {
			t.Errorf("SkipStages[%d] = %q, want %q", i, rec.SkipStages[i], s)
		}
	}
}
