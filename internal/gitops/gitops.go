// Package gitops wraps the git operations the shepherd phases need —
// worktree lifecycle, rebase-with-conflict-detection, and squash-merge —
// via subprocess, the way zulandar-gastown's internal/git wraps git for its
// polecat/rig machinery. The wrapper surface is trimmed to what spec
// §4.8.2's Builder/Rebase/Merge phases actually call; the rest of the
// teacher's surface (bare-repo sharing, submodule pointer pushes, Gas
// Town's hooks-path convention) has no SPEC_FULL.md component to serve and
// is dropped (see DESIGN.md).
package gitops

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitError carries raw git output for the caller to observe and act on,
// rather than this package interpreting it.
type GitError struct {
	Command string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Git wraps git operations rooted at a single working directory.
type Git struct {
	workDir string
}

// New returns a Git wrapper rooted at workDir.
func New(workDir string) *Git {
	return &Git{workDir: workDir}
}

// WorkDir returns the directory this wrapper operates on.
func (g *Git) WorkDir() string { return g.workDir }

// IsRepo reports whether workDir is inside a git repository.
func (g *Git) IsRepo() bool {
	_, err := g.run("rev-parse", "--git-dir")
	return err == nil
}

func (g *Git) run(args ...string) (string, error) {
	return g.runWithEnv(args, nil)
}

func (g *Git) runWithEnv(args []string, extraEnv []string) (string, error) {
	cmd := exec.Command("git", args...)
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", g.wrapError(err, stdout.String(), stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) wrapError(err error, stdout, stderr string, args []string) error {
	command := ""
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			command = a
			break
		}
	}
	return &GitError{
		Command: command,
		Args:    args,
		Stdout:  strings.TrimSpace(stdout),
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}

// Clone clones url into dest, isolating the operation from any repo at the
// process's own cwd via a scratch directory and GIT_CEILING_DIRECTORIES.
func (g *Git) Clone(url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating destination parent: %w", err)
	}
	tmpDir, err := os.MkdirTemp("", "loom-clone-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	tmpDest := filepath.Join(tmpDir, filepath.Base(dest))
	cmd := exec.Command("git", "clone", url, tmpDest)
	cmd.Dir = tmpDir
	cmd.Env = append(os.Environ(), "GIT_CEILING_DIRECTORIES="+tmpDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return g.wrapError(err, stdout.String(), stderr.String(), []string{"clone", url})
	}
	if err := os.Rename(tmpDest, dest); err != nil {
		return fmt.Errorf("moving clone to destination: %w", err)
	}
	return nil
}

// Checkout checks out ref.
func (g *Git) Checkout(ref string) error {
	_, err := g.run("checkout", ref)
	return err
}

// Fetch fetches from remote.
func (g *Git) Fetch(remote string) error {
	_, err := g.run("fetch", remote)
	return err
}

// FetchPrune fetches from remote and removes stale remote-tracking refs.
func (g *Git) FetchPrune(remote string) error {
	_, err := g.run("fetch", "--prune", remote)
	return err
}

// Pull pulls the given branch from remote.
func (g *Git) Pull(remote, branch string) error {
	_, err := g.run("pull", remote, branch)
	return err
}

// Push pushes branch to remote, optionally with --force.
func (g *Git) Push(remote, branch string, force bool) error {
	args := []string{"push", remote, branch}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(args...)
	return err
}

// PushForceWithLease force-pushes branch to remote using --force-with-lease,
// the safe form spec §4.8.2's Rebase phase requires: it refuses to clobber
// commits pushed by someone else between the shepherd's last fetch and now.
func (g *Git) PushForceWithLease(remote, branch string) error {
	_, err := g.run("push", "--force-with-lease", remote, branch)
	return err
}

// PushWithEnv pushes with additional environment variables set on the
// subprocess (used to satisfy repo-local pre-push hooks that gate on an
// env var rather than a CLI flag).
func (g *Git) PushWithEnv(remote, branch string, force bool, env []string) error {
	args := []string{"push", remote, branch}
	if force {
		args = append(args, "--force")
	}
	_, err := g.runWithEnv(args, env)
	return err
}

// Add stages the given paths.
func (g *Git) Add(paths ...string) error {
	args := append([]string{"add"}, paths...)
	_, err := g.run(args...)
	return err
}

// Commit creates a commit with message.
func (g *Git) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

// CommitAll stages all changes and commits them.
func (g *Git) CommitAll(message string) error {
	_, err := g.run("commit", "-am", message)
	return err
}

// Status summarizes the working tree.
type Status struct {
	Clean     bool
	Modified  []string
	Added     []string
	Deleted   []string
	Untracked []string
}

// Status returns the current git status.
func (g *Git) Status() (*Status, error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	s := &Status{Clean: true}
	if out == "" {
		return s, nil
	}
	s.Clean = false
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code, file := line[:2], line[3:]
		switch {
		case strings.Contains(code, "M"):
			s.Modified = append(s.Modified, file)
		case strings.Contains(code, "A"):
			s.Added = append(s.Added, file)
		case strings.Contains(code, "D"):
			s.Deleted = append(s.Deleted, file)
		case strings.Contains(code, "?"):
			s.Untracked = append(s.Untracked, file)
		}
	}
	return s, nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges() (bool, error) {
	s, err := g.Status()
	if err != nil {
		return false, err
	}
	return !s.Clean, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// RemoteDefaultBranch returns origin's default branch, falling back to
// "main" if it cannot be determined.
func (g *Git) RemoteDefaultBranch() string {
	if out, err := g.run("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil && out != "" {
		parts := strings.Split(out, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	if _, err := g.run("rev-parse", "--verify", "origin/main"); err == nil {
		return "main"
	}
	if _, err := g.run("rev-parse", "--verify", "origin/master"); err == nil {
		return "master"
	}
	return "main"
}

// RemoteURL returns the URL configured for remote.
func (g *Git) RemoteURL(remote string) (string, error) {
	return g.run("remote", "get-url", remote)
}

// Merge merges branch into the current branch.
func (g *Git) Merge(branch string) error {
	_, err := g.run("merge", branch)
	return err
}

// MergeSquash squash-merges branch and commits the staged result under
// message, so the merged history carries one commit instead of a merge
// commit plus the branch's own commits (spec §4.8.2's force-mode merge).
func (g *Git) MergeSquash(branch, message string) error {
	if _, err := g.run("merge", "--squash", branch); err != nil {
		return err
	}
	_, err := g.run("commit", "-m", message)
	return err
}

// GetBranchCommitMessage returns the HEAD commit message on branch, used to
// preserve the original conventional-commit subject through a squash merge.
func (g *Git) GetBranchCommitMessage(branch string) (string, error) {
	return g.run("log", "-1", "--format=%B", branch)
}

// Rebase rebases the current branch onto onto.
func (g *Git) Rebase(onto string) error {
	_, err := g.run("rebase", onto)
	return err
}

// AbortRebase aborts an in-progress rebase.
func (g *Git) AbortRebase() error {
	_, err := g.run("rebase", "--abort")
	return err
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge() error {
	_, err := g.run("merge", "--abort")
	return err
}

// CheckConflicts test-merges source into target to list conflicting files
// without leaving any trace: the merge (successful or not) is always
// undone and target is left checked out (spec §4.8.2's conflict check; the
// Rebase phase calls it after a rebase has failed, to list the conflicts).
func (g *Git) CheckConflicts(source, target string) ([]string, error) {
	if err := g.Checkout(target); err != nil {
		return nil, fmt.Errorf("checkout target %s: %w", target, err)
	}

	_, mergeErr := g.runMergeCheck("merge", "--no-commit", "--no-ff", source)
	if mergeErr != nil {
		conflicts, err := g.GetConflictingFiles()
		if err == nil && len(conflicts) > 0 {
			_ = g.AbortMerge()
			return conflicts, nil
		}
		_ = g.AbortMerge()
		return nil, mergeErr
	}

	_, _ = g.run("reset", "--hard", "HEAD")
	return nil, nil
}

func (g *Git) runMergeCheck(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", g.wrapError(err, stdout.String(), stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// GetConflictingFiles lists files with unresolved merge conflicts.
func (g *Git) GetConflictingFiles() ([]string, error) {
	out, err := g.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var result []string
	for _, f := range strings.Split(out, "\n") {
		if f != "" {
			result = append(result, f)
		}
	}
	return result, nil
}

// CreateBranchFrom creates branch name starting at ref.
func (g *Git) CreateBranchFrom(name, ref string) error {
	_, err := g.run("branch", name, ref)
	return err
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(name string) (bool, error) {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefExists reports whether ref resolves to a commit.
func (g *Git) RefExists(ref string) (bool, error) {
	if strings.HasPrefix(ref, "refs/") {
		_, err := g.run("show-ref", "--verify", "--quiet", ref)
		if err != nil {
			if strings.Contains(err.Error(), "exit status 1") {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	_, err := g.run("rev-parse", "--verify", ref)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && strings.Contains(gitErr.Stderr, "Needed a single revision") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoteBranchExists reports whether branch exists on remote.
func (g *Git) RemoteBranchExists(remote, branch string) (bool, error) {
	out, err := g.run("ls-remote", "--heads", remote, branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DeleteBranch deletes a local branch; force uses -D instead of -d.
func (g *Git) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run("branch", flag, name)
	return err
}

// DeleteRemoteBranch deletes branch on remote, used once a PR merges and
// spec §4.8.2's Merge phase retires the feature branch.
func (g *Git) DeleteRemoteBranch(remote, branch string) error {
	_, err := g.run("push", remote, "--delete", branch)
	return err
}

// ResetHard resets the working tree and index to ref.
func (g *Git) ResetHard(ref string) error {
	_, err := g.run("reset", "--hard", ref)
	return err
}

// CommitsAhead returns how many commits branch has that base does not.
func (g *Git) CommitsAhead(base, branch string) (int, error) {
	return g.revListCount(base + ".." + branch)
}

// CountCommitsBehind returns how many commits ref has that HEAD does not —
// the "is this branch behind origin/main" check spec §4.8.2's Rebase phase
// runs before deciding whether to fetch and rebase at all.
func (g *Git) CountCommitsBehind(ref string) (int, error) {
	return g.revListCount("HEAD.." + ref)
}

func (g *Git) revListCount(rangeSpec string) (int, error) {
	out, err := g.run("rev-list", "--count", rangeSpec)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing commit count: %w", err)
	}
	return n, nil
}

// WorktreeAdd creates a worktree at path on a new branch starting from
// HEAD.
func (g *Git) WorktreeAdd(path, branch string) error {
	_, err := g.run("worktree", "add", "-b", branch, path)
	return err
}

// WorktreeAddFromRef creates a worktree at path on a new branch starting
// from startPoint (e.g. "origin/main").
func (g *Git) WorktreeAddFromRef(path, branch, startPoint string) error {
	_, err := g.run("worktree", "add", "-b", branch, path, startPoint)
	return err
}

// WorktreeAddExisting creates a worktree at path for an already-existing
// branch.
func (g *Git) WorktreeAddExisting(path, branch string) error {
	_, err := g.run("worktree", "add", path, branch)
	return err
}

// WorktreeRemove removes a worktree; force removes it even with untracked
// or modified files present.
func (g *Git) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(args...)
	return err
}

// WorktreePrune removes worktree administrative entries whose directories
// are gone.
func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Commit string
}

// WorktreeList returns all worktrees known to this repository.
func (g *Git) WorktreeList() ([]Worktree, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var worktrees []Worktree
	var current Worktree
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Worktree{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}
