package worlds

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Repo wraps the git invocations the pipeline needs. All commands run
// through the git binary; mergeMu serializes merges so two selects
// cannot fight over the index.
type Repo struct {
	Root    string
	mergeMu sync.Mutex
}

// OpenRepo resolves the repository root containing dir.
func OpenRepo(dir string) (*Repo, error) {
	out, err := gitIn(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	return &Repo{Root: strings.TrimSpace(out)}, nil
}

func gitIn(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (r *Repo) git(args ...string) (string, error) {
	return gitIn(r.Root, args...)
}

// CommitExists reports whether ref resolves to a commit.
func (r *Repo) CommitExists(ref string) bool {
	_, err := r.git("rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.git("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CurrentBranch returns the checked-out branch, or "" on detached HEAD.
func (r *Repo) CurrentBranch() string {
	out, err := r.git("branch", "--show-current")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// CleanTree reports whether the working tree has no uncommitted
// changes.
func (r *Repo) CleanTree() bool {
	out, err := r.git("status", "--porcelain")
	return err == nil && strings.TrimSpace(out) == ""
}

// ResolveCommit resolves a ref to its commit SHA.
func (r *Repo) ResolveCommit(ref string) (string, error) {
	out, err := r.git("rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("ref missing or has no commits: %s", ref)
	}
	return strings.TrimSpace(out), nil
}

// ResolveStartRef picks the ref worlds fork from: an explicit ref if
// given, else the current branch, else the base branch.
func (r *Repo) ResolveStartRef(baseBranch, fromRef string) (string, error) {
	if fromRef != "" {
		if !r.CommitExists(fromRef) {
			return "", fmt.Errorf("start ref missing or has no commits: %s", fromRef)
		}
		return fromRef, nil
	}
	if current := r.CurrentBranch(); current != "" && r.CommitExists(current) {
		return current, nil
	}
	if r.CommitExists(baseBranch) {
		return baseBranch, nil
	}
	return "", fmt.Errorf("unable to resolve start ref")
}

// EnsureWorldsDir resolves the worlds directory (relative paths are
// taken from the repo root) and creates it. Worktrees nested inside
// the repository confuse git, so the directory must lie outside.
func (r *Repo) EnsureWorldsDir(worldsDir string) (string, error) {
	if worldsDir == "" {
		return "", fmt.Errorf("worlds_dir is not configured")
	}
	abs := worldsDir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.Root, worldsDir)
	}
	abs = filepath.Clean(abs)
	if isSubpath(abs, r.Root) {
		return "", fmt.Errorf("worlds_dir must be outside the repository to avoid nested worktrees")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create worlds dir: %w", err)
	}
	return abs, nil
}

func isSubpath(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// AddWorktree creates a worktree for branch at path, branching off
// startRef when the branch does not exist yet. Re-adding an existing
// worktree is a no-op, so kickoff can recover from partial runs.
func (r *Repo) AddWorktree(branch, startRef, path string) error {
	if _, err := os.Stat(path); err == nil {
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			return nil
		}
		return fmt.Errorf("worktree path already exists and is not a git worktree: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}

	if r.BranchExists(branch) {
		if _, err := r.git("worktree", "add", path, branch); err != nil {
			return fmt.Errorf("failed to add worktree: %w", err)
		}
		return nil
	}
	if _, err := r.git("worktree", "add", "-b", branch, path, startRef); err != nil {
		return fmt.Errorf("failed to add worktree: %w", err)
	}
	return nil
}

// WorktreeInfo is one entry of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string
}

// ListWorktrees returns all registered worktrees.
func (r *Repo) ListWorktrees() ([]WorktreeInfo, error) {
	out, err := r.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// PredictConflicts dry-runs the merge of branch into target with
// merge-tree and returns the conflicting paths, empty when the merge
// would apply cleanly.
func (r *Repo) PredictConflicts(target, branch string) ([]string, error) {
	out, err := r.git("merge-tree", "--write-tree", target, branch)
	if err != nil {
		// Nonzero exit means the merge would conflict.
		return parseConflictFiles(out), nil
	}
	if strings.Contains(out, "CONFLICT") {
		return parseConflictFiles(out), nil
	}
	return nil, nil
}

func parseConflictFiles(output string) []string {
	conflicts := []string{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
		}
	}
	return conflicts
}

// Merge checks out target and merges branch with --no-ff. Callers are
// expected to have checked CleanTree and PredictConflicts first; this
// still fails safely when they have not.
func (r *Repo) Merge(target, branch string) error {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	if _, err := r.git("checkout", target); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", target, err)
	}
	if _, err := r.git("merge", "--no-ff", branch); err != nil {
		return fmt.Errorf("failed to merge %s into %s: %w", branch, target, err)
	}
	return nil
}

// RemoveWorktree unregisters and deletes a worktree, retrying with
// --force when the tree is dirty.
func (r *Repo) RemoveWorktree(path string) error {
	if _, err := r.git("worktree", "remove", path); err != nil {
		if _, forceErr := r.git("worktree", "remove", "--force", path); forceErr != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", path, forceErr)
		}
	}
	return nil
}

// DeleteBranch deletes a local branch, escalating to -D when the
// branch is not fully merged.
func (r *Repo) DeleteBranch(name string) error {
	if _, err := r.git("branch", "-d", name); err != nil {
		if _, forceErr := r.git("branch", "-D", name); forceErr != nil {
			return fmt.Errorf("failed to delete branch %s: %w", name, forceErr)
		}
	}
	return nil
}

// Prune drops stale worktree registrations left by deleted trees.
func (r *Repo) Prune() error {
	if _, err := r.git("worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
