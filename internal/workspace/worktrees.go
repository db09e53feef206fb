// Package workspace gives runs an isolated git worktree and lets reviewers
// inspect what actually changed in it.
package workspace

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// MergeStrategy selects how conflicting hunks are resolved when a run's
// branch is merged back.
type MergeStrategy int

const (
	// MergeOrt refuses to merge when conflicts are detected.
	MergeOrt MergeStrategy = iota
	// MergeOurs resolves conflicting hunks in favour of the base branch.
	MergeOurs
	// MergeTheirs resolves conflicting hunks in favour of the run's branch.
	MergeTheirs
)

// String returns the git merge strategy option.
func (s MergeStrategy) String() string {
	switch s {
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return "ort"
	}
}

// Worktree is a checkout created for one run.
type Worktree struct {
	Path   string // absolute path of the checkout
	Branch string // e.g. "autopilot/add_validation-1a2b3c4d"
	Slug   string
	Head   string // commit the branch started from
}

// MergeResult is the outcome of merging a run's branch back.
type MergeResult struct {
	Merged        bool
	ConflictFiles []string
	Error         error
}

// WorktreesConfig configures the worktree manager.
type WorktreesConfig struct {
	RepoPath   string // absolute path of the main repository
	BaseBranch string // branch runs start from and merge into
	Dir        string // directory under RepoPath holding worktrees; default ".autopilot/worktrees"
	Strategy   MergeStrategy
}

// Worktrees creates, merges and removes per-run git worktrees.
type Worktrees struct {
	cfg     WorktreesConfig
	mergeMu sync.Mutex // merges touch the main checkout
}

// NewWorktrees creates a worktree manager.
func NewWorktrees(cfg WorktreesConfig) *Worktrees {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".autopilot", "worktrees")
	}
	return &Worktrees{cfg: cfg}
}

func (m *Worktrees) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Create checks out a new branch for the run from the base branch.
func (m *Worktrees) Create(ctx context.Context, slug, runID string) (*Worktree, error) {
	name := slug
	if len(runID) >= 8 {
		name = slug + "-" + runID[:8]
	}
	branch := "autopilot/" + name
	path := filepath.Join(m.cfg.RepoPath, m.cfg.Dir, name)

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, path, m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, out)
	}

	head, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, head)
	}

	return &Worktree{
		Path:   path,
		Branch: branch,
		Slug:   slug,
		Head:   strings.TrimSpace(head),
	}, nil
}

// Commit stages and commits everything in the worktree. It reports false
// when there was nothing to commit.
func (m *Worktrees) Commit(ctx context.Context, wt *Worktree, message string) (bool, error) {
	if out, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w (output: %s)", err, out)
	}
	status, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("reading status: %w (output: %s)", err, status)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if out, err := m.git(ctx, wt.Path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("committing: %w (output: %s)", err, out)
	}
	return true, nil
}

// Merge merges the run's branch into the base branch. Conflicts are
// reported through MergeResult rather than as an error.
func (m *Worktrees) Merge(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if out, err := m.git(ctx, m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		return &MergeResult{Error: fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, out)}, nil
	}

	if m.cfg.Strategy == MergeOrt {
		// Dry run first so a conflicting merge never touches the checkout.
		out, err := m.git(ctx, m.cfg.RepoPath, "merge-tree", "--write-tree", m.cfg.BaseBranch, wt.Branch)
		if err != nil || strings.Contains(out, "CONFLICT") {
			return &MergeResult{
				Error:         fmt.Errorf("merge conflict detected: %s", out),
				ConflictFiles: parseConflictFiles(out),
			}, nil
		}
	}

	args := []string{"merge", "--no-ff", "-m", "autopilot: merge " + wt.Branch}
	if m.cfg.Strategy != MergeOrt {
		args = append(args, "-X", m.cfg.Strategy.String())
	}
	args = append(args, wt.Branch)
	if out, err := m.git(ctx, m.cfg.RepoPath, args...); err != nil {
		return &MergeResult{Error: fmt.Errorf("merge failed: %w (output: %s)", err, out)}, nil
	}

	return &MergeResult{Merged: true}, nil
}

// parseConflictFiles extracts paths from "CONFLICT (...): Merge conflict in <file>" lines.
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			if len(parts) > 1 {
				conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
			}
		}
	}
	return conflicts
}

// Cleanup removes the worktree and deletes its branch, forcing both if the
// polite attempt fails.
func (m *Worktrees) Cleanup(ctx context.Context, wt *Worktree) error {
	var problems []string

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", wt.Path); err != nil {
		if forceOut, forceErr := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", wt.Path); forceErr != nil {
			problems = append(problems, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, out, forceOut))
		}
	}

	if out, err := m.git(ctx, m.cfg.RepoPath, "branch", "-d", wt.Branch); err != nil {
		if forceOut, forceErr := m.git(ctx, m.cfg.RepoPath, "branch", "-D", wt.Branch); forceErr != nil {
			problems = append(problems, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, out, forceOut))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// List returns the worktrees autopilot created.
func (m *Worktrees) List(ctx context.Context) ([]Worktree, error) {
	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, out)
	}

	var (
		worktrees []Worktree
		current   Worktree
	)
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Branch, "autopilot/") {
			worktrees = append(worktrees, current)
		}
		current = Worktree{}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.Slug = slugFromBranch(current.Branch)
		}
	}
	flush()

	return worktrees, nil
}

func slugFromBranch(branch string) string {
	name := strings.TrimPrefix(branch, "autopilot/")
	if i := strings.LastIndex(name, "-"); i > 0 && len(name)-i-1 == 8 {
		return name[:i]
	}
	return name
}

// Prune cleans up stale worktree metadata.
func (m *Worktrees) Prune(ctx context.Context) error {
	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, out)
	}
	return nil
}
