package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Evidence compares the files executors claim to have changed with the
// workspace.
type Evidence struct {
	Missing   []string // claimed, but neither on disk nor a tracked deletion
	Unchanged []string // claimed and on disk, but git shows no change to it
	Unclaimed []string // changed in git, but claimed by no batch
	Git       bool     // whether git status backed the check
}

// Inspector reads a run's working directory.
type Inspector struct {
	root   string
	ignore []string
}

// NewInspector creates an Inspector for root. Paths under any ignore
// prefix (relative to root) never count as unclaimed changes.
func NewInspector(root string, ignore ...string) *Inspector {
	return &Inspector{root: root, ignore: ignore}
}

// Root returns the inspected directory.
func (i *Inspector) Root() string {
	return i.root
}

func (i *Inspector) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(i.root, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
}

// Branch returns the checked out branch, or "" when root is not a git
// repository or HEAD is detached.
func (i *Inspector) Branch() string {
	repo, err := i.open()
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}

// Changed returns paths with staged, unstaged or untracked changes and
// the subset that are deletions. ok is false when root is not a git
// repository.
func (i *Inspector) Changed() (changed []string, deleted map[string]bool, ok bool, err error) {
	repo, err := i.open()
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, false, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, nil, false, err
	}

	deleted = make(map[string]bool)
	for path, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		changed = append(changed, path)
		if fs.Staging == git.Deleted || fs.Worktree == git.Deleted {
			deleted[path] = true
		}
	}
	slices.Sort(changed)
	return changed, deleted, true, nil
}

// Check gathers evidence for claimed file paths.
func (i *Inspector) Check(claimed []string) (Evidence, error) {
	changed, deleted, ok, err := i.Changed()
	if err != nil {
		return Evidence{}, err
	}

	ev := Evidence{Git: ok}
	changedSet := make(map[string]bool, len(changed))
	for _, path := range changed {
		changedSet[path] = true
	}
	claimedSet := make(map[string]bool, len(claimed))
	for _, c := range claimed {
		rel := i.rel(c)
		claimedSet[rel] = true
		if deleted[rel] {
			continue
		}
		switch _, err := os.Stat(filepath.Join(i.root, rel)); {
		case err != nil:
			ev.Missing = append(ev.Missing, c)
		case ok && !changedSet[rel]:
			ev.Unchanged = append(ev.Unchanged, c)
		}
	}

	for _, path := range changed {
		if claimedSet[path] || i.ignored(path) {
			continue
		}
		ev.Unclaimed = append(ev.Unclaimed, path)
	}
	return ev, nil
}

func (i *Inspector) rel(path string) string {
	path = strings.TrimSpace(path)
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(i.root, path); err == nil {
			path = r
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func (i *Inspector) ignored(path string) bool {
	for _, prefix := range i.ignore {
		prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
