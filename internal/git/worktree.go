package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	HEAD   string `json:"head"`
}

// RemoveResult reports what RemoveWorktree did.
type RemoveResult struct {
	Branch  string `json:"branch"`
	Removed bool   `json:"removed"`
	Message string `json:"message"`
}

// WorktreePath returns where the worktree for branch lives.
func (m *Manager) WorktreePath(branch string) string {
	return filepath.Join(m.worktreesDir, strings.ReplaceAll(branch, "/", "-"))
}

// CreateWorktree ensures branch has a worktree and returns its path.
// A missing branch is created from base. Calling it again for the same
// branch returns the existing path.
func (m *Manager) CreateWorktree(ctx context.Context, branch, base string) (string, error) {
	m.wtMu.Lock()
	defer m.wtMu.Unlock()

	if wt, err := m.FindWorktree(ctx, branch); err != nil {
		return "", fmt.Errorf("create worktree %s: %w", branch, err)
	} else if wt != nil {
		return wt.Path, nil
	}

	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return "", fmt.Errorf("create worktree %s: %w", branch, err)
	}
	if base == "" {
		base = m.main
	}

	path := m.WorktreePath(branch)
	if err := os.MkdirAll(m.worktreesDir, 0755); err != nil {
		return "", fmt.Errorf("create worktree %s: %w", branch, err)
	}
	// Clears registrations whose directories were deleted out from under git.
	if _, err := m.git(ctx, m.root, "worktree", "prune"); err != nil {
		m.log.Warn("worktree prune failed", "error", err)
	}

	args := []string{"worktree", "add", path, branch}
	if !exists {
		args = []string{"worktree", "add", "-b", branch, path, base}
	}
	if _, err := m.git(ctx, m.root, args...); err != nil {
		return "", fmt.Errorf("create worktree %s: %w", branch, err)
	}
	m.log.Info("created worktree", "branch", branch, "path", path, "new_branch", !exists)
	return absPath(path), nil
}

// ListWorktrees returns every worktree of the repository, main included.
func (m *Manager) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	out, err := m.git(ctx, m.root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return ParseWorktreeListPorcelain(out), nil
}

// FindWorktree returns the worktree with branch checked out, or nil.
func (m *Manager) FindWorktree(ctx context.Context, branch string) (*Worktree, error) {
	wts, err := m.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for i := range wts {
		if wts[i].Branch == branch {
			return &wts[i], nil
		}
	}
	return nil, nil
}

// RemoveWorktree deletes the worktree directory and the branch. Either may
// already be gone; when nothing was left to remove the result says so.
func (m *Manager) RemoveWorktree(ctx context.Context, branch string) (*RemoveResult, error) {
	if branch == m.main {
		return nil, fmt.Errorf("remove worktree %s: refusing to remove the main branch", branch)
	}
	m.wtMu.Lock()
	defer m.wtMu.Unlock()

	res := &RemoveResult{Branch: branch}
	wt, err := m.FindWorktree(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("remove worktree %s: %w", branch, err)
	}

	path := m.WorktreePath(branch)
	if wt != nil {
		if wt.Path == m.root {
			return nil, fmt.Errorf("remove worktree %s: branch is checked out in the main working tree", branch)
		}
		path = wt.Path
		if _, err := m.git(ctx, m.root, "worktree", "remove", "--force", path); err != nil {
			m.log.Warn("worktree remove failed, deleting directory", "path", path, "error", err)
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("remove worktree %s: %w", branch, err)
			}
		}
		res.Removed = true
	} else if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove worktree %s: %w", branch, err)
		}
		res.Removed = true
	}
	if _, err := m.git(ctx, m.root, "worktree", "prune"); err != nil {
		m.log.Warn("worktree prune failed", "error", err)
	}

	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("remove worktree %s: %w", branch, err)
	}
	if exists {
		if _, err := m.git(ctx, m.root, "branch", "-D", branch); err != nil {
			return nil, fmt.Errorf("remove worktree %s: delete branch: %w", branch, err)
		}
		res.Removed = true
	}

	m.locks.Delete(path)
	if res.Removed {
		res.Message = "worktree and branch removed"
		m.log.Info("removed worktree", "branch", branch, "path", path)
	} else {
		res.Message = "already removed"
	}
	return res, nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
// Detached worktrees have an empty Branch.
func ParseWorktreeListPorcelain(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Worktree{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
