package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConflictError is returned when a merge stops on conflicting paths. The
// repository has already been restored to its pre-merge state.
type ConflictError struct {
	Branch  string
	Target  string
	Files   []string
	Summary string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict merging %s into %s: %s", e.Branch, e.Target, strings.Join(e.Files, ", "))
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// SyncResult reports the outcome of SyncBranchWithMain.
type SyncResult struct {
	Branch       string   `json:"branch"`
	Success      bool     `json:"success"`
	HasConflicts bool     `json:"hasConflicts"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Message      string   `json:"message"`
	Forced       bool     `json:"forced,omitempty"`
	CheckOnly    bool     `json:"checkOnly,omitempty"`
	BehindMain   bool     `json:"behindMain"`
}

// MergeToMain merges branch into main with a non-fast-forward merge commit
// naming the approver. When a remote is configured main is fast-forwarded
// from it first; failure to do so is logged and ignored. A conflicting merge
// is aborted and reported as *ConflictError.
func (m *Manager) MergeToMain(ctx context.Context, branch, approvedBy string) error {
	if branch == m.main {
		return fmt.Errorf("merge %s: cannot merge the main branch into itself", branch)
	}
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	if !exists {
		return fmt.Errorf("merge %s: branch %w", branch, ErrNotFound)
	}

	defer m.lock(m.root)()

	cur, err := m.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	if cur != m.main {
		if err := m.checkout(ctx, m.main); err != nil {
			return fmt.Errorf("merge %s: %w", branch, err)
		}
	}

	if m.HasRemote(ctx) {
		if _, err := m.git(ctx, m.root, "pull", "--ff-only", m.remote, m.main); err != nil {
			m.log.Warn("could not update main from remote", "remote", m.remote, "error", err)
		}
	}

	if approvedBy == "" {
		approvedBy = "admin"
	}
	msg := fmt.Sprintf("Merge branch '%s' (approved by %s)", branch, approvedBy)
	if _, err := m.git(ctx, m.root, "merge", "--no-ff", "-m", msg, branch); err != nil {
		files := m.conflictFiles(ctx, m.root)
		m.restore(ctx, m.root)
		if len(files) > 0 {
			return &ConflictError{
				Branch:  branch,
				Target:  m.main,
				Files:   files,
				Summary: m.conflictSummary(ctx, branch, files, "awaiting a sync with main"),
			}
		}
		return fmt.Errorf("merge %s into %s: %w", branch, m.main, err)
	}
	m.log.Info("merged branch", "branch", branch, "into", m.main, "approved_by", approvedBy)
	return nil
}

// SyncBranchWithMain brings main's changes into branch inside its worktree.
//
// With force the branch is hard-reset to main, discarding its changes.
// With checkOnly a trial merge is made and always reverted. Otherwise main
// is merged in; on conflict the merge is aborted and the result lists the
// conflicting files with a summary of what a forced sync would discard.
func (m *Manager) SyncBranchWithMain(ctx context.Context, branch string, force, checkOnly bool) (*SyncResult, error) {
	if branch == m.main {
		return nil, fmt.Errorf("sync %s: cannot sync the main branch with itself", branch)
	}
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", branch, err)
	}
	if !exists {
		return nil, fmt.Errorf("sync %s: branch %w", branch, ErrNotFound)
	}
	dir, err := m.CreateWorktree(ctx, branch, m.main)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", branch, err)
	}

	res := &SyncResult{Branch: branch, CheckOnly: checkOnly}
	if res.BehindMain, err = m.IsBranchBehindMain(ctx, branch); err != nil {
		return nil, fmt.Errorf("sync %s: %w", branch, err)
	}

	defer m.lock(dir)()

	if force {
		if _, err := m.git(ctx, dir, "reset", "--hard", m.main); err != nil {
			return nil, fmt.Errorf("sync %s: force reset: %w", branch, err)
		}
		res.Success = true
		res.Forced = true
		res.BehindMain = false
		res.Message = fmt.Sprintf("Branch reset to %s", m.main)
		return res, nil
	}

	if checkOnly {
		_, mergeErr := m.git(ctx, dir, "merge", "--no-commit", "--no-ff", m.main)
		conflicts := m.conflictFiles(ctx, dir)
		m.restore(ctx, dir)
		switch {
		case len(conflicts) > 0:
			res.HasConflicts = true
			res.Conflicts = conflicts
			res.Summary = m.conflictSummary(ctx, branch, conflicts, "that a forced sync would discard")
			res.Message = fmt.Sprintf("Syncing with %s would conflict in %d file(s)", m.main, len(conflicts))
		case mergeErr != nil:
			return nil, fmt.Errorf("sync %s: check merge: %w", branch, mergeErr)
		default:
			res.Success = true
			res.Message = fmt.Sprintf("No conflicts with %s", m.main)
		}
		return res, nil
	}

	if !res.BehindMain {
		res.Success = true
		res.Message = fmt.Sprintf("Already up to date with %s", m.main)
		return res, nil
	}

	msg := fmt.Sprintf("Sync with %s", m.main)
	if _, err := m.git(ctx, dir, "merge", "--no-ff", "-m", msg, m.main); err != nil {
		conflicts := m.conflictFiles(ctx, dir)
		m.restore(ctx, dir)
		if len(conflicts) == 0 {
			return nil, fmt.Errorf("sync %s: %w", branch, err)
		}
		res.HasConflicts = true
		res.Conflicts = conflicts
		res.Summary = m.conflictSummary(ctx, branch, conflicts, "that a forced sync would discard")
		res.Message = fmt.Sprintf("Merge conflicts with %s in %d file(s)", m.main, len(conflicts))
		return res, nil
	}
	res.Success = true
	res.BehindMain = false
	res.Message = fmt.Sprintf("Synced with %s", m.main)
	return res, nil
}

// conflictFiles lists the unmerged paths in dir.
func (m *Manager) conflictFiles(ctx context.Context, dir string) []string {
	out, err := m.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		m.log.Warn("could not list conflicting files", "dir", dir, "error", err)
		return nil
	}
	return splitLines(out)
}

func (m *Manager) conflictSummary(ctx context.Context, branch string, conflicts []string, what string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conflicting files:\n")
	for _, f := range conflicts {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	if stat, err := m.DiffStat(ctx, m.main, branch); err == nil && stat != "" {
		fmt.Fprintf(&b, "\nChanges on %s %s:\n%s\n", branch, what, stat)
	}
	return strings.TrimRight(b.String(), "\n")
}

// restore abandons an in-progress merge in dir. If the abort fails the
// index and working tree are reset.
func (m *Manager) restore(ctx context.Context, dir string) {
	if !m.mergeInProgress(ctx, dir) {
		return
	}
	_, err := m.git(ctx, dir, "merge", "--abort")
	if err == nil {
		return
	}
	m.log.Warn("merge abort failed, resetting", "dir", dir, "error", err)
	if _, err := m.git(ctx, dir, "reset", "--merge"); err == nil {
		return
	}
	if _, err := m.git(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		m.log.Error("could not restore working tree after merge", "dir", dir, "error", err)
	}
}

func (m *Manager) mergeInProgress(ctx context.Context, dir string) bool {
	path, err := m.git(ctx, dir, "rev-parse", "--git-path", "MERGE_HEAD")
	if err != nil {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	_, err = os.Stat(path)
	return err == nil
}
