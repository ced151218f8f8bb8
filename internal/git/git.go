// Package git owns the git state of the managed site: branch and worktree
// lifecycle, attributed commits, three-dot diffs, and conflict-aware merge
// and sync. Every operation shells out to the git CLI.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when a branch or worktree does not exist.
var ErrNotFound = errors.New("not found")

// TrailerKey is the commit-message trailer naming the user who requested a change.
const TrailerKey = "Requested-by"

// Config configures a Manager.
type Config struct {
	Root         string // site repository (the main working tree)
	WorktreesDir string // defaults to Root + ".worktrees"
	MainBranch   string // defaults to "main"
	Remote       string // optional; main is fast-forwarded from it before merges
	AuthorName   string
	AuthorEmail  string
	Logger       *slog.Logger
}

// Manager is the sole owner of git state for one site repository.
type Manager struct {
	root         string
	worktreesDir string
	main         string
	remote       string
	authorName   string
	authorEmail  string
	log          *slog.Logger

	wtMu  sync.Mutex // worktree add/remove
	locks sync.Map   // dir -> *sync.Mutex
}

// NewManager returns a Manager for cfg. The repository does not need to
// exist yet; see InitRepo.
func NewManager(cfg Config) *Manager {
	root := absPath(cfg.Root)
	wtDir := cfg.WorktreesDir
	if wtDir == "" {
		wtDir = root + ".worktrees"
	}
	m := &Manager{
		root:         root,
		worktreesDir: absPath(wtDir),
		main:         cfg.MainBranch,
		remote:       cfg.Remote,
		authorName:   cfg.AuthorName,
		authorEmail:  cfg.AuthorEmail,
		log:          cfg.Logger,
	}
	if m.main == "" {
		m.main = "main"
	}
	if m.authorName == "" {
		m.authorName = "sitedit"
	}
	if m.authorEmail == "" {
		m.authorEmail = "sitedit@localhost"
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Root returns the main working tree path.
func (m *Manager) Root() string { return m.root }

// MainBranch returns the name of the published branch.
func (m *Manager) MainBranch() string { return m.main }

// WorktreesDir returns the directory holding per-branch worktrees.
func (m *Manager) WorktreesDir() string { return m.worktreesDir }

// lock serialises git operations that touch one working directory.
func (m *Manager) lock(dir string) func() {
	v, _ := m.locks.LoadOrStore(dir, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// git runs a git subcommand in dir and returns its trimmed stdout.
// Failures are reported as "git <args>: <output>".
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := m.gitRaw(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// gitRaw is git without trimming, for output whose trailing newline matters.
func (m *Manager) gitRaw(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{
		"-C", dir,
		"-c", "user.name=" + m.authorName,
		"-c", "user.email=" + m.authorEmail,
	}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_MERGE_AUTOEDIT=no", "GIT_EDITOR=true")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(out)
		}
		return out, &CommandError{Args: args, Output: msg, Err: err}
	}
	return out, nil
}

// CommandError describes a failed git invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the git exit status, or -1 if git did not run.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func exitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode()
	}
	return -1
}

// InitRepo initialises a repository at the root with an initial commit of
// the current tree. It is a no-op when a repository already exists.
// The returned bool reports whether a repository was created.
func (m *Manager) InitRepo(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(m.root, ".git")); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return false, fmt.Errorf("init repo: %w", err)
	}
	defer m.lock(m.root)()

	steps := [][]string{
		{"init"},
		{"symbolic-ref", "HEAD", "refs/heads/" + m.main},
		{"add", "-A"},
		{"commit", "--allow-empty", "-m", "Initial commit"},
	}
	for _, args := range steps {
		if _, err := m.git(ctx, m.root, args...); err != nil {
			return false, fmt.Errorf("init repo: %w", err)
		}
	}
	m.log.Info("initialized site repository", "path", m.root, "branch", m.main)
	return true, nil
}

// CurrentBranch returns the branch checked out in the main working tree.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, m.root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := m.git(ctx, m.root, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, fmt.Errorf("branch exists %s: %w", name, err)
	}
	return true, nil
}

// CreateBranch creates newBranch pointing at base without checking it out.
func (m *Manager) CreateBranch(ctx context.Context, base, newBranch string) error {
	if _, err := m.git(ctx, m.root, "branch", newBranch, base); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", newBranch, base, err)
	}
	return nil
}

// CheckoutBranch checks out name in the main working tree.
func (m *Manager) CheckoutBranch(ctx context.Context, name string) error {
	defer m.lock(m.root)()
	return m.checkout(ctx, name)
}

func (m *Manager) checkout(ctx context.Context, name string) error {
	if _, err := m.git(ctx, m.root, "checkout", name); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// DeleteBranch force-deletes a branch. If the main working tree has it
// checked out, main is checked out first; an attached worktree is removed.
func (m *Manager) DeleteBranch(ctx context.Context, name string) error {
	if name == m.main {
		return fmt.Errorf("delete branch %s: refusing to delete the main branch", name)
	}
	if wt, err := m.FindWorktree(ctx, name); err == nil && wt != nil && wt.Path != m.root {
		_, err := m.RemoveWorktree(ctx, name)
		return err
	}

	unlock := m.lock(m.root)
	defer unlock()
	cur, err := m.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	if cur == name {
		if err := m.checkout(ctx, m.main); err != nil {
			return fmt.Errorf("delete branch %s: %w", name, err)
		}
	}
	if _, err := m.git(ctx, m.root, "branch", "-D", name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// ListBranches returns local branches whose names start with prefix.
func (m *Manager) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	args := []string{"branch", "--list", "--format=%(refname:short)"}
	if prefix != "" {
		args = append(args, prefix+"*")
	}
	out, err := m.git(ctx, m.root, args...)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return splitLines(out), nil
}

// Commit stages every change in the target and commits it with a
// Requested-by trailer naming author. target is a worktree directory or a
// branch with a worktree. A clean tree is not an error: it returns false.
func (m *Manager) Commit(ctx context.Context, target, message, author string) (bool, error) {
	dir, err := m.resolveTarget(ctx, target)
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	defer m.lock(dir)()

	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("commit: stage changes: %w", err)
	}
	if _, err := m.git(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		m.log.Debug("nothing to commit", "dir", dir)
		return false, nil
	} else if exitCode(err) != 1 {
		return false, fmt.Errorf("commit: check staged changes: %w", err)
	}

	if author == "" {
		author = "anonymous"
	}
	msg := fmt.Sprintf("%s\n\n%s: %s", message, TrailerKey, author)
	if _, err := m.git(ctx, dir, "commit", "-m", msg); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (m *Manager) resolveTarget(ctx context.Context, target string) (string, error) {
	if filepath.IsAbs(target) {
		if info, err := os.Stat(target); err == nil && info.IsDir() {
			return absPath(target), nil
		}
		return "", fmt.Errorf("directory %s: %w", target, ErrNotFound)
	}
	if target == m.main {
		return m.root, nil
	}
	wt, err := m.FindWorktree(ctx, target)
	if err != nil {
		return "", err
	}
	if wt == nil {
		return "", fmt.Errorf("worktree for branch %s: %w", target, ErrNotFound)
	}
	return wt.Path, nil
}

// Diff returns the three-dot diff base...compare: what compare introduced
// since it diverged from base. The patch keeps its trailing newline so it
// can be fed to git apply.
func (m *Manager) Diff(ctx context.Context, base, compare string) (string, error) {
	out, err := m.gitRaw(ctx, m.root, "diff", base+"..."+compare)
	if err != nil {
		return "", fmt.Errorf("diff %s...%s: %w", base, compare, err)
	}
	return out, nil
}

// DiffStat returns the --stat summary of base...compare.
func (m *Manager) DiffStat(ctx context.Context, base, compare string) (string, error) {
	out, err := m.git(ctx, m.root, "diff", "--stat", base+"..."+compare)
	if err != nil {
		return "", fmt.Errorf("diff stat %s...%s: %w", base, compare, err)
	}
	return out, nil
}

// ChangedFiles lists the paths compare changed since diverging from base.
func (m *Manager) ChangedFiles(ctx context.Context, base, compare string) ([]string, error) {
	out, err := m.git(ctx, m.root, "diff", "--name-only", base+"..."+compare)
	if err != nil {
		return nil, fmt.Errorf("changed files %s...%s: %w", base, compare, err)
	}
	return splitLines(out), nil
}

// IsBranchBehindMain reports whether main has commits the branch lacks.
func (m *Manager) IsBranchBehindMain(ctx context.Context, branch string) (bool, error) {
	n, err := m.countCommits(ctx, branch, m.main)
	if err != nil {
		return false, fmt.Errorf("branch behind main %s: %w", branch, err)
	}
	return n > 0, nil
}

// BranchStatus summarises a branch relative to main.
type BranchStatus struct {
	Branch       string `json:"branch"`
	Exists       bool   `json:"exists"`
	Ahead        int    `json:"ahead"`
	Behind       int    `json:"behind"`
	BehindMain   bool   `json:"behindMain"`
	WorktreePath string `json:"worktreePath,omitempty"`
}

// Status returns ahead/behind counts of branch against main.
func (m *Manager) Status(ctx context.Context, branch string) (*BranchStatus, error) {
	st := &BranchStatus{Branch: branch}
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return st, nil
	}
	st.Exists = true
	if st.Ahead, err = m.countCommits(ctx, m.main, branch); err != nil {
		return nil, fmt.Errorf("branch status %s: %w", branch, err)
	}
	if st.Behind, err = m.countCommits(ctx, branch, m.main); err != nil {
		return nil, fmt.Errorf("branch status %s: %w", branch, err)
	}
	st.BehindMain = st.Behind > 0
	if wt, err := m.FindWorktree(ctx, branch); err == nil && wt != nil {
		st.WorktreePath = wt.Path
	}
	return st, nil
}

// countCommits counts commits reachable from to but not from from.
func (m *Manager) countCommits(ctx context.Context, from, to string) (int, error) {
	out, err := m.git(ctx, m.root, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// HasRemote reports whether the configured remote exists.
func (m *Manager) HasRemote(ctx context.Context) bool {
	if m.remote == "" {
		return false
	}
	out, err := m.git(ctx, m.root, "remote")
	if err != nil {
		return false
	}
	for _, r := range splitLines(out) {
		if r == m.remote {
			return true
		}
	}
	return false
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
