// Package review implements the change-set workflow around the queue:
// submitting a session's branch, and approving, rejecting or withdrawing it
// with the matching git side effects.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/sessions"
)

var (
	// ErrNoUsername is returned when the session has not set a username.
	ErrNoUsername = errors.New("username is required")
	// ErrNoBranch is returned when the session has no active branch.
	ErrNoBranch = errors.New("no active branch")
	// ErrNothingToSubmit is returned when the branch has no changes against main.
	ErrNothingToSubmit = errors.New("branch has no changes to submit")
	// ErrTurnRunning is returned when a submission races an agent turn that
	// is still editing the branch.
	ErrTurnRunning = fmt.Errorf("an agent turn is still running; wait for it or cancel it: %w", queue.ErrInvalidState)
)

const maxDescription = 120

// Service composes the queue, git and session registry.
type Service struct {
	// mu is held from the pending check through the git side effects to the
	// status change, so approve, reject and cancel of one entry exclude
	// each other.
	mu         sync.Mutex
	queue      *queue.Queue
	git        *git.Manager
	sessions   *sessions.Registry
	summarizer llm.Summarizer
	log        *slog.Logger
}

// NewService returns a review service. summarizer may be nil, in which
// case empty descriptions fall back to the first user message.
func NewService(q *queue.Queue, g *git.Manager, reg *sessions.Registry, summarizer llm.Summarizer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{queue: q, git: g, sessions: reg, summarizer: summarizer, log: log}
}

// Queue returns the underlying queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Submit queues the session's active branch for review and detaches it
// from the session, so the next message starts a new feature.
func (s *Service) Submit(ctx context.Context, sessionID, description string) (*models.ChangeRequest, error) {
	username := s.sessions.Username(sessionID)
	if username == "" {
		return nil, ErrNoUsername
	}
	branch := s.sessions.ActiveBranch(sessionID)
	if branch == "" {
		return nil, ErrNoBranch
	}
	if s.sessions.ActiveRequest(sessionID) != "" {
		return nil, ErrTurnRunning
	}
	changed, err := s.git.ChangedFiles(ctx, s.git.MainBranch(), branch)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", branch, err)
	}
	if len(changed) == 0 {
		return nil, ErrNothingToSubmit
	}

	history := s.sessions.History(sessionID)
	description = strings.TrimSpace(description)
	if description == "" {
		description = s.describe(ctx, branch, history)
	}

	r, err := s.queue.AddRequest(ctx, queue.NewRequest{
		Username:     username,
		BranchName:   branch,
		Description:  description,
		Conversation: history,
	})
	if err != nil {
		return nil, err
	}
	s.sessions.SetActiveBranch(sessionID, "")
	return r, nil
}

// describe produces a description for a submission that has none.
func (s *Service) describe(ctx context.Context, branch string, history []models.Message) string {
	if s.summarizer != nil {
		stat, _ := s.git.DiffStat(ctx, s.git.MainBranch(), branch)
		summary, err := s.summarizer.Summarize(ctx, history, stat)
		if err == nil && summary != "" {
			return summary
		}
		if err != nil {
			s.log.Warn("could not summarize change request", "branch", branch, "error", err)
		}
	}
	for _, m := range history {
		if m.Role == models.RoleUser {
			if text := strings.TrimSpace(m.Text()); text != "" {
				return clip(text, maxDescription)
			}
		}
	}
	return "Changes on " + branch
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}

// pending fetches id and checks it can still be reviewed.
func (s *Service) pending(ctx context.Context, id string) (*models.ChangeRequest, error) {
	r, err := s.queue.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestStatusPending {
		return nil, fmt.Errorf("request %s is %s, not pending: %w", id, r.Status, queue.ErrInvalidState)
	}
	return r, nil
}

// Approve merges the request's branch into main, removes its worktree and
// marks it approved. On a merge conflict the entry stays pending and the
// *git.ConflictError is returned.
func (s *Service) Approve(ctx context.Context, id, admin, note string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.git.MergeToMain(ctx, r.BranchName, admin); err != nil {
		return nil, err
	}
	s.removeBranch(ctx, r.BranchName)
	approved, err := s.queue.Approve(ctx, id, admin, note)
	if err != nil {
		return nil, err
	}
	s.sessions.DetachBranch(r.BranchName)
	return approved, nil
}

// Reject discards the request's branch and marks it rejected.
func (s *Service) Reject(ctx context.Context, id, admin, note string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	rejected, err := s.queue.Reject(ctx, id, admin, note)
	if err != nil {
		return nil, err
	}
	s.removeBranch(ctx, r.BranchName)
	s.sessions.DetachBranch(r.BranchName)
	return rejected, nil
}

func (s *Service) removeBranch(ctx context.Context, branch string) {
	if _, err := s.git.RemoveWorktree(ctx, branch); err != nil {
		s.log.Warn("could not remove worktree", "branch", branch, "error", err)
	}
}

// Cancel withdraws username's pending request. The branch is kept and, if
// sessionID has no active branch, reattached so editing can continue.
func (s *Service) Cancel(ctx context.Context, id, username, sessionID string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.queue.Cancel(ctx, id, username)
	if err != nil {
		return nil, err
	}
	if sessionID != "" && s.sessions.ActiveBranch(sessionID) == "" {
		if exists, err := s.git.BranchExists(ctx, r.BranchName); err == nil && exists {
			s.sessions.SetActiveBranch(sessionID, r.BranchName)
		}
	}
	return r, nil
}

// Details is a request with its change-set.
type Details struct {
	*models.ChangeRequest
	Diff         string            `json:"diff"`
	DiffStat     string            `json:"diffStat"`
	ChangedFiles []string          `json:"changedFiles"`
	BranchExists bool              `json:"branchExists"`
	Branch       *git.BranchStatus `json:"branchStatus,omitempty"`
}

// Details returns id with its three-dot diff against main. Reviewed
// requests whose branch is gone have an empty diff.
func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	r, err := s.queue.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Details{ChangeRequest: r, ChangedFiles: []string{}}
	st, err := s.git.Status(ctx, r.BranchName)
	if err != nil {
		return nil, err
	}
	if !st.Exists {
		return d, nil
	}
	d.BranchExists = true
	d.Branch = st
	main := s.git.MainBranch()
	if d.Diff, err = s.git.Diff(ctx, main, r.BranchName); err != nil {
		return nil, err
	}
	if d.DiffStat, err = s.git.DiffStat(ctx, main, r.BranchName); err != nil {
		return nil, err
	}
	files, err := s.git.ChangedFiles(ctx, main, r.BranchName)
	if err != nil {
		return nil, err
	}
	if files != nil {
		d.ChangedFiles = files
	}
	return d, nil
}

// Sync brings main into branch. See git.Manager.SyncBranchWithMain.
func (s *Service) Sync(ctx context.Context, branch string, force, checkOnly bool) (*git.SyncResult, error) {
	if branch == "" {
		return nil, ErrNoBranch
	}
	return s.git.SyncBranchWithMain(ctx, branch, force, checkOnly)
}

// BranchStatus reports branch against main.
func (s *Service) BranchStatus(ctx context.Context, branch string) (*git.BranchStatus, error) {
	if branch == "" {
		return nil, ErrNoBranch
	}
	return s.git.Status(ctx, branch)
}
