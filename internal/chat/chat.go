// Package chat runs user conversations: it resolves the session's branch
// and worktree, starts agent turns in the background, and relays their
// events to the session's subscribers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/sitedit/internal/agent"
	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/files"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/review"
	"github.com/joescharf/sitedit/internal/sessions"
)

var (
	// ErrNoUsername is returned when a session sends before naming itself.
	ErrNoUsername = review.ErrNoUsername
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is required")
)

// Runner answers one turn. *agent.Agent implements it.
type Runner interface {
	Run(ctx context.Context, t agent.Turn) (*agent.Result, error)
}

// Service is the chat front end shared by every session.
type Service struct {
	sessions *sessions.Registry
	git      *git.Manager
	agent    Runner
	review   *review.Service
	hub      *events.Hub
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	// locks orders Send and Submit within a session, so a submission
	// cannot slip in while a turn is being started.
	locks sessionLocks

	mu       sync.Mutex
	watchers map[string]*files.FS
}

// NewService returns a chat service. Turns run under an internal context
// that Close cancels.
func NewService(reg *sessions.Registry, g *git.Manager, runner Runner, rev *review.Service, hub *events.Hub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sessions: reg,
		git:      g,
		agent:    runner,
		review:   rev,
		hub:      hub,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*files.FS),
	}
	reg.OnRemove(s.Unwatch)
	return s
}

// SendOptions modify how a message picks its branch.
type SendOptions struct {
	// NewFeature starts a fresh branch even if the session has one.
	NewFeature bool
	// FeatureDescription names the new branch; defaults to the message.
	FeatureDescription string
}

// Accepted is returned when a turn has been started.
type Accepted struct {
	RequestID  string `json:"requestId"`
	BranchName string `json:"branchName"`
}

// Send starts an agent turn for message in the background and returns at
// once. Any turn already running for the session is cancelled.
func (s *Service) Send(ctx context.Context, sessionID, message string, opts SendOptions) (*Accepted, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	username := s.sessions.Username(sessionID)
	if username == "" {
		return nil, ErrNoUsername
	}
	defer s.locks.lock(sessionID)()
	branch, dir, err := s.ensureBranch(ctx, sessionID, username, message, opts)
	if err != nil {
		return nil, err
	}

	turnCtx, requestID := s.sessions.BeginRequest(s.ctx, sessionID)
	history := s.sessions.History(sessionID)
	s.sessions.AppendMessage(sessionID, models.NewTextMessage(models.RoleUser, message))

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		s.runTurn(turnCtx, sessionID, requestID, agent.Turn{
			Username: username,
			Branch:   branch,
			Dir:      dir,
			History:  history,
			Message:  message,
			Emit:     s.hub.Emitter(sessionID, requestID),
		})
	}()
	return &Accepted{RequestID: requestID, BranchName: branch}, nil
}

func (s *Service) runTurn(ctx context.Context, sessionID, requestID string, t agent.Turn) {
	defer s.sessions.ClearActiveRequest(sessionID, requestID)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("agent turn panicked", "session_id", sessionID, "request_id", requestID, "panic", r)
			t.Emit(events.New(events.Error, map[string]any{"error": fmt.Sprintf("internal error: %v", r)}))
		}
	}()

	started := time.Now()
	res, err := s.agent.Run(ctx, t)
	if res != nil && res.Text != "" {
		s.sessions.AppendMessage(sessionID, models.NewTextMessage(models.RoleAssistant, res.Text))
	}
	// Cleared before the final event so a client may submit on message:done.
	s.sessions.ClearActiveRequest(sessionID, requestID)
	if err != nil {
		s.log.Warn("agent turn failed", "session_id", sessionID, "request_id", requestID, "error", err)
		if res == nil {
			t.Emit(events.New(events.Error, map[string]any{"error": err.Error()}))
		}
		return
	}
	s.log.Info("agent turn finished",
		"session_id", sessionID,
		"request_id", requestID,
		"branch", t.Branch,
		"model_calls", res.ModelCalls,
		"tool_calls", res.ToolCalls,
		"commits", res.Commits,
		"cancelled", res.Cancelled,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	t.Emit(events.New(events.MessageDone, map[string]any{
		"text":         res.Text,
		"cancelled":    res.Cancelled,
		"commits":      res.Commits,
		"changedFiles": res.ChangedFiles,
		"branchName":   t.Branch,
	}))
}

// ensureBranch returns the session's branch and its worktree, creating a
// new feature branch off main when needed.
func (s *Service) ensureBranch(ctx context.Context, sessionID, username, message string, opts SendOptions) (string, string, error) {
	branch := s.sessions.ActiveBranch(sessionID)
	if branch == "" || opts.NewFeature {
		feature := opts.FeatureDescription
		if feature == "" {
			feature = message
		}
		branch = git.BranchName(username, feature, branchToken(sessionID))
	}
	dir, err := s.git.CreateWorktree(ctx, branch, s.git.MainBranch())
	if err != nil {
		return "", "", err
	}
	s.sessions.SetActiveBranch(sessionID, branch)
	return branch, dir, nil
}

// branchToken is a session-id prefix plus a base-36 timestamp, unique per
// session and per feature.
func branchToken(sessionID string) string {
	prefix := git.Slugify(sessionID)
	prefix = strings.ReplaceAll(prefix, "-", "")
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 36)
	if prefix == "" {
		return stamp
	}
	return prefix + "-" + stamp
}

// Cancel stops the session's running turn.
func (s *Service) Cancel(sessionID string) bool {
	return s.sessions.CancelActiveRequest(sessionID)
}

// CancelRequest stops a turn by request id. sessionID, when given, must own it.
func (s *Service) CancelRequest(requestID, sessionID string) bool {
	return s.sessions.CancelRequest(requestID, sessionID)
}

// Submit queues the session's branch for review. It fails with
// review.ErrTurnRunning while a turn is still editing the branch.
func (s *Service) Submit(ctx context.Context, sessionID, description string) (*models.ChangeRequest, error) {
	defer s.locks.lock(sessionID)()
	branch := s.sessions.ActiveBranch(sessionID)
	r, err := s.review.Submit(ctx, sessionID, description)
	if err != nil {
		return nil, err
	}
	s.Unwatch(sessionID)
	s.hub.Publish(sessionID, events.New(events.RequestSubmitted, map[string]any{
		"requestId": r.ID, "branchName": branch, "description": r.Description,
	}))
	return r, nil
}

// Watch streams file changes in the session's worktree as file:changed events.
func (s *Service) Watch(ctx context.Context, sessionID string) error {
	branch := s.sessions.ActiveBranch(sessionID)
	if branch == "" {
		return review.ErrNoBranch
	}
	dir, err := s.git.CreateWorktree(ctx, branch, s.git.MainBranch())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.watchers[sessionID]; ok {
		prev.Unwatch()
	}
	fs := files.New(dir)
	err = fs.Watch(func(kind files.EventKind, path string) {
		s.hub.Publish(sessionID, events.New(events.FileChanged, map[string]any{"event": string(kind), "path": path}))
	})
	if err != nil {
		return err
	}
	s.watchers[sessionID] = fs
	return nil
}

// Unwatch stops the session's file watch, if any.
func (s *Service) Unwatch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.watchers[sessionID]; ok {
		fs.Unwatch()
		delete(s.watchers, sessionID)
	}
}

// Files returns the file tree of the session's worktree, or of main when
// the session has no branch.
func (s *Service) Files(ctx context.Context, sessionID string) ([]*files.Node, error) {
	dir := s.git.Root()
	if branch := s.sessions.ActiveBranch(sessionID); branch != "" {
		wt, err := s.git.FindWorktree(ctx, branch)
		if err != nil {
			return nil, err
		}
		if wt != nil {
			dir = wt.Path
		}
	}
	return files.New(dir).ListTree()
}

// EndSession stops watches and turns for sessionID and forgets it.
func (s *Service) EndSession(sessionID string) bool {
	return s.sessions.DeleteSession(sessionID)
}

// Wait blocks until every running turn has returned.
func (s *Service) Wait() { s.turns.Wait() }

// Close cancels running turns, stops every watch and waits for turns to exit.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for id, fs := range s.watchers {
		fs.Unwatch()
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	s.turns.Wait()
}
