// Package queue is the admin review queue: submitted change-sets move from
// pending to exactly one of approved, rejected or cancelled.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/store"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidState is returned for a transition out of a terminal
	// status, or a cancel by someone other than the owner.
	ErrInvalidState = errors.New("invalid request state")
)

// DefaultRetention is how long entries are kept before CleanupOld purges them.
const DefaultRetention = 30 * 24 * time.Hour

// NewRequest describes a change-set being submitted for review.
type NewRequest struct {
	Username     string
	BranchName   string
	Description  string
	Conversation []models.Message
}

// Stats counts entries by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
}

// Queue serialises all mutations so each read-modify-write of an entry is
// atomic with respect to other admin actions.
type Queue struct {
	store store.Store
	mu    sync.Mutex
	now   func() time.Time
	log   *slog.Logger
}

// New returns a queue over s.
func New(s store.Store, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: s, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// AddRequest records a new pending entry. A branch may have only one
// pending entry at a time.
func (q *Queue) AddRequest(ctx context.Context, nr NewRequest) (*models.ChangeRequest, error) {
	if strings.TrimSpace(nr.Username) == "" {
		return nil, fmt.Errorf("add request: username is required")
	}
	if strings.TrimSpace(nr.BranchName) == "" {
		return nil, fmt.Errorf("add request: branch name is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.store.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}
	for _, r := range all {
		if r.BranchName == nr.BranchName && r.Status == models.RequestStatusPending {
			return nil, fmt.Errorf("add request: branch %s already has pending request %s: %w", nr.BranchName, r.ID, ErrInvalidState)
		}
	}

	r := &models.ChangeRequest{
		ID:           store.NewRequestID(),
		Username:     nr.Username,
		BranchName:   nr.BranchName,
		Description:  nr.Description,
		Conversation: nr.Conversation,
		SubmittedAt:  q.now(),
		Status:       models.RequestStatusPending,
	}
	if r.Conversation == nil {
		r.Conversation = []models.Message{}
	}
	if err := q.store.SaveRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}
	q.log.Info("change request submitted", "id", r.ID, "user", r.Username, "branch", r.BranchName)
	return r, nil
}

// GetPending returns the entries still awaiting review.
func (q *Queue) GetPending(ctx context.Context) ([]*models.ChangeRequest, error) {
	return q.GetAll(ctx, models.RequestStatusPending)
}

// GetAll returns every entry, or only those with status when it is non-empty.
func (q *Queue) GetAll(ctx context.Context, status models.RequestStatus) ([]*models.ChangeRequest, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return q.filter(ctx, func(r *models.ChangeRequest) bool {
		return status == "" || r.Status == status
	})
}

// GetByUser returns every entry submitted by username.
func (q *Queue) GetByUser(ctx context.Context, username string) ([]*models.ChangeRequest, error) {
	return q.filter(ctx, func(r *models.ChangeRequest) bool { return r.Username == username })
}

func (q *Queue) filter(ctx context.Context, keep func(*models.ChangeRequest) bool) ([]*models.ChangeRequest, error) {
	all, err := q.store.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	out := make([]*models.ChangeRequest, 0, len(all))
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetByID returns the entry with id.
func (q *Queue) GetByID(ctx context.Context, id string) (*models.ChangeRequest, error) {
	return q.store.GetRequest(ctx, id)
}

// Approve marks a pending entry approved by reviewer.
func (q *Queue) Approve(ctx context.Context, id, reviewer, note string) (*models.ChangeRequest, error) {
	return q.review(ctx, id, models.RequestStatusApproved, reviewer, note)
}

// Reject marks a pending entry rejected by reviewer.
func (q *Queue) Reject(ctx context.Context, id, reviewer, note string) (*models.ChangeRequest, error) {
	return q.review(ctx, id, models.RequestStatusRejected, reviewer, note)
}

func (q *Queue) review(ctx context.Context, id string, to models.RequestStatus, reviewer, note string) (*models.ChangeRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestStatusPending {
		return nil, fmt.Errorf("request %s is %s, not pending: %w", id, r.Status, ErrInvalidState)
	}
	now := q.now()
	r.Status = to
	r.ReviewedBy = reviewer
	r.ReviewedAt = &now
	r.ReviewNote = note
	if err := q.store.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	q.log.Info("change request reviewed", "id", id, "status", to, "reviewer", reviewer)
	return r, nil
}

// Cancel withdraws a pending entry. Only its owner may cancel it.
func (q *Queue) Cancel(ctx context.Context, id, username string) (*models.ChangeRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Username != username {
		return nil, fmt.Errorf("request %s does not belong to %s: %w", id, username, ErrInvalidState)
	}
	if r.Status != models.RequestStatusPending {
		return nil, fmt.Errorf("request %s is %s, not pending: %w", id, r.Status, ErrInvalidState)
	}
	now := q.now()
	r.Status = models.RequestStatusCancelled
	r.ReviewedBy = username
	r.ReviewedAt = &now
	if err := q.store.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	q.log.Info("change request cancelled", "id", id, "user", username)
	return r, nil
}

// CleanupOld purges entries submitted more than maxAge ago, whatever their
// status, and returns how many were removed.
func (q *Queue) CleanupOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.store.ListRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	cutoff := q.now().Add(-maxAge)
	var stale []string
	for _, r := range all {
		if r.SubmittedAt.Before(cutoff) {
			stale = append(stale, r.ID)
		}
	}
	n, err := q.store.DeleteRequests(ctx, stale)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		q.log.Info("purged old change requests", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// Stats counts entries by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.store.ListRequests(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	var s Stats
	for _, r := range all {
		s.Total++
		switch r.Status {
		case models.RequestStatusPending:
			s.Pending++
		case models.RequestStatusApproved:
			s.Approved++
		case models.RequestStatusRejected:
			s.Rejected++
		case models.RequestStatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

// StartCleanup runs CleanupOld every interval until ctx is done.
func (q *Queue) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.CleanupOld(ctx, maxAge); err != nil {
					q.log.Warn("queue cleanup failed", "error", err)
				}
			}
		}
	}()
}
