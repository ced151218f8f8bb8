// Package sessions tracks per-conversation state: who the user is, which
// branch they are editing, their transcript, and the one agent turn they
// may have in flight.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/sitedit/internal/models"
)

// DefaultMaxIdle is how long a session may sit unused before it is reaped.
const DefaultMaxIdle = 24 * time.Hour

// ErrNotFound is returned for operations on an unknown session.
var ErrNotFound = errors.New("session not found")

// Session is a point-in-time copy of a session's state.
type Session struct {
	ID            string    `json:"id"`
	Username      string    `json:"username,omitempty"`
	ActiveBranch  string    `json:"activeBranch,omitempty"`
	MessageCount  int       `json:"messageCount"`
	ActiveRequest string    `json:"activeRequest,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

type session struct {
	id           string
	username     string
	activeBranch string
	messages     []models.Message
	createdAt    time.Time
	lastActivity time.Time
	request      *request
}

type request struct {
	id     string
	cancel context.CancelFunc
}

func (s *session) snapshot() Session {
	out := Session{
		ID:           s.id,
		Username:     s.username,
		ActiveBranch: s.activeBranch,
		MessageCount: len(s.messages),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.request != nil {
		out.ActiveRequest = s.request.id
	}
	return out
}

// Registry is the process-wide session table. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	requests map[string]string // request id -> session id
	now      func() time.Time
	log      *slog.Logger
	onRemove func(id string)
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session),
		requests: make(map[string]string),
		now:      time.Now,
		log:      log,
	}
}

// touch returns the session for id, creating it if needed, and refreshes
// its activity time. Callers hold r.mu.
func (r *Registry) touch(id string) *session {
	now := r.now()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{id: id, createdAt: now}
		r.sessions[id] = s
		r.log.Debug("session created", "session_id", id)
	}
	s.lastActivity = now
	return s
}

// GetOrCreate returns the session for id, creating it on first contact.
func (r *Registry) GetOrCreate(id string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touch(id).snapshot()
}

// Get returns the session for id without creating it.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.lastActivity = r.now()
	return s.snapshot(), true
}

// List returns every live session.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// SetUsername records who is editing in session id.
func (r *Registry) SetUsername(id, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(id).username = username
}

// Username returns the session's username, or "" before one is set.
func (r *Registry) Username(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touch(id).username
}

// SetActiveBranch sets the branch the session edits; "" detaches it.
func (r *Registry) SetActiveBranch(id, branch string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(id).activeBranch = branch
}

// ActiveBranch returns the branch the session edits, or "".
func (r *Registry) ActiveBranch(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touch(id).activeBranch
}

// DetachBranch clears branch from every session that has it active and
// returns how many sessions were affected.
func (r *Registry) DetachBranch(branch string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.activeBranch == branch {
			s.activeBranch = ""
			n++
		}
	}
	return n
}

// AppendMessage adds msg to the session transcript. A zero timestamp is
// filled in.
func (r *Registry) AppendMessage(id string, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.touch(id)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.lastActivity
	}
	s.messages = append(s.messages, msg)
}

// History returns a copy of the session transcript in order.
func (r *Registry) History(id string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.touch(id)
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// BeginRequest registers a new in-flight agent turn for the session. Any
// prior turn is cancelled first, so at most one handle is live. The
// returned context is cancelled by CancelActiveRequest, CancelRequest,
// DeleteSession or a later BeginRequest.
func (r *Registry) BeginRequest(parent context.Context, id string) (context.Context, string) {
	ctx, cancel := context.WithCancel(parent)
	reqID := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.touch(id)
	if s.request != nil {
		r.log.Debug("cancelling superseded request", "session_id", id, "request_id", s.request.id)
		r.dropRequest(s)
	}
	s.request = &request{id: reqID, cancel: cancel}
	r.requests[reqID] = id
	return ctx, reqID
}

// dropRequest cancels and forgets the session's active request. Callers hold r.mu.
func (r *Registry) dropRequest(s *session) {
	if s.request == nil {
		return
	}
	s.request.cancel()
	delete(r.requests, s.request.id)
	s.request = nil
}

// ActiveRequest returns the id of the session's in-flight request, if any.
func (r *Registry) ActiveRequest(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.touch(id)
	if s.request == nil {
		return ""
	}
	return s.request.id
}

// CancelActiveRequest cancels the session's in-flight request and reports
// whether there was one.
func (r *Registry) CancelActiveRequest(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.request == nil {
		return false
	}
	s.lastActivity = r.now()
	r.dropRequest(s)
	return true
}

// CancelRequest cancels a request by its id. When sessionID is non-empty
// the request must belong to that session.
func (r *Registry) CancelRequest(requestID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.requests[requestID]
	if !ok || (sessionID != "" && owner != sessionID) {
		return false
	}
	s := r.sessions[owner]
	s.lastActivity = r.now()
	r.dropRequest(s)
	return true
}

// ClearActiveRequest forgets a finished request without cancelling
// anything else. It is a no-op if requestID is no longer the session's
// active request, so a late-finishing superseded turn cannot clear its
// successor.
func (r *Registry) ClearActiveRequest(id, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.request == nil || s.request.id != requestID {
		return
	}
	s.lastActivity = r.now()
	// Release the context's resources; the turn has already returned.
	r.dropRequest(s)
}

// OnRemove registers fn to run, outside the registry lock, for every
// session removed by DeleteSession or CleanupInactive.
func (r *Registry) OnRemove(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

func (r *Registry) removed(fn func(string), ids []string) {
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id)
	}
}

// DeleteSession cancels any live request and removes the session.
func (r *Registry) DeleteSession(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.dropRequest(s)
	delete(r.sessions, id)
	hook := r.onRemove
	r.mu.Unlock()

	r.removed(hook, []string{id})
	return true
}

// CleanupInactive removes sessions idle for longer than maxIdle,
// cancelling their live requests first. It returns the number removed.
func (r *Registry) CleanupInactive(maxIdle time.Duration) int {
	r.mu.Lock()
	cutoff := r.now().Add(-maxIdle)
	var ids []string
	for id, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			r.dropRequest(s)
			delete(r.sessions, id)
			ids = append(ids, id)
		}
	}
	hook := r.onRemove
	r.mu.Unlock()

	if len(ids) > 0 {
		r.log.Info("reaped inactive sessions", "count", len(ids), "max_idle", maxIdle)
	}
	r.removed(hook, ids)
	return len(ids)
}

// StartReaper runs CleanupInactive every interval until ctx is done.
func (r *Registry) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
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
				r.CleanupInactive(maxIdle)
			}
		}
	}()
}
