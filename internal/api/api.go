package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/joescharf/sitedit/internal/chat"
	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/files"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/review"
	"github.com/joescharf/sitedit/internal/sessions"
)

// AdminKeyHeader carries the shared admin secret.
const AdminKeyHeader = "X-Admin-Key"

var errUnauthorized = errors.New("unauthorized")

// Config holds server options.
type Config struct {
	// AdminKey gates /api/admin. Admin routes are refused when empty.
	AdminKey string
	// UI, if set, is served for every path outside /api.
	UI     http.Handler
	Logger *slog.Logger
}

// Server provides the REST and SSE handlers.
type Server struct {
	chat     *chat.Service
	review   *review.Service
	sessions *sessions.Registry
	git      *git.Manager
	hub      *events.Hub
	adminKey string
	ui       http.Handler
	log      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(c *chat.Service, rev *review.Service, reg *sessions.Registry, g *git.Manager, hub *events.Hub, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		chat:     c,
		review:   rev,
		sessions: reg,
		git:      g,
		hub:      hub,
		adminKey: cfg.AdminKey,
		ui:       cfg.UI,
		log:      log,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.health)

	mux.HandleFunc("GET /api/admin/queue", s.admin(s.listQueue))
	mux.HandleFunc("GET /api/admin/queue/stats", s.admin(s.queueStats))
	mux.HandleFunc("GET /api/admin/queue/{id}", s.admin(s.getRequest))
	mux.HandleFunc("POST /api/admin/approve/{id}", s.admin(s.approve))
	mux.HandleFunc("POST /api/admin/reject/{id}", s.admin(s.reject))
	mux.HandleFunc("GET /api/admin/preview/{branch}", s.admin(s.preview))
	mux.HandleFunc("GET /api/admin/preview/{branch}/{path...}", s.admin(s.preview))

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("DELETE /api/sessions/{sessionId}", s.endSession)
	mux.HandleFunc("POST /api/name", s.setName)
	mux.HandleFunc("GET /api/name/{sessionId}", s.getName)
	mux.HandleFunc("GET /api/status/{sessionId}", s.status)
	mux.HandleFunc("GET /api/history/{sessionId}", s.history)
	mux.HandleFunc("GET /api/events/{sessionId}", s.events)

	mux.HandleFunc("POST /api/message", s.sendMessage)
	mux.HandleFunc("POST /api/message/cancel", s.cancelMessage)
	mux.HandleFunc("POST /api/cancel/{requestId}", s.cancelRequest)
	mux.HandleFunc("POST /api/submit", s.submit)

	mux.HandleFunc("GET /api/files/{sessionId}", s.listFiles)
	mux.HandleFunc("POST /api/files/watch", s.watchFiles)
	mux.HandleFunc("POST /api/files/unwatch", s.unwatchFiles)

	mux.HandleFunc("GET /api/preview/{branch}", s.preview)
	mux.HandleFunc("GET /api/preview/{branch}/{path...}", s.preview)
	mux.HandleFunc("GET /api/branch-status", s.branchStatus)
	mux.HandleFunc("POST /api/sync-with-main", s.syncWithMain)

	mux.HandleFunc("GET /api/requests", s.userRequests)
	mux.HandleFunc("POST /api/requests/{id}/cancel", s.cancelChangeRequest)

	if s.ui != nil {
		mux.Handle("/", s.ui)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+AdminKeyHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admin rejects requests whose admin key header does not match.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminKeyHeader)
		if s.adminKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, errUnauthorized.Error())
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses. Merge conflicts
// carry the conflicting files.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *git.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"conflicts": conflict.Files,
			"summary":   conflict.Summary,
		})
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, git.ErrNotFound),
		errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrNoUsername), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, queue.ErrInvalidState),
		errors.Is(err, review.ErrNoBranch),
		errors.Is(err, review.ErrNothingToSubmit),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, files.ErrOutsideRoot):
		return http.StatusBadRequest
	case git.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

// --- Admin ---

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	status := models.RequestStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status: "+string(status))
		return
	}
	reqs, err := s.review.Queue().GetAll(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*models.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.review.Queue().Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	d, err := s.review.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reviewBody struct {
	AdminName string `json:"adminName"`
	Note      string `json:"note"`
}

func (s *Server) readReview(w http.ResponseWriter, r *http.Request) (reviewBody, bool) {
	var body reviewBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return body, false
	}
	body.AdminName = strings.TrimSpace(body.AdminName)
	if body.AdminName == "" {
		writeError(w, http.StatusBadRequest, "adminName is required")
		return body, false
	}
	return body, true
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readReview(w, r)
	if !ok {
		return
	}
	req, err := s.review.Approve(r.Context(), r.PathValue("id"), body.AdminName, body.Note)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readReview(w, r)
	if !ok {
		return
	}
	req, err := s.review.Reject(r.Context(), r.PathValue("id"), body.AdminName, body.Note)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Sessions ---

type sessionBody struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}
	writeJSON(w, http.StatusCreated, s.sessions.GetOrCreate(body.SessionID))
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if !s.chat.EndSession(r.PathValue("sessionId")) {
		writeError(w, http.StatusNotFound, sessions.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		SessionID string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}
	s.sessions.SetUsername(body.SessionID, body.Username)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": body.SessionID, "username": body.Username})
}

func (s *Server) getName(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, sessions.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID, "username": sess.Username})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, sessions.ErrNotFound.Error())
		return
	}
	resp := map[string]any{"session": sess}
	if sess.ActiveBranch != "" {
		st, err := s.review.BranchStatus(r.Context(), sess.ActiveBranch)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		resp["branchStatus"] = st
	}
	if sess.Username != "" {
		reqs, err := s.review.Queue().GetByUser(r.Context(), sess.Username)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		pending := []*models.ChangeRequest{}
		for _, req := range reqs {
			if req.Status == models.RequestStatusPending {
				pending = append(pending, req)
			}
		}
		resp["pendingRequests"] = pending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, sessions.ErrNotFound.Error())
		return
	}
	msgs := s.sessions.History(id)
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Messages ---

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID          string `json:"sessionId"`
		Message            string `json:"message"`
		IsNewFeature       bool   `json:"isNewFeature"`
		FeatureDescription string `json:"featureDescription"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	acc, err := s.chat.Send(r.Context(), body.SessionID, body.Message, chat.SendOptions{
		NewFeature:         body.IsNewFeature,
		FeatureDescription: body.FeatureDescription,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := decode(r, &body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.chat.Cancel(body.SessionID)})
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.chat.CancelRequest(r.PathValue("requestId"), body.SessionID) {
		writeError(w, http.StatusNotFound, "no such active request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID   string `json:"sessionId"`
		Description string `json:"description"`
	}
	if err := decode(r, &body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	req, err := s.chat.Submit(r.Context(), body.SessionID, body.Description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// --- Files ---

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	tree, err := s.chat.Files(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tree == nil {
		tree = []*files.Node{}
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) watchFiles(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := decode(r, &body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := s.chat.Watch(r.Context(), body.SessionID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"watching": true})
}

func (s *Server) unwatchFiles(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if err := decode(r, &body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	s.chat.Unwatch(body.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"watching": false})
}

// --- Branches ---

func (s *Server) branchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.review.BranchStatus(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !st.Exists {
		writeError(w, http.StatusNotFound, "branch not found: "+st.Branch)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) syncWithMain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BranchName string `json:"branchName"`
		Force      bool   `json:"force"`
		CheckOnly  bool   `json:"checkOnly"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.review.Sync(r.Context(), body.BranchName, body.Force, body.CheckOnly)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if res.HasConflicts && !res.CheckOnly {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Change requests ---

func (s *Server) userRequests(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	reqs, err := s.review.Queue().GetByUser(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*models.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) cancelChangeRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		SessionID string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Username == "" && body.SessionID != "" {
		body.Username = s.sessions.Username(body.SessionID)
	}
	if body.Username == "" {
		writeError(w, http.StatusUnauthorized, review.ErrNoUsername.Error())
		return
	}
	req, err := s.review.Cancel(r.Context(), r.PathValue("id"), body.Username, body.SessionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
