// Package api serves the session and change set surface as JSON over HTTP
// for the collaboration and review UIs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/collab"
	"github.com/tonimelisma/sailsync/internal/state"
	isync "github.com/tonimelisma/sailsync/internal/sync"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

const maxBodyBytes = 4 << 20

// StatusReporter reports aggregate sync status. Satisfied by *sync.Engine.
type StatusReporter interface {
	Status(ctx context.Context) (*isync.Summary, error)
}

// Server routes API requests to the session manager and change pipeline.
type Server struct {
	sessions *collab.Manager
	pipeline *changes.Pipeline
	status   StatusReporter
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer creates a Server. status may be nil when no workspace is
// configured; the status endpoint then answers 404.
func NewServer(sessions *collab.Manager, pipeline *changes.Pipeline, status StatusReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sessions: sessions,
		pipeline: pipeline,
		status:   status,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("POST /api/v1/sessions", s.handleOpenSession)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/drafts", s.handleAddDrafts)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/suggestions", s.handleSuggestions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/diff", s.handleDiff)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/commit", s.handleCommit)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("PUT /api/v1/drafts/{id}/status", s.handleDraftStatus)

	s.mux.HandleFunc("GET /api/v1/changesets", s.handleListChangeSets)
	s.mux.HandleFunc("GET /api/v1/changesets/{id}", s.handleGetChangeSet)
	s.mux.HandleFunc("GET /api/v1/changesets/{id}/items", s.handleChangeSetItems)
	s.mux.HandleFunc("POST /api/v1/changesets/{id}/apply", s.handleApply)
	s.mux.HandleFunc("POST /api/v1/changesets/{id}/rollback", s.handleRollback)

	s.mux.HandleFunc("GET /api/v1/reviews", s.handleListReviews)
	s.mux.HandleFunc("POST /api/v1/reviews/{id}/approve", s.handleDecide(s.pipeline.Approve))
	s.mux.HandleFunc("POST /api/v1/reviews/{id}/reject", s.handleDecide(s.pipeline.Reject))
	s.mux.HandleFunc("POST /api/v1/reviews/{id}/cancel", s.handleDecide(s.pipeline.CancelReview))

	s.mux.HandleFunc("GET /api/v1/sync/status", s.handleSyncStatus)
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("Content-Type", "application/json")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		s.logger.Debug("api request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// Sessions.

type openSessionBody struct {
	EditionID  string `json:"edition_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	LockScope  string `json:"lock_scope"`
	CreatedBy  string `json:"created_by"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var body openSessionBody
	if !s.decode(w, r, &body) {
		return
	}

	sess, err := s.sessions.Open(r.Context(), collab.OpenRequest{
		EditionID:  body.EditionID,
		TargetType: state.TargetType(body.TargetType),
		TargetID:   body.TargetID,
		LockScope:  body.LockScope,
		CreatedBy:  body.CreatedBy,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSession(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := s.limit(w, r)
	if !ok {
		return
	}

	f := state.SessionFilter{
		EditionID:  q.Get("edition_id"),
		CreatedBy:  q.Get("created_by"),
		TargetType: state.TargetType(q.Get("target_type")),
		TargetID:   q.Get("target_id"),
		Limit:      limit,
	}

	for _, st := range q["state"] {
		f.States = append(f.States, state.SessionState(st))
	}

	list, err := s.sessions.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": toSessions(list)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSession(sess))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	lease, err := s.sessions.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toLease(lease))
}

type draftBody struct {
	Table      string          `json:"table"`
	TargetID   string          `json:"target_id"`
	Column     string          `json:"column"`
	Operation  string          `json:"operation"`
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
	Notes      string          `json:"notes"`
}

func (s *Server) handleAddDrafts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Drafts []draftBody `json:"drafts"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	in := make([]collab.DraftInput, 0, len(body.Drafts))
	for _, d := range body.Drafts {
		in = append(in, collab.DraftInput{
			Table:      d.Table,
			TargetID:   d.TargetID,
			Column:     d.Column,
			Operation:  state.Operation(d.Operation),
			Value:      d.Value,
			Confidence: d.Confidence,
			Notes:      d.Notes,
		})
	}

	drafts, err := s.sessions.AddDrafts(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"drafts": toDrafts(drafts)})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	drafts, err := s.sessions.RequestSuggestions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"drafts": toDrafts(drafts)})
}

func (s *Server) handleDraftStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	d, err := s.sessions.SetDraftStatus(r.Context(), r.PathValue("id"), state.DraftStatus(body.Status))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDraft(d))
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	d, err := s.sessions.GetDiff(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDiff(d))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DraftIDs  []string `json:"draft_ids"`
		BatchIDs  []string `json:"batch_ids"`
		Reason    string   `json:"reason"`
		CreatedBy string   `json:"created_by"`
		Reviewer  string   `json:"reviewer"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	created, err := s.sessions.Commit(r.Context(), r.PathValue("id"), collab.CommitRequest{
		DraftIDs:  body.DraftIDs,
		BatchIDs:  body.BatchIDs,
		Reason:    body.Reason,
		CreatedBy: body.CreatedBy,
		Reviewer:  body.Reviewer,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDetail(created.Set, created.Items, created.Review))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	sess, err := s.sessions.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSession(sess))
}

// Change sets.

func (s *Server) handleListChangeSets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := s.limit(w, r)
	if !ok {
		return
	}

	list, err := s.pipeline.List(r.Context(), state.ChangeSetFilter{
		EditionID: q.Get("edition_id"),
		SessionID: q.Get("session_id"),
		Status:    state.ChangeStatus(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"change_sets": toChangeSets(list)})
}

func (s *Server) handleGetChangeSet(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetail(d.Set, d.Items, d.Review))
}

func (s *Server) handleChangeSetItems(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": toItems(d.Items)})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.pipeline.Apply)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.pipeline.Rollback)
}

// transition runs apply or rollback. A failure that left the change set in
// a new state still reports that state alongside the error.
func (s *Server) transition(
	w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*state.ChangeSet, error),
) {
	cs, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		var details any
		if cs != nil {
			details = map[string]any{"change_set": toChangeSet(cs)}
		}

		s.failWith(w, r, err, details)

		return
	}

	writeJSON(w, http.StatusOK, toChangeSet(cs))
}

// Reviews.

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := s.limit(w, r)
	if !ok {
		return
	}

	status := state.ReviewStatus(q.Get("status"))
	if status == "" {
		status = state.ReviewPending
	}

	list, err := s.pipeline.ListReviews(r.Context(), state.ReviewFilter{
		Reviewer: q.Get("reviewer"),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reviews": toReviews(list)})
}

func (s *Server) handleDecide(
	decide func(ctx context.Context, reviewID, comments string) (*changes.Decided, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Comments string `json:"comments"`
		}
		if !s.decode(w, r, &body) {
			return
		}

		d, err := decide(r.Context(), r.PathValue("id"), body.Comments)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toDecided(d))
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusNotFound, "NO_WORKSPACE", "no sync workspace configured", nil)
		return
	}

	sum, err := s.status.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// Helpers.

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
		return 0, false
	}

	return n, true
}

// decode reads a JSON body into v. An empty body leaves v zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", fmt.Sprintf("invalid JSON body: %v", err), nil)
		return false
	}

	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.failWith(w, r, err, nil)
}

func (s *Server) failWith(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := classify(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	var se *syncerr.Error
	if errors.As(err, &se) && (se.Expected != "" || se.Actual != "") {
		m := map[string]any{"expected": se.Expected, "actual": se.Actual, "target": se.Target}
		if extra, ok := details.(map[string]any); ok {
			for k, v := range extra {
				m[k] = v
			}
		}

		details = m
	}

	writeError(w, status, code, err.Error(), details)
}

// classify maps an error onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, changes.ErrInvalidInput), errors.Is(err, collab.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, changes.ErrInvalidStatus), errors.Is(err, collab.ErrClosed):
		return http.StatusConflict, "INVALID_STATE"
	}

	switch syncerr.KindOf(err) {
	case syncerr.ErrNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case syncerr.ErrLockConflict:
		return http.StatusLocked, "LOCK_CONFLICT"
	case syncerr.ErrVersionConflict:
		return http.StatusConflict, "VERSION_CONFLICT"
	case syncerr.ErrPreconditionFailed:
		return http.StatusPreconditionFailed, "PRECONDITION_FAILED"
	case syncerr.ErrTransport:
		return http.StatusBadGateway, "TRANSPORT"
	default:
		return http.StatusInternalServerError, "FATAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"code":  code,
		"error": message,
	}

	if details != nil {
		resp["details"] = details
	}

	writeJSON(w, status, resp)
}
