package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Registry is the session store the handlers serve.
type Registry interface {
	Create(ctx context.Context, opts models.LaunchOptions) (models.Session, error)
	Get(id string) (models.Session, error)
	List() []models.Session
	Count() int
	Terminate(ctx context.Context, id string) (bool, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Registry
	log      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Registry, log *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		log:      log.Named("api"),
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessions.Create(r.Context(), req.LaunchOptions())
	if err != nil {
		h.log.Warn("create session failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /v1/sessions, oldest first. An optional
// headless=true|false query narrows the result.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()

	if raw := r.URL.Query().Get("headless"); raw != "" {
		want, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "headless must be true or false")
			return
		}
		sessions = lo.Filter(sessions, func(s models.Session, _ int) bool {
			return s.Options.IsHeadless() == want
		})
	}

	slices.SortFunc(sessions, func(a, b models.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	writeJSON(w, http.StatusOK, sessions)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	found, err := h.sessions.Terminate(r.Context(), id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%v: %s", session.ErrNotFound, id))
		return
	}
	if err != nil {
		// the session is gone either way; the operator needs to know
		// a browser may have leaked
		h.log.Error("browser did not terminate cleanly", zap.String("session", id), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"debuggerUrl": fmt.Sprintf("%s://%s/v1/sessions/%s/ws", scheme, r.Host, sess.ID),
		"sessionId":   sess.ID,
		"status":      string(sess.Status),
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrShuttingDown), errors.Is(err, session.ErrCapacityReached):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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
