// Package api exposes the HTTP surface of the interview engine: participant
// auth, interview lifecycle, the update route and the reviewer routes.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/services"
)

const sessionCookie = "ftrace_session"

type Router struct {
	interviews *services.InterviewService
	auth       *services.AuthService
	prefill    *services.PrefillService
	events     services.ParadataReader
	log        *logger.Logger
}

func NewRouter(interviews *services.InterviewService, auth *services.AuthService, prefill *services.PrefillService, events services.ParadataReader, log *logger.Logger) *Router {
	return &Router{interviews: interviews, auth: auth, prefill: prefill, events: events, log: log}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", rt.handleHealth)                     // GET
	mux.HandleFunc("/api/auth/register", rt.handleRegister)        // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)              // POST
	mux.HandleFunc("/api/interviews", rt.handleInterviews)         // GET list, POST create
	mux.HandleFunc("/api/interviews/", rt.handleInterviewScoped)   // GET /api/interviews/{id}
	mux.HandleFunc("/api/survey/updateInterview", rt.handleUpdate) // POST
	// Admin routes reject anonymous callers outright; role checks happen in
	// the handlers.
	mux.Handle("/api/admin/interviews/", middleware.RequireAuth(http.HandlerFunc(rt.handleReviewerScoped)))
	mux.Handle("/api/admin/prefill", middleware.RequireAuth(http.HandlerFunc(rt.handleSetPrefill)))
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeServiceError maps the service error taxonomy to HTTP statuses. Unknown
// errors are reported as a bare 500 without leaking internals.
func (rt *Router) writeServiceError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": se.Message})
		return
	}
	rt.log.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

// sessionKey returns the caller's session id, issuing a cookie when absent.
// The deferred completion relay is scoped to this key.
func sessionKey(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authorizeInterview loads the interview and checks the caller may touch it:
// the owning participant or an admin. When requireUnfrozen is set, frozen
// interviews are refused for non-admin callers.
func (rt *Router) authorizeInterview(r *http.Request, id string, requireUnfrozen bool) error {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return services.NewUnauthorizedError("authentication required")
	}
	iv, err := rt.interviews.GetInterview(id)
	if err != nil {
		return err
	}
	if claims.Role == middleware.RoleAdmin {
		return nil
	}
	if iv.ParticipantID != claims.Subject {
		return services.NewForbiddenError("not your interview")
	}
	if requireUnfrozen && iv.Frozen() {
		return services.NewForbiddenError("interview is frozen")
	}
	return nil
}

func requireAdmin(r *http.Request) error {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return services.NewUnauthorizedError("authentication required")
	}
	if claims.Role != middleware.RoleAdmin {
		return services.NewForbiddenError("admin access required")
	}
	return nil
}
