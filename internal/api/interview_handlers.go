package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
	"github.com/fieldtrace/fieldtrace/internal/services"
)

// updatePayload is the wire shape of an update call. ValuesByPath is decoded
// with the order-preserving type: application order is the order the client
// wrote the keys in.
type updatePayload struct {
	InterviewID  string             `json:"interviewId"`
	ValuesByPath *paths.Values      `json:"valuesByPath,omitempty"`
	UnsetPaths   []string           `json:"unsetPaths,omitempty"`
	UserAction   *models.UserAction `json:"userAction,omitempty"`
}

// POST /api/survey/updateInterview
func (rt *Router) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": services.StatusFailed, "error": err.Error()})
		return
	}
	if strings.TrimSpace(payload.InterviewID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": services.StatusFailed, "error": "interviewId required"})
		return
	}
	if err := rt.authorizeInterview(r, payload.InterviewID, true); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	userID := ""
	if claims.Role == middleware.RoleAdmin {
		userID = claims.Subject
	}

	res, err := rt.interviews.ProcessUpdate(r.Context(), services.UpdateRequest{
		InterviewID:  payload.InterviewID,
		ValuesByPath: payload.ValuesByPath,
		UnsetPaths:   payload.UnsetPaths,
		UserAction:   payload.UserAction,
		SessionKey:   sessionKey(w, r),
		UserID:       userID,
		ClientIP:     clientIP(r),
	})
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeUpdateResponse(w, res)
}

func writeUpdateResponse(w http.ResponseWriter, res *services.UpdateResponse) {
	status := http.StatusOK
	switch res.Status {
	case services.StatusInvalid:
		status = http.StatusBadRequest
	case services.StatusFailed:
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// handleInterviews serves the collection route: POST creates an interview,
// GET lists the caller's own interviews.
func (rt *Router) handleInterviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.handleCreateInterview(w, r)
	case http.MethodGet:
		rt.handleListInterviews(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/interviews
func (rt *Router) handleListInterviews(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		rt.writeServiceError(w, services.NewUnauthorizedError("authentication required"))
		return
	}
	list, err := rt.interviews.ListInterviews(claims.Subject)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Interview{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/interviews
func (rt *Router) handleCreateInterview(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		rt.writeServiceError(w, services.NewUnauthorizedError("authentication required"))
		return
	}
	var payload struct {
		SurveyID string `json:"surveyId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	iv, err := rt.interviews.CreateInterview(claims.Subject, payload.SurveyID)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

// GET /api/interviews/{id}
func (rt *Router) handleInterviewScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/interviews/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if err := rt.authorizeInterview(r, id, false); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	iv, err := rt.interviews.GetInterview(id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}
