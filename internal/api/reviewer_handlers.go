package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/services"
)

// handleReviewerScoped routes the admin-only corrected-response workflow:
//
//	GET  /api/admin/interviews/{id}/correctedInterview
//	POST /api/admin/interviews/{id}/updateCorrectedInterview
//	GET  /api/admin/interviews/{id}/paradata
func (rt *Router) handleReviewerScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/interviews/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if err := requireAdmin(r); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "correctedInterview":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.handleCorrectedInterview(w, r, id)
	case "updateCorrectedInterview":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.handleUpdateCorrected(w, r, id)
	case "paradata":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.handleListParadata(w, id)
	default:
		http.NotFound(w, r)
	}
}

// correctedInterviewPayload is the reviewer's view of an interview plus the
// staleness flag for the corrected snapshot.
type correctedInterviewPayload struct {
	*models.Interview
	CorrectedDataDirty bool `json:"correctedDataDirty"`
}

// handleCorrectedInterview returns the interview for review, snapshotting the
// participant response into corrected_response on first access or when the
// reviewer explicitly asks for a reset. A stale snapshot is only reported
// through correctedDataDirty, never re-copied on its own: the snapshot is
// one-time, and re-copying would destroy the reviewer's saved corrections.
func (rt *Router) handleCorrectedInterview(w http.ResponseWriter, r *http.Request, id string) {
	iv, err := rt.interviews.GetInterview(id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	reset := r.URL.Query().Get("reset")
	if iv.CorrectedResponse == nil || reset == "true" || reset == "1" {
		if err := rt.interviews.CopyResponseToCorrected(iv); err != nil {
			rt.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, correctedInterviewPayload{
		Interview:          iv,
		CorrectedDataDirty: rt.interviews.CorrectedDataDirty(iv),
	})
}

func (rt *Router) handleUpdateCorrected(w http.ResponseWriter, r *http.Request, id string) {
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": services.StatusFailed, "error": err.Error()})
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	res, err := rt.interviews.ProcessCorrectedUpdate(r.Context(), services.UpdateRequest{
		InterviewID:  id,
		ValuesByPath: payload.ValuesByPath,
		UnsetPaths:   payload.UnsetPaths,
		UserAction:   payload.UserAction,
		UserID:       claims.Subject,
		ClientIP:     clientIP(r),
	})
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeUpdateResponse(w, res)
}

// handleListParadata returns the interview's audit trail in write order.
func (rt *Router) handleListParadata(w http.ResponseWriter, id string) {
	if _, err := rt.interviews.GetInterview(id); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	events, err := rt.events.ListEventsByInterview(id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []*models.ParadataEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// POST /api/admin/prefill
func (rt *Router) handleSetPrefill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := requireAdmin(r); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	var payload struct {
		Reference string                              `json:"reference"`
		Values    map[string]services.PrefilledValue `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := rt.prefill.SetPrefilled(payload.Reference, payload.Values); err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
