package models

import "time"

// Paradata event types. Client-originated events carry the user action type;
// server-computed values are server_event; an update with no user action is a
// side_effect.
const (
	EventButtonClick       = "button_click"
	EventWidgetInteraction = "widget_interaction"
	EventSectionChange     = "section_change"
	EventLanguageChange    = "language_change"
	EventInterviewOpen     = "interview_open"
	EventServer            = "server_event"
	EventSideEffect        = "side_effect"
	EventLegacy            = "legacy"
)

// ParadataEvent is one row of the append-only mutation audit trail.
type ParadataEvent struct {
	InterviewID string `json:"interview_id"`
	// UserID is empty for participant-originated events.
	UserID        string         `json:"user_id,omitempty"`
	EventType     string         `json:"event_type"`
	EventData     map[string]any `json:"event_data,omitempty"`
	ForCorrection bool           `json:"for_correction,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// PendingRelayBuffer is the session-scoped holding area for paths whose
// values were computed after their triggering request already answered. Only
// paths are stored; values are resolved against the latest interview when the
// buffer is drained.
type PendingRelayBuffer struct {
	InterviewID  string   `json:"interview_id"`
	UpdatedPaths []string `json:"updated_paths"`
}
