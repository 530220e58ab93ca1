// Package models holds the persisted record types shared by the services,
// store and API layers.
package models

import "time"

// Interview is the per-participant record: the answer tree, its validity
// shadow tree, reviewer data and status flags. Response and Validations are
// unbounded-depth trees addressed by dotted paths; Validations mirrors the
// shape of the validated parts of Response with boolean leaves.
type Interview struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participant_id"`
	SurveyID      string `json:"survey_id"`

	Response          map[string]any `json:"response"`
	Validations       map[string]any `json:"validations"`
	CorrectedResponse map[string]any `json:"corrected_response,omitempty"`

	// Audits is attached by the external audit collaborator; the sync engine
	// stores it opaquely on the same record.
	Audits map[string]int `json:"audits,omitempty"`

	// Status flags are tri-state: nil means never set. Writing a non-nil
	// IsCompleted or IsValid freezes the interview in the same update.
	IsActive    *bool `json:"is_active,omitempty"`
	IsCompleted *bool `json:"is_completed,omitempty"`
	IsValid     *bool `json:"is_valid,omitempty"`
	IsFrozen    *bool `json:"is_frozen,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Frozen reports whether the interview refuses further participant edits.
func (iv *Interview) Frozen() bool {
	return iv.IsFrozen != nil && *iv.IsFrozen
}

// Interview field names accepted by partial persistence writes.
const (
	FieldResponse          = "response"
	FieldValidations       = "validations"
	FieldCorrectedResponse = "corrected_response"
	FieldAudits            = "audits"
	FieldIsActive          = "is_active"
	FieldIsCompleted       = "is_completed"
	FieldIsValid           = "is_valid"
	FieldIsFrozen          = "is_frozen"
)

// Bookkeeping keys kept inside the response tree itself. Underscore-prefixed
// keys are engine-internal, not survey answers.
const (
	ResponseKeyUpdatedAt   = "_updatedAt"
	ResponseKeyIP          = "_ip"
	ResponseKeyStartedAt   = "_startedAt"
	ResponseKeyLanguage    = "_language"
	ResponseKeyCorrectedAt = "_correctedResponseCopiedAt"
)

// Bool is a convenience for building *bool literals.
func Bool(v bool) *bool { return &v }
