package services

import (
	"errors"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/models"
)

// InterviewStore is the persistence interface consumed by the orchestrator.
// GetInterviewByID returns (nil, nil) when the interview does not exist.
// UpdateInterview writes only the named fields; everything else in storage is
// left untouched.
type InterviewStore interface {
	GetInterviewByID(id string) (*models.Interview, error)
	ListInterviewsByParticipant(participantID string) ([]*models.Interview, error)
	CreateInterview(iv *models.Interview) error
	UpdateInterview(id string, fields map[string]any) (string, error)
}

// ParadataReader lists the persisted audit trail of one interview, in write
// order.
type ParadataReader interface {
	ListEventsByInterview(interviewID string) ([]*models.ParadataEvent, error)
}

// ParadataStore writes one audit trail entry. Called only by the paradata
// queue's single writer.
type ParadataStore interface {
	LogEvent(ev *models.ParadataEvent) error
}

// PrefilledValue is one stored prefill entry for a response path.
type PrefilledValue struct {
	Value any `json:"value"`
	// ActionIfPresent is "force" or "doNothing" (default): whether to
	// overwrite a response value the participant already entered.
	ActionIfPresent string `json:"actionIfPresent,omitempty"`
}

// PrefillStore persists prefilled responses keyed by an opaque reference
// value, e.g. an access code.
type PrefillStore interface {
	GetPrefilledByReference(ref string) (map[string]PrefilledValue, error)
	SetPrefilledForReference(ref string, values map[string]PrefilledValue) error
}

// ParticipantStore backs the participant auth service.
type ParticipantStore interface {
	FindParticipantByEmail(email string) (*Participant, error)
	AddParticipant(p *Participant) error
}

// Participant is a survey respondent account. The access code is stored
// hashed; PII is kept to the minimum the survey needs.
type Participant struct {
	ID             string
	Email          string
	AccessCodeHash []byte
	CreatedAt      time.Time
}

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorForbidden    ErrorCode = "forbidden"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorInternal     ErrorCode = "internal"
)

// ServiceError carries a coarse error code the API layer maps to a status.
type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return string(e.Code) + ": " + e.Message }

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewForbiddenError(msg string) error {
	return &ServiceError{Code: ErrorForbidden, Message: msg}
}
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}
func NewConflictError(msg string) error { return &ServiceError{Code: ErrorConflict, Message: msg} }

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
