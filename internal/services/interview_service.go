package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
)

// Update response statuses, mirrored verbatim in the API payloads.
const (
	StatusSuccess  = "success"
	StatusInvalid  = "invalid"
	StatusRedirect = "redirect"
	StatusFailed   = "failed"
)

// defaultFieldsToUpdate is the persisted field subset when the caller does
// not narrow or widen it.
var defaultFieldsToUpdate = []string{models.FieldResponse, models.FieldValidations}

// InterviewService is the update orchestrator: the single entry point every
// API route uses to mutate an interview. The side-effect callback table and
// validation rules are injected at construction so tests can swap them.
//
// Two overlapping calls for the same interview each read-then-write the
// record independently; a lost update between them is an accepted tradeoff
// (one active client per interview is the dominant pattern) and is
// deliberately not papered over with locking.
type InterviewService struct {
	store       InterviewStore
	queue       *ParadataQueue
	relay       *Relay
	ops         *OperationRegistry
	callbacks   []FieldUpdateCallback
	validations ServerValidation
	log         *logger.Logger
	now         func() time.Time
	idGen       func() string
}

func NewInterviewService(
	store InterviewStore,
	queue *ParadataQueue,
	relay *Relay,
	ops *OperationRegistry,
	callbacks []FieldUpdateCallback,
	validations ServerValidation,
	log *logger.Logger,
) *InterviewService {
	return &InterviewService{
		store:       store,
		queue:       queue,
		relay:       relay,
		ops:         ops,
		callbacks:   callbacks,
		validations: validations,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		idGen:       uuid.NewString,
	}
}

// UpdateOptions parameterizes one orchestrated update of an already loaded
// interview.
type UpdateOptions struct {
	ValuesByPath *paths.Values
	UnsetPaths   []string
	// UserAction is used for paradata classification only; its data must
	// already be folded into ValuesByPath by the caller.
	UserAction *models.UserAction
	// FieldsToUpdate narrows or widens the persisted field subset. Empty
	// means response + validations.
	FieldsToUpdate []string
	Recorder       *ParadataRecorder
	// SessionKey enables the deferred phase: side-effect callbacks may then
	// register operations whose late results are relayed through this
	// session. Empty disables deferral.
	SessionKey string
}

// UpdateResult reports one orchestrated update. Validations is nil when every
// evaluated field passed.
type UpdateResult struct {
	InterviewID        string
	Validations        map[string]map[string]string
	ServerValuesByPath *paths.Values
	RedirectURL        string
}

// UpdateInterview validates, applies, runs side effects, persists and logs
// one mutation batch. Sequence per call: validate, apply client values, run
// immediate side effects, apply their values, flag failed validations,
// persist the configured field subset, enqueue paradata. A persistence
// failure propagates and writes no paradata entry.
func (s *InterviewService) UpdateInterview(iv *models.Interview, opts UpdateOptions) (*UpdateResult, error) {
	valuesByPath := opts.ValuesByPath
	if valuesByPath == nil {
		valuesByPath = paths.NewValues()
	}
	fieldsToUpdate := opts.FieldsToUpdate
	if len(fieldsToUpdate) == 0 {
		fieldsToUpdate = defaultFieldsToUpdate
	}

	failed := ServerValidate(s.validations, valuesByPath, opts.UnsetPaths)

	SetInterviewFields(iv, valuesByPath, opts.UnsetPaths)

	var register RegisterOperation
	if s.ops != nil && opts.SessionKey != "" {
		interviewID, sessionKey := iv.ID, opts.SessionKey
		userID, forCorrection := "", false
		if opts.Recorder != nil {
			userID, forCorrection = opts.Recorder.userID, opts.Recorder.forCorrection
		}
		register = s.ops.registerFor(interviewID, func(values *paths.Values) {
			s.applyDeferred(interviewID, sessionKey, userID, forCorrection, values)
		})
	}
	serverValues, redirectURL := RunFieldUpdates(iv, s.callbacks, valuesByPath, opts.UnsetPaths, register, s.log)
	if serverValues.Len() > 0 {
		SetInterviewFields(iv, serverValues, opts.UnsetPaths)
	}

	// Failed fields keep their submitted value but are flagged invalid.
	if len(failed) > 0 {
		if iv.Validations == nil {
			iv.Validations = map[string]any{}
		}
		for field := range failed {
			paths.Set(iv.Validations, field, false)
		}
	}
	if iv.Response == nil {
		iv.Response = map[string]any{}
	}
	if iv.Validations == nil {
		iv.Validations = map[string]any{}
	}

	fields, freeze := s.persistedFields(iv, fieldsToUpdate)
	if freeze {
		iv.IsFrozen = models.Bool(true)
		fields[models.FieldIsFrozen] = iv.IsFrozen
	}

	id, err := s.store.UpdateInterview(iv.ID, fields)
	if err != nil {
		return nil, err
	}

	if rec := opts.Recorder; rec != nil {
		rec.Record(opts.UserAction, valuesByPath, opts.UnsetPaths, false)
		if serverValues.Len() > 0 {
			rec.Record(nil, serverValues, nil, true)
		}
	}

	return &UpdateResult{
		InterviewID:        id,
		Validations:        failed,
		ServerValuesByPath: serverValues,
		RedirectURL:        redirectURL,
	}, nil
}

// persistedFields selects the interview fields to write. Recording a non-nil
// completion or validity status freezes the interview in the same write;
// the explicit unset sentinel does not.
func (s *InterviewService) persistedFields(iv *models.Interview, fieldsToUpdate []string) (map[string]any, bool) {
	fields := make(map[string]any, len(fieldsToUpdate))
	freeze := false
	for _, f := range fieldsToUpdate {
		switch f {
		case models.FieldResponse:
			fields[f] = iv.Response
		case models.FieldValidations:
			fields[f] = iv.Validations
		case models.FieldCorrectedResponse:
			fields[f] = iv.CorrectedResponse
		case models.FieldAudits:
			fields[f] = iv.Audits
		case models.FieldIsActive:
			fields[f] = iv.IsActive
		case models.FieldIsCompleted:
			fields[f] = iv.IsCompleted
			if iv.IsCompleted != nil {
				freeze = true
			}
		case models.FieldIsValid:
			fields[f] = iv.IsValid
			if iv.IsValid != nil {
				freeze = true
			}
		case models.FieldIsFrozen:
			fields[f] = iv.IsFrozen
		default:
			s.log.Warn("ignoring unknown interview field in update subset", "field", f)
		}
	}
	return fields, freeze
}

// applyDeferred is the narrow apply-and-relay entry point for completed
// deferred operations. It reloads the interview from storage (the snapshot
// that scheduled the work may be stale), re-runs the orchestrator on just the
// deferred values and stashes the touched paths for the session's next
// request. Failures are logged; the next client request simply proceeds
// without the deferred result.
func (s *InterviewService) applyDeferred(interviewID, sessionKey, userID string, forCorrection bool, values *paths.Values) {
	iv, err := s.store.GetInterviewByID(interviewID)
	if err != nil {
		s.log.Error("deferred update reload failed", "interview", interviewID, "error", err)
		return
	}
	if iv == nil {
		s.log.Warn("deferred update for missing interview", "interview", interviewID)
		return
	}
	res, err := s.UpdateInterview(iv, UpdateOptions{
		ValuesByPath: values,
		Recorder:     NewParadataRecorder(s.queue, interviewID, userID, forCorrection),
		SessionKey:   sessionKey,
	})
	if err != nil {
		s.log.Error("deferred update failed", "interview", interviewID, "error", err)
		return
	}
	touched := append(values.Keys(), res.ServerValuesByPath.Keys()...)
	if err := s.relay.Stash(context.Background(), sessionKey, interviewID, touched); err != nil {
		s.log.Error("relay stash failed", "interview", interviewID, "error", err)
	}
}

// UpdateRequest is the transport-independent shape of a client update call.
type UpdateRequest struct {
	InterviewID  string
	ValuesByPath *paths.Values
	UnsetPaths   []string
	UserAction   *models.UserAction
	SessionKey   string
	// UserID is empty for participant-originated requests.
	UserID   string
	ClientIP string
}

// UpdateResponse is the produced API surface for an update call. InterviewID
// is nil (JSON null) when the interview was not found.
type UpdateResponse struct {
	Status              string                       `json:"status"`
	InterviewID         *string                      `json:"interviewId"`
	Messages            map[string]map[string]string `json:"messages,omitempty"`
	UpdatedValuesByPath *paths.Values                `json:"updatedValuesByPath,omitempty"`
	RedirectURL         string                       `json:"redirectUrl,omitempty"`
}

func interviewIDRef(id string) *string { return &id }

// ProcessUpdate handles one incoming update request end to end: drain the
// relay, short-circuit true no-ops, load the interview, fold the user action,
// orchestrate, and merge relay-drained values with the server-computed ones.
func (s *InterviewService) ProcessUpdate(ctx context.Context, req UpdateRequest) (*UpdateResponse, error) {
	valuesByPath := req.ValuesByPath
	if valuesByPath == nil {
		valuesByPath = paths.NewValues()
	}

	pending := s.relay.Drain(ctx, req.SessionKey, req.InterviewID)
	if valuesByPath.Len() == 0 && len(req.UnsetPaths) == 0 && req.UserAction == nil && len(pending) == 0 {
		// Nothing to do: no persistence write, no paradata entry.
		return &UpdateResponse{Status: StatusSuccess, InterviewID: interviewIDRef(req.InterviewID)}, nil
	}

	iv, err := s.store.GetInterviewByID(req.InterviewID)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return &UpdateResponse{Status: StatusFailed}, nil
	}

	FoldUserAction(iv, valuesByPath, req.UserAction, s.now)

	if iv.Response == nil {
		iv.Response = map[string]any{}
	}
	iv.Response[models.ResponseKeyUpdatedAt] = s.now().Unix()
	if req.ClientIP != "" {
		iv.Response[models.ResponseKeyIP] = req.ClientIP
	}

	res, err := s.UpdateInterview(iv, UpdateOptions{
		ValuesByPath: valuesByPath,
		UnsetPaths:   req.UnsetPaths,
		UserAction:   req.UserAction,
		Recorder:     NewParadataRecorder(s.queue, iv.ID, req.UserID, false),
		SessionKey:   req.SessionKey,
	})
	if err != nil {
		return nil, err
	}

	// Relay-drained paths resolve against the freshly mutated interview, so
	// a value another update overwrote meanwhile is reported as it now is.
	updated := paths.NewValues()
	for _, p := range pending {
		value, _ := GetInterviewPath(iv, p)
		updated.Set(p, value)
	}
	updated.Merge(res.ServerValuesByPath)

	if res.Validations != nil {
		return &UpdateResponse{
			Status:              StatusInvalid,
			InterviewID:         interviewIDRef(res.InterviewID),
			Messages:            res.Validations,
			UpdatedValuesByPath: updated,
		}, nil
	}
	if res.RedirectURL != "" {
		return &UpdateResponse{Status: StatusRedirect, RedirectURL: res.RedirectURL}, nil
	}
	return &UpdateResponse{
		Status:              StatusSuccess,
		InterviewID:         interviewIDRef(res.InterviewID),
		UpdatedValuesByPath: updated,
	}, nil
}

// ProcessCorrectedUpdate handles a reviewer's update of the corrected
// response. Paths are remapped from the response tree to the corrected tree,
// the interview must not be frozen, and paradata entries are marked as
// correction events. The reviewer flow has no deferred phase.
func (s *InterviewService) ProcessCorrectedUpdate(ctx context.Context, req UpdateRequest) (*UpdateResponse, error) {
	valuesByPath := req.ValuesByPath
	if valuesByPath == nil {
		valuesByPath = paths.NewValues()
	}
	if valuesByPath.Len() == 0 && len(req.UnsetPaths) == 0 && req.UserAction == nil {
		return &UpdateResponse{Status: StatusSuccess, InterviewID: interviewIDRef(req.InterviewID)}, nil
	}

	iv, err := s.store.GetInterviewByID(req.InterviewID)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return &UpdateResponse{Status: StatusFailed}, nil
	}
	if iv.Frozen() {
		return nil, NewForbiddenError("interview is frozen")
	}

	FoldUserAction(iv, valuesByPath, req.UserAction, s.now)
	mappedValues, mappedUnsets, mappedAction := MapResponseToCorrectedResponse(valuesByPath, req.UnsetPaths, req.UserAction)

	if iv.CorrectedResponse == nil {
		iv.CorrectedResponse = map[string]any{}
	}
	iv.CorrectedResponse[models.ResponseKeyUpdatedAt] = s.now().Unix()

	// The reviewer flow also records the review verdict, so the persisted
	// subset carries the status flags alongside the corrected tree. Writing a
	// non-nil is_valid or is_completed freezes the interview in that write.
	res, err := s.UpdateInterview(iv, UpdateOptions{
		ValuesByPath: mappedValues,
		UnsetPaths:   mappedUnsets,
		UserAction:   mappedAction,
		FieldsToUpdate: []string{
			models.FieldCorrectedResponse,
			models.FieldValidations,
			models.FieldAudits,
			models.FieldIsValid,
			models.FieldIsCompleted,
		},
		Recorder: NewParadataRecorder(s.queue, iv.ID, req.UserID, true),
	})
	if err != nil {
		return nil, err
	}

	if res.Validations != nil {
		return &UpdateResponse{
			Status:              StatusInvalid,
			InterviewID:         interviewIDRef(res.InterviewID),
			Messages:            res.Validations,
			UpdatedValuesByPath: res.ServerValuesByPath,
		}, nil
	}
	return &UpdateResponse{
		Status:              StatusSuccess,
		InterviewID:         interviewIDRef(res.InterviewID),
		UpdatedValuesByPath: res.ServerValuesByPath,
	}, nil
}

// CreateInterview starts an empty interview for a participant.
func (s *InterviewService) CreateInterview(participantID, surveyID string) (*models.Interview, error) {
	if participantID == "" || surveyID == "" {
		return nil, NewInvalidError("participant_id and survey_id required")
	}
	now := s.now()
	iv := &models.Interview{
		ID:            s.idGen(),
		ParticipantID: participantID,
		SurveyID:      surveyID,
		Response: map[string]any{
			models.ResponseKeyStartedAt: now.Unix(),
		},
		Validations: map[string]any{},
		IsActive:    models.Bool(true),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateInterview(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// GetInterview loads an interview, returning a not-found service error for a
// missing id.
func (s *InterviewService) GetInterview(id string) (*models.Interview, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewInvalidError("interview id required")
	}
	iv, err := s.store.GetInterviewByID(id)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return nil, NewNotFoundError("interview not found")
	}
	return iv, nil
}

// ListInterviews returns the participant's interviews, oldest first.
func (s *InterviewService) ListInterviews(participantID string) ([]*models.Interview, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, NewInvalidError("participant id required")
	}
	return s.store.ListInterviewsByParticipant(participantID)
}

// CopyResponseToCorrected snapshots the participant response into the
// corrected response for the reviewer workflow. A one-time copy, not a
// continuous mirror; the copy is stamped so staleness can be detected later.
func (s *InterviewService) CopyResponseToCorrected(iv *models.Interview) error {
	corrected := deepCopyTree(iv.Response)
	if corrected == nil {
		corrected = map[string]any{}
	}
	corrected[models.ResponseKeyCorrectedAt] = s.now().Unix()
	iv.CorrectedResponse = corrected
	_, err := s.store.UpdateInterview(iv.ID, map[string]any{
		models.FieldCorrectedResponse: corrected,
	})
	return err
}

// CorrectedDataDirty reports whether the participant edited the response
// after the reviewer's snapshot was taken. Frozen interviews are never dirty:
// no further participant edits can land.
func (s *InterviewService) CorrectedDataDirty(iv *models.Interview) bool {
	if iv.Frozen() {
		return false
	}
	updatedAt, ok := numericResponseValue(iv.Response, models.ResponseKeyUpdatedAt)
	if !ok {
		return false
	}
	copiedAt, ok := numericResponseValue(iv.CorrectedResponse, models.ResponseKeyCorrectedAt)
	if !ok {
		return true
	}
	return copiedAt < updatedAt
}

func numericResponseValue(tree map[string]any, key string) (float64, bool) {
	v, ok := paths.Get(tree, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
