package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
	"github.com/fieldtrace/fieldtrace/internal/session"
)

type stubInterviewStore struct {
	mu         sync.Mutex
	interviews map[string]*models.Interview
	updates    []map[string]any
	updateErr  error
}

func newStubInterviewStore(ivs ...*models.Interview) *stubInterviewStore {
	s := &stubInterviewStore{interviews: map[string]*models.Interview{}}
	for _, iv := range ivs {
		s.interviews[iv.ID] = iv
	}
	return s
}

func (s *stubInterviewStore) GetInterviewByID(id string) (*models.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.interviews[id]
	if !ok {
		return nil, nil
	}
	cp := *iv
	cp.Response = deepCopyTree(iv.Response)
	cp.Validations = deepCopyTree(iv.Validations)
	cp.CorrectedResponse = deepCopyTree(iv.CorrectedResponse)
	return &cp, nil
}

func (s *stubInterviewStore) ListInterviewsByParticipant(participantID string) ([]*models.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Interview
	for _, iv := range s.interviews {
		if iv.ParticipantID == participantID {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (s *stubInterviewStore) CreateInterview(iv *models.Interview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interviews[iv.ID] = iv
	return nil
}

func (s *stubInterviewStore) UpdateInterview(id string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return "", s.updateErr
	}
	iv, ok := s.interviews[id]
	if !ok {
		return "", errors.New("no such interview")
	}
	s.updates = append(s.updates, fields)
	for k, v := range fields {
		switch k {
		case models.FieldResponse:
			iv.Response = deepCopyTree(v.(map[string]any))
		case models.FieldValidations:
			iv.Validations = deepCopyTree(v.(map[string]any))
		case models.FieldCorrectedResponse:
			if tree, ok := v.(map[string]any); ok {
				iv.CorrectedResponse = deepCopyTree(tree)
			} else {
				iv.CorrectedResponse = nil
			}
		case models.FieldIsActive:
			iv.IsActive = v.(*bool)
		case models.FieldIsCompleted:
			iv.IsCompleted = v.(*bool)
		case models.FieldIsValid:
			iv.IsValid = v.(*bool)
		case models.FieldIsFrozen:
			iv.IsFrozen = v.(*bool)
		}
	}
	return id, nil
}

func (s *stubInterviewStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *stubInterviewStore) lastUpdate() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return nil
	}
	return s.updates[len(s.updates)-1]
}

func (s *stubInterviewStore) current(id string) *models.Interview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interviews[id]
}

type serviceFixture struct {
	svc     *InterviewService
	store   *stubInterviewStore
	events  *recordingParadataStore
	queue   *ParadataQueue
	ops     *OperationRegistry
	relay   *Relay
	closeFn func()
}

func newServiceFixture(store *stubInterviewStore, callbacks []FieldUpdateCallback, rules ServerValidation) *serviceFixture {
	log := logger.NewNop()
	events := &recordingParadataStore{}
	queue := NewParadataQueue(events, log)
	ops := NewOperationRegistry(log)
	relay := NewRelay(session.NewMemoryStore(), log)
	svc := NewInterviewService(store, queue, relay, ops, callbacks, rules, log)
	svc.now = fixedNow
	svc.idGen = func() string { return "generated-id" }
	return &serviceFixture{
		svc:     svc,
		store:   store,
		events:  events,
		queue:   queue,
		ops:     ops,
		relay:   relay,
		closeFn: queue.Close,
	}
}

func baseInterview() *models.Interview {
	return &models.Interview{
		ID:            "iv1",
		ParticipantID: "p1",
		SurveyID:      "s1",
		Response:      map[string]any{},
		Validations:   map[string]any{},
		IsActive:      models.Bool(true),
	}
}

func TestProcessUpdateSuccess(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.household.size", float64(3)),
		ClientIP:     "198.51.100.7",
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusSuccess || res.InterviewID == nil || *res.InterviewID != "iv1" {
		t.Fatalf("res = %+v", res)
	}

	iv := store.current("iv1")
	if v, _ := paths.Get(iv.Response, "household.size"); v != float64(3) {
		t.Fatalf("value not persisted, got %v", v)
	}
	if v, _ := paths.Get(iv.Response, models.ResponseKeyUpdatedAt); v != fixedNow().Unix() {
		t.Fatalf("_updatedAt = %v", v)
	}
	if v, _ := paths.Get(iv.Response, models.ResponseKeyIP); v != "198.51.100.7" {
		t.Fatalf("_ip = %v", v)
	}
	update := store.lastUpdate()
	if _, ok := update[models.FieldResponse]; !ok {
		t.Fatal("response missing from persisted subset")
	}
	if _, ok := update[models.FieldValidations]; !ok {
		t.Fatal("validations missing from persisted subset")
	}
	if len(update) != 2 {
		t.Fatalf("default subset must be response+validations, got %v", update)
	}

	f.queue.Close()
	events := f.events.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 paradata event, got %d", len(events))
	}
	if events[0].EventType != models.EventSideEffect || events[0].ForCorrection {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestProcessUpdateInvalidValueStillPersisted(t *testing.T) {
	rules := ServerValidation{"household.carNumber": negativeRule()}
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, rules)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.household.carNumber", float64(-1)),
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusInvalid {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Messages["household.carNumber"]["en"] == "" {
		t.Fatalf("messages = %v", res.Messages)
	}

	iv := store.current("iv1")
	if v, _ := paths.Get(iv.Response, "household.carNumber"); v != float64(-1) {
		t.Fatalf("invalid value must still persist, got %v", v)
	}
	if v, _ := paths.Get(iv.Validations, "household.carNumber"); v != false {
		t.Fatalf("validations flag = %v", v)
	}
}

func TestProcessUpdateNoopSkipsEverything(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{InterviewID: "iv1"})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if store.updateCount() != 0 {
		t.Fatal("no-op must not persist")
	}
	f.queue.Close()
	if len(f.events.all()) != 0 {
		t.Fatal("no-op must not log paradata")
	}
}

func TestProcessUpdateMissingInterview(t *testing.T) {
	store := newStubInterviewStore()
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "nope",
		ValuesByPath: paths.ValuesFromPairs("response.a", 1),
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.InterviewID != nil {
		t.Fatalf("interview id = %v", *res.InterviewID)
	}
	// The wire shape carries an explicit null, not an omitted field.
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"interviewId":null`) {
		t.Fatalf("body = %s", raw)
	}
}

func TestProcessUpdateServerValuesReported(t *testing.T) {
	callbacks := []FieldUpdateCallback{{
		Field: "home.city",
		Callback: func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error) {
			return map[string]any{"home.region": "east"}, "", nil
		},
	}}
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, callbacks, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.home.city", "Quebec"),
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if v, ok := res.UpdatedValuesByPath.Get("response.home.region"); !ok || v != "east" {
		t.Fatalf("server value not reported, got %v", res.UpdatedValuesByPath.Map())
	}
	iv := store.current("iv1")
	if v, _ := paths.Get(iv.Response, "home.region"); v != "east" {
		t.Fatalf("server value not persisted, got %v", v)
	}

	f.queue.Close()
	events := f.events.all()
	if len(events) != 2 {
		t.Fatalf("expected client + server events, got %d", len(events))
	}
	if events[1].EventType != models.EventServer {
		t.Fatalf("second event = %s", events[1].EventType)
	}
}

func TestProcessUpdateRedirect(t *testing.T) {
	callbacks := []FieldUpdateCallback{{
		Field: "accessCode",
		Callback: func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error) {
			return nil, "https://example.org/other-survey", nil
		},
	}}
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, callbacks, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.accessCode", "XYZ"),
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusRedirect || res.RedirectURL != "https://example.org/other-survey" {
		t.Fatalf("res = %+v", res)
	}
}

func TestProcessUpdateRedirectSuppressedWhenInvalid(t *testing.T) {
	rules := ServerValidation{"accessCode": {{
		Validation:   func(v any) bool { return true },
		ErrorMessage: map[string]string{"en": "unknown code"},
	}}}
	callbacks := []FieldUpdateCallback{{
		Field: "accessCode",
		Callback: func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error) {
			return nil, "https://example.org/other-survey", nil
		},
	}}
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, callbacks, rules)
	defer f.closeFn()

	res, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.accessCode", "XYZ"),
	})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if res.Status != StatusInvalid {
		t.Fatalf("validation failure must win over redirect, got %s", res.Status)
	}
}

func TestUpdateInterviewFreezeOnCompletion(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	iv, _ := store.GetInterviewByID("iv1")
	_, err := f.svc.UpdateInterview(iv, UpdateOptions{
		ValuesByPath:   paths.ValuesFromPairs(models.FieldIsCompleted, true),
		FieldsToUpdate: []string{models.FieldResponse, models.FieldValidations, models.FieldIsCompleted},
	})
	if err != nil {
		t.Fatalf("UpdateInterview: %v", err)
	}
	update := store.lastUpdate()
	frozen, ok := update[models.FieldIsFrozen].(*bool)
	if !ok || frozen == nil || !*frozen {
		t.Fatalf("completion must freeze in the same write, got %v", update)
	}
	if !store.current("iv1").Frozen() {
		t.Fatal("stored record not frozen")
	}
}

func TestUpdateInterviewFreezeOnInvalidCompletion(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	iv, _ := store.GetInterviewByID("iv1")
	_, err := f.svc.UpdateInterview(iv, UpdateOptions{
		ValuesByPath:   paths.ValuesFromPairs(models.FieldIsValid, false),
		FieldsToUpdate: []string{models.FieldResponse, models.FieldValidations, models.FieldIsValid},
	})
	if err != nil {
		t.Fatalf("UpdateInterview: %v", err)
	}
	// A recorded verdict freezes even when the verdict is negative.
	if !store.current("iv1").Frozen() {
		t.Fatal("recording is_valid=false must freeze")
	}
}

func TestUpdateInterviewNullCompletionDoesNotFreeze(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	iv, _ := store.GetInterviewByID("iv1")
	_, err := f.svc.UpdateInterview(iv, UpdateOptions{
		ValuesByPath:   paths.ValuesFromPairs(models.FieldIsCompleted, nil),
		FieldsToUpdate: []string{models.FieldResponse, models.FieldValidations, models.FieldIsCompleted},
	})
	if err != nil {
		t.Fatalf("UpdateInterview: %v", err)
	}
	update := store.lastUpdate()
	if _, ok := update[models.FieldIsFrozen]; ok {
		t.Fatal("explicit null must not freeze")
	}
	if store.current("iv1").Frozen() {
		t.Fatal("stored record frozen after null completion")
	}
}

func TestUpdateInterviewPersistenceFailure(t *testing.T) {
	store := newStubInterviewStore(baseInterview())
	store.updateErr = errors.New("disk full")
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	_, err := f.svc.ProcessUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.a", 1),
	})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	f.queue.Close()
	if len(f.events.all()) != 0 {
		t.Fatal("failed persistence must not log paradata")
	}
}

func TestDeferredCompletionRelayedOnce(t *testing.T) {
	callbacks := []FieldUpdateCallback{{
		Field: "household.finished",
		Callback: func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error) {
			if register != nil {
				register(DeferredOperation{
					Name:     "completion",
					UniqueID: "c1",
					Run: func(isCancelled func() bool) (map[string]any, error) {
						return map[string]any{"_isCompleted": true}, nil
					},
				})
			}
			return nil, "", nil
		},
	}}
	store := newStubInterviewStore(baseInterview())
	f := newServiceFixture(store, callbacks, nil)
	defer f.closeFn()
	ctx := context.Background()

	res, err := f.svc.ProcessUpdate(ctx, UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.household.finished", true),
		SessionKey:   "sess1",
	})
	if err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if res.UpdatedValuesByPath.Has("response._isCompleted") {
		t.Fatal("deferred result must not surface in the triggering call")
	}

	f.ops.Wait()
	if v, _ := paths.Get(store.current("iv1").Response, "_isCompleted"); v != true {
		t.Fatalf("deferred result not persisted, got %v", v)
	}

	res, err = f.svc.ProcessUpdate(ctx, UpdateRequest{InterviewID: "iv1", SessionKey: "sess1"})
	if err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if v, ok := res.UpdatedValuesByPath.Get("response._isCompleted"); !ok || v != true {
		t.Fatalf("deferred result not relayed, got %v", res.UpdatedValuesByPath.Map())
	}

	res, err = f.svc.ProcessUpdate(ctx, UpdateRequest{InterviewID: "iv1", SessionKey: "sess1"})
	if err != nil {
		t.Fatalf("call 3: %v", err)
	}
	if res.UpdatedValuesByPath.Has("response._isCompleted") {
		t.Fatal("deferred result relayed twice")
	}
}

func TestProcessCorrectedUpdate(t *testing.T) {
	iv := baseInterview()
	iv.Response = map[string]any{"household": map[string]any{"size": float64(3)}}
	store := newStubInterviewStore(iv)
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	res, err := f.svc.ProcessCorrectedUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.household.size", float64(4)),
		UserID:       "reviewer1",
	})
	if err != nil {
		t.Fatalf("ProcessCorrectedUpdate: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}

	stored := store.current("iv1")
	if v, _ := paths.Get(stored.CorrectedResponse, "household.size"); v != float64(4) {
		t.Fatalf("corrected value = %v", v)
	}
	// The participant's original answer stays untouched.
	if v, _ := paths.Get(stored.Response, "household.size"); v != float64(3) {
		t.Fatalf("original answer mutated: %v", v)
	}
	update := store.lastUpdate()
	if _, ok := update[models.FieldResponse]; ok {
		t.Fatal("reviewer update must not persist the response field")
	}

	f.queue.Close()
	events := f.events.all()
	if len(events) != 1 || !events[0].ForCorrection {
		t.Fatalf("expected one correction event, got %+v", events)
	}
}

func TestProcessCorrectedUpdateFrozen(t *testing.T) {
	iv := baseInterview()
	iv.IsFrozen = models.Bool(true)
	store := newStubInterviewStore(iv)
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	_, err := f.svc.ProcessCorrectedUpdate(context.Background(), UpdateRequest{
		InterviewID:  "iv1",
		ValuesByPath: paths.ValuesFromPairs("response.household.size", float64(4)),
	})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCopyResponseToCorrected(t *testing.T) {
	iv := baseInterview()
	iv.Response = map[string]any{"household": map[string]any{"size": float64(3)}}
	store := newStubInterviewStore(iv)
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	loaded, _ := store.GetInterviewByID("iv1")
	if err := f.svc.CopyResponseToCorrected(loaded); err != nil {
		t.Fatalf("CopyResponseToCorrected: %v", err)
	}
	stored := store.current("iv1")
	if v, _ := paths.Get(stored.CorrectedResponse, "household.size"); v != float64(3) {
		t.Fatalf("snapshot value = %v", v)
	}
	if v, _ := paths.Get(stored.CorrectedResponse, models.ResponseKeyCorrectedAt); v != fixedNow().Unix() {
		t.Fatalf("copy stamp = %v", v)
	}
	if f.svc.CorrectedDataDirty(stored) {
		t.Fatal("fresh snapshot reported dirty")
	}

	// A later participant edit makes the snapshot stale.
	stored.Response[models.ResponseKeyUpdatedAt] = fixedNow().Add(time.Hour).Unix()
	if !f.svc.CorrectedDataDirty(stored) {
		t.Fatal("stale snapshot not reported dirty")
	}
	stored.IsFrozen = models.Bool(true)
	if f.svc.CorrectedDataDirty(stored) {
		t.Fatal("frozen interview can never be dirty")
	}
}

func TestCreateInterview(t *testing.T) {
	store := newStubInterviewStore()
	f := newServiceFixture(store, nil, nil)
	defer f.closeFn()

	iv, err := f.svc.CreateInterview("p1", "s1")
	if err != nil {
		t.Fatalf("CreateInterview: %v", err)
	}
	if iv.ID != "generated-id" {
		t.Fatalf("id = %s", iv.ID)
	}
	if iv.IsActive == nil || !*iv.IsActive {
		t.Fatal("new interview must be active")
	}
	if v, _ := paths.Get(iv.Response, models.ResponseKeyStartedAt); v != fixedNow().Unix() {
		t.Fatalf("_startedAt = %v", v)
	}
	if _, err := f.svc.CreateInterview("", "s1"); err == nil {
		t.Fatal("missing participant must be rejected")
	}
}
