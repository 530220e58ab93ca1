package services

import (
	"reflect"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
)

const (
	PrefillForce     = "force"
	PrefillDoNothing = "doNothing"
)

// PrefillService resolves stored prefilled responses for a reference value
// (usually an access code) into server-side values for an interview update.
type PrefillService struct {
	store PrefillStore
	log   *logger.Logger
}

func NewPrefillService(store PrefillStore, log *logger.Logger) *PrefillService {
	return &PrefillService{store: store, log: log}
}

// ValuesForInterview returns the response-relative values to merge into the
// interview for the given reference. Entries whose value already matches the
// interview are skipped, and entries the participant already answered are
// skipped unless the stored entry forces the overwrite. Store errors are
// logged and yield an empty result: a broken prefill source must not fail the
// update that asked for it.
func (s *PrefillService) ValuesForInterview(iv *models.Interview, ref string) map[string]any {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	stored, err := s.store.GetPrefilledByReference(ref)
	if err != nil {
		s.log.Error("prefill lookup failed", "error", err)
		return nil
	}
	if len(stored) == 0 {
		return nil
	}
	out := map[string]any{}
	for fieldPath, entry := range stored {
		current, present := paths.Get(iv.Response, fieldPath)
		if present {
			if reflect.DeepEqual(current, entry.Value) {
				continue
			}
			if entry.ActionIfPresent != PrefillForce {
				continue
			}
		}
		out[fieldPath] = entry.Value
	}
	return out
}

// SetPrefilled stores prefilled values for a reference, replacing any previous
// set for that reference.
func (s *PrefillService) SetPrefilled(ref string, values map[string]PrefilledValue) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return NewInvalidError("prefill reference required")
	}
	if len(values) == 0 {
		return NewInvalidError("prefill values required")
	}
	return s.store.SetPrefilledForReference(ref, values)
}

// PrefillCallback builds a side-effect callback that merges prefilled values
// whenever the given response field (e.g. an access code) is set.
func PrefillCallback(prefill *PrefillService, field string) FieldUpdateCallback {
	return FieldUpdateCallback{
		Field: field,
		Callback: func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error) {
			ref, _ := newValue.(string)
			if ref == "" {
				return nil, "", nil
			}
			return prefill.ValuesForInterview(iv, ref), "", nil
		},
	}
}
