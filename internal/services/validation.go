package services

import (
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/paths"
)

// ValidationRule is one server-side check for a response field. Validation
// returns true when the candidate value is IN ERROR (fail semantics, not pass
// semantics); ErrorMessage is the localized payload returned to the client.
type ValidationRule struct {
	Validation   func(value any) bool
	ErrorMessage map[string]string
}

// ServerValidation maps a response-relative field path to its rules.
type ServerValidation map[string][]ValidationRule

const (
	responsePrefix    = "response."
	correctedPrefix   = "corrected_response."
	validationsPrefix = "validations."
)

// ServerValidate runs the rules against the incoming values. The return value
// is nil when every evaluated field passed; otherwise it maps each failing
// field to the first failing rule's error payload.
//
// A field is evaluated only when the request carries a new value for it and
// the caller did not already assert that field's validity explicitly: a
// client-supplied validations.<field> boolean short-circuits server
// validation for that field in that call.
func ServerValidate(rules ServerValidation, valuesByPath *paths.Values, unsetPaths []string) map[string]map[string]string {
	if len(rules) == 0 || valuesByPath.Len() == 0 {
		return nil
	}
	var failed map[string]map[string]string
	valuesByPath.Range(func(path string, value any) bool {
		field, ok := strings.CutPrefix(path, responsePrefix)
		if !ok {
			return true
		}
		fieldRules, ok := rules[field]
		if !ok {
			return true
		}
		if asserted, ok := valuesByPath.Get(validationsPrefix + field); ok {
			if _, isBool := asserted.(bool); isBool {
				return true
			}
		}
		for _, rule := range fieldRules {
			if rule.Validation == nil || !rule.Validation(value) {
				continue
			}
			if failed == nil {
				failed = map[string]map[string]string{}
			}
			failed[field] = rule.ErrorMessage
			break
		}
		return true
	})
	return failed
}
