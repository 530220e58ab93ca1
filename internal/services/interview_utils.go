package services

import (
	"strings"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
)

// FoldUserAction merges a user action's data into valuesByPath before the
// orchestrator runs. A widget interaction's inline path/value is folded in
// ahead of the client's other values; section and language changes write
// their navigation bookkeeping. Button clicks only classify paradata and add
// nothing.
func FoldUserAction(iv *models.Interview, valuesByPath *paths.Values, userAction *models.UserAction, now func() time.Time) {
	if userAction == nil {
		return
	}
	switch userAction.Type {
	case models.ActionWidgetInteraction:
		if userAction.Path != "" {
			valuesByPath.Prepend(userAction.Path, userAction.Value)
		}
	case models.ActionSectionChange:
		foldSectionChange(iv, valuesByPath, userAction, now)
	case models.ActionLanguageChange:
		if userAction.Language != "" {
			valuesByPath.Set(responsePrefix+models.ResponseKeyLanguage, userAction.Language)
		}
	}
}

func foldSectionChange(iv *models.Interview, valuesByPath *paths.Values, userAction *models.UserAction, now func() time.Time) {
	target := userAction.TargetSection
	if target == nil || target.Shortname == "" {
		return
	}
	ts := now().Unix()
	valuesByPath.Set(sectionPath(target.Shortname, nil)+"._startedAt", ts)
	if target.IterationContext != nil {
		valuesByPath.Set(sectionPath(target.Shortname, target.IterationContext)+"._startedAt", ts)
	}
	if prev := userAction.PreviousSection; prev != nil && prev.Shortname != "" {
		valuesByPath.Set(sectionPath(prev.Shortname, prev.IterationContext)+"._isCompleted", true)
	}

	// Append the navigation step to the section action trail.
	trail, _ := paths.Get(iv.Response, "_sections._actions")
	actions, _ := trail.([]any)
	step := map[string]any{
		"section": target.Shortname,
		"action":  "start",
		"ts":      ts,
	}
	if target.IterationContext != nil {
		step["iterationContext"] = target.IterationContext
	}
	valuesByPath.Set(responsePrefix+"_sections._actions", append(actions, step))
}

func sectionPath(shortname string, iterationContext []string) string {
	p := responsePrefix + "_sections." + shortname
	if len(iterationContext) > 0 {
		p += "." + strings.Join(iterationContext, "/")
	}
	return p
}

// MapResponseToCorrectedResponse rewrites reviewer-submitted paths from the
// response tree to the corrected response tree. The participant's original
// answers are never edited by the reviewer workflow.
func MapResponseToCorrectedResponse(valuesByPath *paths.Values, unsetPaths []string, userAction *models.UserAction) (*paths.Values, []string, *models.UserAction) {
	rename := func(path string) string {
		if path == "response" {
			return "corrected_response"
		}
		if rest, ok := strings.CutPrefix(path, responsePrefix); ok {
			return correctedPrefix + rest
		}
		return path
	}

	mapped := paths.NewValues()
	valuesByPath.Range(func(path string, value any) bool {
		mapped.Set(rename(path), value)
		return true
	})
	mappedUnsets := make([]string, len(unsetPaths))
	for i, p := range unsetPaths {
		mappedUnsets[i] = rename(p)
	}
	if userAction != nil && userAction.Type == models.ActionWidgetInteraction {
		ua := *userAction
		ua.Path = rename(ua.Path)
		userAction = &ua
	}
	return mapped, mappedUnsets, userAction
}

// SetInterviewFields applies the path-addressed values and unsets to the
// interview. Values are applied in request order, then unsets. Applying an
// empty set is a true no-op.
func SetInterviewFields(iv *models.Interview, valuesByPath *paths.Values, unsetPaths []string) {
	valuesByPath.Range(func(path string, value any) bool {
		setInterviewPath(iv, path, value)
		return true
	})
	for _, path := range unsetPaths {
		unsetInterviewPath(iv, path)
	}
}

// GetInterviewPath resolves a dotted interview path (tree field or status
// flag) against the current in-memory record.
func GetInterviewPath(iv *models.Interview, path string) (any, bool) {
	switch path {
	case models.FieldResponse:
		return iv.Response, true
	case models.FieldValidations:
		return iv.Validations, true
	case models.FieldCorrectedResponse:
		return iv.CorrectedResponse, true
	case models.FieldIsActive:
		return flagValue(iv.IsActive), true
	case models.FieldIsCompleted:
		return flagValue(iv.IsCompleted), true
	case models.FieldIsValid:
		return flagValue(iv.IsValid), true
	case models.FieldIsFrozen:
		return flagValue(iv.IsFrozen), true
	}
	if rest, ok := strings.CutPrefix(path, responsePrefix); ok {
		return paths.Get(iv.Response, rest)
	}
	if rest, ok := strings.CutPrefix(path, validationsPrefix); ok {
		return paths.Get(iv.Validations, rest)
	}
	if rest, ok := strings.CutPrefix(path, correctedPrefix); ok {
		return paths.Get(iv.CorrectedResponse, rest)
	}
	return nil, false
}

func flagValue(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func setInterviewPath(iv *models.Interview, path string, value any) {
	switch path {
	case models.FieldResponse:
		iv.Response = asTree(value)
		return
	case models.FieldValidations:
		iv.Validations = asTree(value)
		return
	case models.FieldCorrectedResponse:
		iv.CorrectedResponse = asTree(value)
		return
	case models.FieldIsActive:
		iv.IsActive = asFlag(value)
		return
	case models.FieldIsCompleted:
		iv.IsCompleted = asFlag(value)
		return
	case models.FieldIsValid:
		iv.IsValid = asFlag(value)
		return
	case models.FieldIsFrozen:
		iv.IsFrozen = asFlag(value)
		return
	}
	if rest, ok := strings.CutPrefix(path, responsePrefix); ok {
		if iv.Response == nil {
			iv.Response = map[string]any{}
		}
		paths.Set(iv.Response, rest, value)
		return
	}
	if rest, ok := strings.CutPrefix(path, validationsPrefix); ok {
		if iv.Validations == nil {
			iv.Validations = map[string]any{}
		}
		paths.Set(iv.Validations, rest, value)
		return
	}
	if rest, ok := strings.CutPrefix(path, correctedPrefix); ok {
		if iv.CorrectedResponse == nil {
			iv.CorrectedResponse = map[string]any{}
		}
		paths.Set(iv.CorrectedResponse, rest, value)
	}
	// Paths addressing no interview field are ignored: the persisted field
	// subset keeps them from ever reaching storage anyway.
}

func unsetInterviewPath(iv *models.Interview, path string) {
	switch path {
	case models.FieldResponse:
		iv.Response = map[string]any{}
		return
	case models.FieldValidations:
		iv.Validations = map[string]any{}
		return
	case models.FieldCorrectedResponse:
		iv.CorrectedResponse = nil
		return
	case models.FieldIsActive:
		iv.IsActive = nil
		return
	case models.FieldIsCompleted:
		iv.IsCompleted = nil
		return
	case models.FieldIsValid:
		iv.IsValid = nil
		return
	case models.FieldIsFrozen:
		iv.IsFrozen = nil
		return
	}
	if rest, ok := strings.CutPrefix(path, responsePrefix); ok {
		paths.Unset(iv.Response, rest)
		return
	}
	if rest, ok := strings.CutPrefix(path, validationsPrefix); ok {
		paths.Unset(iv.Validations, rest)
		return
	}
	if rest, ok := strings.CutPrefix(path, correctedPrefix); ok {
		paths.Unset(iv.CorrectedResponse, rest)
	}
}

// asTree coerces a replacement value for a whole tree field. Anything that is
// not an object resets the field to an empty tree.
func asTree(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// asFlag accepts a boolean or the explicit "unset" sentinel (JSON null).
// Anything else clears the flag rather than guessing.
func asFlag(value any) *bool {
	if b, ok := value.(bool); ok {
		return models.Bool(b)
	}
	return nil
}

// deepCopyTree clones an answer tree. Values are the JSON-shaped types the
// decoder produces, so maps and slices are the only containers to walk.
func deepCopyTree(tree map[string]any) map[string]any {
	if tree == nil {
		return nil
	}
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyTree(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return value
	}
}
