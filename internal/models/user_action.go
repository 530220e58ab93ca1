package models

// User action types sent by the client alongside an update. They classify the
// paradata trail; they never branch business logic.
const (
	ActionButtonClick       = "buttonClick"
	ActionWidgetInteraction = "widgetInteraction"
	ActionSectionChange     = "sectionChange"
	ActionLanguageChange    = "languageChange"
	ActionInterviewOpen     = "interviewOpen"
)

// SectionRef identifies a questionnaire section, optionally inside an
// iteration context (e.g. per-person loops).
type SectionRef struct {
	Shortname        string   `json:"sectionShortname"`
	IterationContext []string `json:"iterationContext,omitempty"`
}

// UserAction describes the client-side trigger of an update request.
type UserAction struct {
	Type string `json:"type"`

	// widgetInteraction: the interacted widget's path and new value, folded
	// into the request's values before anything else runs.
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`

	// buttonClick
	ButtonID string `json:"buttonId,omitempty"`

	// sectionChange
	TargetSection   *SectionRef `json:"targetSection,omitempty"`
	PreviousSection *SectionRef `json:"previousSection,omitempty"`

	// languageChange
	Language string `json:"language,omitempty"`
}
