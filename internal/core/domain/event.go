package domain

import (
	"encoding/json"
	"time"
)

// EventKind identifies the phase of the remote research task an event reports on.
// Producers have used several spellings over time; codec.NormalizeKind maps them
// onto the canonical values below.
type EventKind string

const (
	EventStarted             EventKind = "started"
	EventResearchPlan        EventKind = "research_plan"
	EventQueryGenerated      EventKind = "query_generated"
	EventWebSearching        EventKind = "web_searching"
	EventWebResult           EventKind = "web_result"
	EventReflection          EventKind = "reflection"
	EventQualityAssessment   EventKind = "quality_assessment"
	EventFactVerification    EventKind = "fact_verification"
	EventRelevanceAssessment EventKind = "relevance_assessment"
	EventOptimization        EventKind = "optimization"
	EventProgress            EventKind = "progress"
	EventReportGenerated     EventKind = "report_generated"
	EventCompleted           EventKind = "completed"
	EventCancelled           EventKind = "cancelled"
	EventError               EventKind = "error"

	// EventOther is the default arm for kinds the client does not recognize.
	// The original label is kept in Event.RawKind.
	EventOther EventKind = "other"
)

// KnownKinds lists every canonical kind except EventOther.
var KnownKinds = []EventKind{
	EventStarted,
	EventResearchPlan,
	EventQueryGenerated,
	EventWebSearching,
	EventWebResult,
	EventReflection,
	EventQualityAssessment,
	EventFactVerification,
	EventRelevanceAssessment,
	EventOptimization,
	EventProgress,
	EventReportGenerated,
	EventCompleted,
	EventCancelled,
	EventError,
}

// IsTerminal reports whether the kind ends a research stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventCompleted, EventCancelled, EventError:
		return true
	}
	return false
}

// Event is one classified unit received from the research engine.
// Events are values; nothing mutates them after classification.
type Event struct {
	Kind      EventKind       `json:"kind"`
	RawKind   string          `json:"raw_kind,omitempty"`
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// HasPayload reports whether the event carries a non-null payload.
func (e Event) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if !e.HasPayload() {
		return ErrEmptyPayload
	}
	return json.Unmarshal(e.Payload, v)
}
