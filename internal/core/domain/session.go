package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// SessionStatus is the lifecycle state of a research session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusStreaming SessionStatus = "streaming"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further events will be applied.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Role classifies a transcript entry.
type Role string

const (
	RoleAsk    Role = "ask"
	RoleStatus Role = "status"
	RolePlan   Role = "plan"
)

// TranscriptEntry is one display-ready line of a session transcript.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
}

// Diagnostic records a frame that could not be classified.
type Diagnostic struct {
	Line  string    `json:"line"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// ReportFormat selects the style of the final report.
type ReportFormat string

const (
	ReportFormal ReportFormat = "formal"
	ReportCasual ReportFormat = "casual"
)

// Research request bounds enforced by the engine.
const (
	MaxQueryLength          = 8000
	MaxInitialSearchQueries = 10
	MaxResearchLoops        = 5
)

// ResearchOptions are the tunable parameters of a research request.
// Zero values leave the engine defaults in place.
type ResearchOptions struct {
	InitialSearchQueryCount int          `json:"initial_search_query_count,omitempty" koanf:"initial_search_query_count"`
	MaxResearchLoops        int          `json:"max_research_loops,omitempty" koanf:"max_research_loops"`
	ReasoningModel          string       `json:"reasoning_model,omitempty" koanf:"reasoning_model"`
	ReportFormat            ReportFormat `json:"report_format,omitempty" koanf:"report_format"`
}

// ValidateQuery checks a query and its options against the engine's bounds.
func ValidateQuery(query string, opts ResearchOptions) error {
	if query == "" {
		return ErrInvalidRequest("query must not be empty").WithParam("query")
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return ErrInvalidRequest(fmt.Sprintf("query exceeds %d characters", MaxQueryLength)).WithParam("query")
	}
	if n := opts.InitialSearchQueryCount; n != 0 && (n < 1 || n > MaxInitialSearchQueries) {
		return ErrInvalidRequest(fmt.Sprintf("initial_search_query_count must be between 1 and %d", MaxInitialSearchQueries)).
			WithParam("initial_search_query_count")
	}
	if n := opts.MaxResearchLoops; n != 0 && (n < 1 || n > MaxResearchLoops) {
		return ErrInvalidRequest(fmt.Sprintf("max_research_loops must be between 1 and %d", MaxResearchLoops)).
			WithParam("max_research_loops")
	}
	switch opts.ReportFormat {
	case "", ReportFormal, ReportCasual:
	default:
		return ErrInvalidRequest(fmt.Sprintf("unknown report_format %q", opts.ReportFormat)).WithParam("report_format")
	}
	return nil
}

// Session is a point-in-time copy of a research session. Slices are owned by
// the copy; the live session is held by the orchestrator.
type Session struct {
	ID          string            `json:"id"`
	Query       string            `json:"query"`
	Options     ResearchOptions   `json:"options"`
	Status      SessionStatus     `json:"status"`
	Events      []Event           `json:"events"`
	Transcript  []TranscriptEntry `json:"transcript"`
	Diagnostics []Diagnostic      `json:"diagnostics,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}
