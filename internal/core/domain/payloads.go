package domain

import "errors"

// ErrEmptyPayload is returned when decoding an event that carries no data.
var ErrEmptyPayload = errors.New("event has no payload")

// ResearchPlan is the payload of a research_plan event.
type ResearchPlan struct {
	ResearchTopic     string   `json:"research_topic"`
	SubTopics         []string `json:"sub_topics,omitempty"`
	ResearchQuestions []string `json:"research_questions,omitempty"`
	Rationale         string   `json:"rationale,omitempty"`
}

// QueryGenerated is the payload of a query_generated event.
type QueryGenerated struct {
	Queries   []string `json:"queries,omitempty"`
	Count     int      `json:"count"`
	Rationale string   `json:"rationale,omitempty"`
}

// Reflection is the payload of a reflection event.
type Reflection struct {
	LoopCount       int      `json:"loop_count"`
	IsSufficient    bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap,omitempty"`
	FollowUpQueries []string `json:"follow_up_queries,omitempty"`
}

// Progress is the payload of a progress heartbeat.
type Progress struct {
	CurrentStep    string  `json:"current_step"`
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	Percentage     float64 `json:"percentage"`
}

// Source is a cited or discovered web resource.
type Source struct {
	Label    string `json:"label,omitempty"`
	ShortURL string `json:"short_url,omitempty"`
	Value    string `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Link returns the best available address for the source.
func (s Source) Link() string {
	switch {
	case s.URL != "":
		return s.URL
	case s.Value != "":
		return s.Value
	default:
		return s.ShortURL
	}
}

// WebResult is the payload of a web_result event.
type WebResult struct {
	Query   string   `json:"query,omitempty"`
	Sources []Source `json:"sources,omitempty"`
}

// ResearchResult is the final outcome of a research task, carried by the
// completed event or returned whole by the synchronous endpoint.
type ResearchResult struct {
	Success        bool           `json:"success"`
	Answer         string         `json:"answer,omitempty"`
	MarkdownReport string         `json:"markdown_report,omitempty"`
	Sources        []Source       `json:"sources,omitempty"`
	AllSources     []Source       `json:"all_sources,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// ReportStats summarizes a finished report for display.
type ReportStats struct {
	Sources    int `json:"sources"`
	Characters int `json:"characters"`
	Tokens     int `json:"tokens"`
}

// Completion is attached to the terminal transcript entry of a completed session.
type Completion struct {
	Result ResearchResult `json:"result"`
	Stats  ReportStats    `json:"stats"`
}
