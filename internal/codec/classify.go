// Package codec turns decoded event-stream frames into typed research events.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/sse"
)

// kindAliases is the single source of truth for mapping producer labels onto
// canonical kinds. Keys are normalized with normalizeLabel before lookup.
var kindAliases = map[string]domain.EventKind{
	"start":                   domain.EventStarted,
	"research_started":        domain.EventStarted,
	"plan":                    domain.EventResearchPlan,
	"research_plan_generated": domain.EventResearchPlan,
	"queries_generated":       domain.EventQueryGenerated,
	"query":                   domain.EventQueryGenerated,
	"search":                  domain.EventWebSearching,
	"searching":               domain.EventWebSearching,
	"web_search":              domain.EventWebSearching,
	"result":                  domain.EventWebResult,
	"search_result":           domain.EventWebResult,
	"web_results":             domain.EventWebResult,
	"reflect":                 domain.EventReflection,
	"quality":                 domain.EventQualityAssessment,
	"content_quality":         domain.EventQualityAssessment,
	"fact_check":              domain.EventFactVerification,
	"verification":            domain.EventFactVerification,
	"relevance":               domain.EventRelevanceAssessment,
	"optimize":                domain.EventOptimization,
	"summary_optimization":    domain.EventOptimization,
	"heartbeat":               domain.EventProgress,
	"report":                  domain.EventReportGenerated,
	"report_ready":            domain.EventReportGenerated,
	"complete":                domain.EventCompleted,
	"done":                    domain.EventCompleted,
	"finished":                domain.EventCompleted,
	"cancel":                  domain.EventCancelled,
	"canceled":                domain.EventCancelled,
	"stopped":                 domain.EventCancelled,
	"failed":                  domain.EventError,
	"failure":                 domain.EventError,
}

func init() {
	for _, k := range domain.KnownKinds {
		kindAliases[string(k)] = k
	}
}

// NormalizeKind maps a producer label onto a canonical kind. Unrecognized
// labels map to domain.EventOther.
func NormalizeKind(label string) domain.EventKind {
	if k, ok := kindAliases[normalizeLabel(label)]; ok {
		return k
	}
	return domain.EventOther
}

// normalizeLabel lower-cases a label and converts camelCase, kebab-case,
// dotted and spaced spellings to snake_case.
func normalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	var b strings.Builder
	b.Grow(len(label) + 4)
	var prev rune
	for i, r := range label {
		orig := r
		switch {
		case r == '-' || r == ' ' || r == '.':
			r = '_'
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
		prev = orig
	}
	return b.String()
}

// wireEvent is the JSON document carried by one frame.
type wireEvent struct {
	EventType      string          `json:"event_type"`
	Type           string          `json:"type"`
	Timestamp      string          `json:"timestamp"`
	SequenceNumber json.Number     `json:"sequence_number"`
	Data           json.RawMessage `json:"data"`
	Message        *string         `json:"message"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Classifier parses frames into events.
type Classifier struct {
	now func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock sets the time source used when a frame lacks a usable timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

// NewClassifier creates a classifier.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify parses one frame. A frame whose payload is not a JSON object yields
// a parse error; callers drop such frames and keep reading.
func (c *Classifier) Classify(f sse.Frame) (domain.Event, error) {
	data := bytes.TrimSpace([]byte(f.Data))
	if len(data) == 0 || data[0] != '{' {
		return domain.Event{}, domain.ErrFrameParse(fmt.Sprintf("line %d: payload is not a JSON object", f.Line)).
			WithCode(domain.ErrorCodeUnsupportedPayload)
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Event{}, domain.ErrFrameParse(fmt.Sprintf("line %d: %v", f.Line, err)).WithCause(err)
	}

	label := w.EventType
	if label == "" {
		label = w.Type
	}
	if label == "" {
		label = f.Event
	}

	ev := domain.Event{
		Kind:      NormalizeKind(label),
		RawKind:   label,
		Sequence:  parseSequence(w.SequenceNumber),
		Timestamp: c.parseTimestamp(w.Timestamp),
	}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		ev.Payload = append(json.RawMessage(nil), w.Data...)
	}
	if w.Message != nil {
		ev.Message = *w.Message
	}
	return ev, nil
}

func parseSequence(n json.Number) int {
	if n == "" {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

func (c *Classifier) parseTimestamp(s string) time.Time {
	if s != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return c.now()
}
