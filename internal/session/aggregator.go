// Package session folds research events into an observable session and
// drives its lifecycle.
package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/tokens"
)

// Fixed transcript phrases.
const (
	PhraseComplete   = "research complete"
	PhraseStopped    = "stopped"
	PhraseFailed     = "research failed"
	PhraseEndedEarly = "stream ended before the research completed"
)

// rule describes what an event kind contributes to the transcript.
type rule struct {
	role     domain.Role
	phrase   string
	suppress bool
	// status is set for kinds that end the session.
	status domain.SessionStatus
	// view decodes the payload into the entry's Data.
	view func() any
}

// rules is the only place transcript text is chosen.
var rules = map[domain.EventKind]rule{
	domain.EventStarted:             {suppress: true},
	domain.EventProgress:            {suppress: true},
	domain.EventResearchPlan:        {role: domain.RolePlan, phrase: "research plan ready", view: func() any { return &domain.ResearchPlan{} }},
	domain.EventQueryGenerated:      {role: domain.RoleStatus, phrase: "generating search queries", view: func() any { return &domain.QueryGenerated{} }},
	domain.EventWebSearching:        {role: domain.RoleStatus, phrase: "searching the web"},
	domain.EventWebResult:           {role: domain.RoleStatus, phrase: "reading search results", view: func() any { return &domain.WebResult{} }},
	domain.EventReflection:          {role: domain.RoleStatus, phrase: "reflecting on findings", view: func() any { return &domain.Reflection{} }},
	domain.EventQualityAssessment:   {role: domain.RoleStatus, phrase: "assessing source quality"},
	domain.EventFactVerification:    {role: domain.RoleStatus, phrase: "verifying facts"},
	domain.EventRelevanceAssessment: {role: domain.RoleStatus, phrase: "assessing relevance"},
	domain.EventOptimization:        {role: domain.RoleStatus, phrase: "refining the report"},
	domain.EventReportGenerated:     {role: domain.RoleStatus, phrase: "report generated"},
	domain.EventCompleted:           {role: domain.RoleStatus, phrase: PhraseComplete, status: domain.StatusCompleted},
	domain.EventError:               {role: domain.RoleStatus, phrase: PhraseFailed, status: domain.StatusFailed},
	domain.EventCancelled:           {role: domain.RoleStatus, phrase: PhraseStopped, status: domain.StatusCancelled},
	domain.EventOther:               {role: domain.RoleStatus},
}

// Aggregator applies events and lifecycle outcomes to a session. It holds no
// session state of its own; callers serialize access to the session.
type Aggregator struct {
	counter tokens.Counter
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. A nil counter skips token statistics.
func NewAggregator(counter tokens.Counter, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{counter: counter, logger: logger, now: time.Now}
}

// Begin resets s for a new query and appends the Ask entry.
func (a *Aggregator) Begin(s *domain.Session, id, query string, opts domain.ResearchOptions) domain.TranscriptEntry {
	now := a.now()
	*s = domain.Session{
		ID:        id,
		Query:     query,
		Options:   opts,
		Status:    domain.StatusStreaming,
		StartedAt: now,
	}
	entry := domain.TranscriptEntry{Role: domain.RoleAsk, Content: query, Timestamp: now}
	s.Transcript = append(s.Transcript, entry)
	return entry
}

// Apply appends ev to the session's event log and returns the transcript entry
// it produced, if any. Events arriving after the session ended are logged but
// change nothing else.
func (a *Aggregator) Apply(s *domain.Session, ev domain.Event) (domain.TranscriptEntry, bool) {
	s.Events = append(s.Events, ev)

	if s.Status.IsTerminal() {
		a.logger.Debug("event after session end",
			slog.String("session_id", s.ID),
			slog.String("kind", string(ev.Kind)),
		)
		return domain.TranscriptEntry{}, false
	}

	r, ok := rules[ev.Kind]
	if !ok {
		r = rules[domain.EventOther]
	}
	if r.suppress {
		a.logger.Debug("event",
			slog.String("session_id", s.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Int("sequence", ev.Sequence),
			slog.String("message", ev.Message),
		)
		return domain.TranscriptEntry{}, false
	}

	entry := domain.TranscriptEntry{
		Role:      r.role,
		Content:   r.phrase,
		Timestamp: ev.Timestamp,
		Terminal:  r.status != "",
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}

	switch ev.Kind {
	case domain.EventOther:
		if ev.Message == "" {
			return domain.TranscriptEntry{}, false
		}
		entry.Content = ev.Message
	case domain.EventCompleted:
		entry.Data = a.completion(ev)
	case domain.EventError:
		entry.Content = remoteErrorMessage(ev)
		s.Error = entry.Content
	default:
		if r.view != nil && ev.HasPayload() {
			v := r.view()
			if err := ev.DecodePayload(v); err == nil {
				entry.Data = v
			} else {
				a.logger.Debug("payload not decoded",
					slog.String("session_id", s.ID),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	s.Transcript = append(s.Transcript, entry)
	if r.status != "" {
		a.end(s, r.status)
	}
	return entry, true
}

// Fail ends the session as failed because of err, unless it already ended.
func (a *Aggregator) Fail(s *domain.Session, err error) (domain.TranscriptEntry, bool) {
	if s.Status.IsTerminal() {
		return domain.TranscriptEntry{}, false
	}
	msg := errorMessage(err)
	s.Error = msg
	return a.terminal(s, msg, domain.StatusFailed), true
}

// Cancel ends the session as cancelled, unless it already ended.
func (a *Aggregator) Cancel(s *domain.Session) (domain.TranscriptEntry, bool) {
	if s.Status.IsTerminal() {
		return domain.TranscriptEntry{}, false
	}
	return a.terminal(s, PhraseStopped, domain.StatusCancelled), true
}

func (a *Aggregator) terminal(s *domain.Session, content string, status domain.SessionStatus) domain.TranscriptEntry {
	entry := domain.TranscriptEntry{
		Role:      domain.RoleStatus,
		Content:   content,
		Timestamp: a.now(),
		Terminal:  true,
	}
	s.Transcript = append(s.Transcript, entry)
	a.end(s, status)
	return entry
}

func (a *Aggregator) end(s *domain.Session, status domain.SessionStatus) {
	s.Status = status
	s.FinishedAt = a.now()
}

func (a *Aggregator) completion(ev domain.Event) *domain.Completion {
	var result domain.ResearchResult
	if err := ev.DecodePayload(&result); err != nil {
		return nil
	}
	return &domain.Completion{
		Result: result,
		Stats:  tokens.ReportStats(result, a.counter),
	}
}

func remoteErrorMessage(ev domain.Event) string {
	if ev.Message != "" {
		return ev.Message
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := ev.DecodePayload(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return PhraseFailed
}

func errorMessage(err error) string {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
