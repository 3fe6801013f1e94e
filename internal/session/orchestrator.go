package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/deepsearch-client/internal/api/deepsearch"
	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
	"github.com/tjfontaine/deepsearch-client/internal/stream"
	"github.com/tjfontaine/deepsearch-client/internal/tokens"
)

// maxDiagnostics caps the diagnostics kept on a session.
const maxDiagnostics = 100

// recordTimeout bounds each best-effort recorder write.
const recordTimeout = 5 * time.Second

// Client is the research engine as seen by the orchestrator.
type Client interface {
	stream.Opener
	Run(ctx context.Context, req *deepsearch.RunRequest) (*domain.ResearchResult, error)
}

// Update is delivered to observers whenever the session changes.
type Update struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	// Index is the entry's position in the transcript.
	Index int                     `json:"index"`
	Entry *domain.TranscriptEntry `json:"entry,omitempty"`
}

// Observer receives session updates. Observers run on the goroutine applying
// the change, in transcript order, and must not call Submit, RunOnce, Stop or
// Close.
type Observer func(Update)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRecorder sets where sessions and raw events are recorded.
func WithRecorder(r storage.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithTokenCounter sets the counter used for report statistics.
func WithTokenCounter(c tokens.Counter) Option {
	return func(o *Orchestrator) {
		o.counter = c
	}
}

// WithTracerProvider sets the tracer provider used for stream spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracerProvider = tp
	}
}

// WithDefaults sets the research options applied when a submit leaves a
// field unset.
func WithDefaults(opts domain.ResearchOptions) Option {
	return func(o *Orchestrator) {
		o.defaults = opts
	}
}

// run is one submitted query and its lifecycle handles.
type run struct {
	cancel context.CancelFunc
	handle *stream.Handle
	done   chan struct{}
}

// Orchestrator owns the current session. One query runs at a time; submitting
// a new one stops the previous first.
type Orchestrator struct {
	client         Client
	controller     *stream.Controller
	agg            *Aggregator
	recorder       storage.Recorder
	counter        tokens.Counter
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	defaults       domain.ResearchOptions

	// submitMu serializes Submit, RunOnce and Close.
	submitMu sync.Mutex

	mu        sync.Mutex
	session   *domain.Session
	current   *run
	observers map[int]Observer
	nextObs   int
}

// New creates an orchestrator for client.
func New(client Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		recorder:  storage.Nop{},
		counter:   tokens.NewReportCounter(),
		logger:    slog.Default(),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(o)
	}

	copts := []stream.Option{stream.WithLogger(o.logger)}
	if o.tracerProvider != nil {
		copts = append(copts, stream.WithTracerProvider(o.tracerProvider))
	}
	o.controller = stream.NewController(client, copts...)
	o.agg = NewAggregator(o.counter, o.logger)
	return o
}

// Subscribe registers fn for session updates and returns a function that
// removes it.
func (o *Orchestrator) Subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers, id)
	}
}

// Snapshot returns a copy of the current session. With no session it
// returns an idle one.
func (o *Orchestrator) Snapshot() domain.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return domain.Session{Status: domain.StatusIdle}
	}
	return copySession(o.session)
}

// Submit stops any running query, starts a new session for query and
// streams it in the background. ctx bounds the whole stream: when it is
// done the session ends as cancelled. Validation failures leave the current
// session untouched. Open failures end the new session as failed (or
// cancelled when ctx ended first) and are returned.
func (o *Orchestrator) Submit(ctx context.Context, query string, opts domain.ResearchOptions) (string, error) {
	opts = mergeOptions(o.defaults, opts)
	if err := domain.ValidateQuery(query, opts); err != nil {
		return "", err
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	id := o.begin(query, opts, r)

	h, err := o.controller.Start(runCtx, query, opts, stream.WithDiagnosticHandler(o.addDiagnostic))
	if err != nil {
		defer close(r.done)
		defer cancel()
		if stream.IsCancelled(err) {
			o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Cancel(s) })
		} else {
			o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Fail(s, err) })
		}
		o.finish()
		return id, err
	}

	o.mu.Lock()
	r.handle = h
	o.mu.Unlock()

	go o.pump(h, r)
	return id, nil
}

// RunOnce runs query through the synchronous endpoint and folds the result
// into a new session as a single completed event. It blocks until the result
// arrives and returns the finished session.
func (o *Orchestrator) RunOnce(ctx context.Context, query string, opts domain.ResearchOptions) (domain.Session, error) {
	opts = mergeOptions(o.defaults, opts)
	if err := domain.ValidateQuery(query, opts); err != nil {
		return domain.Session{}, err
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{cancel: cancel, done: make(chan struct{})}
	defer close(r.done)
	o.begin(query, opts, r)

	result, err := o.client.Run(runCtx, deepsearch.NewRunRequest(query, opts))
	switch {
	case err != nil && runCtx.Err() != nil:
		err = domain.ErrUserCancelled().WithCause(err)
		o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Cancel(s) })
	case err != nil:
		o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Fail(s, err) })
	default:
		payload, merr := json.Marshal(result)
		if merr != nil {
			err = domain.ErrFrameParse("encoding result").WithCause(merr)
			o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Fail(s, err) })
			break
		}
		ev := domain.Event{
			Kind:      domain.EventCompleted,
			Sequence:  1,
			Timestamp: time.Now(),
			Payload:   payload,
			Message:   result.Message,
		}
		o.applyEvent(ev)
	}
	o.finish()

	return o.Snapshot(), err
}

// Stop aborts the running query, if any, and waits until its session has
// ended. The session ends as cancelled with a "stopped" entry.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	r := o.current
	var h *stream.Handle
	if r != nil {
		h = r.handle
	}
	o.mu.Unlock()
	if r == nil {
		return
	}

	// A handle still opening sees the cancelled context instead.
	r.cancel()
	o.controller.Abort(h)
	<-r.done
}

// Close stops the running query and discards the current session. Events
// already recorded are unaffected.
func (o *Orchestrator) Close() {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.Stop()

	o.mu.Lock()
	o.session = nil
	o.mu.Unlock()
}

// begin installs a fresh session for query and returns its id.
func (o *Orchestrator) begin(query string, opts domain.ResearchOptions, r *run) string {
	id := newSessionID()

	o.mu.Lock()
	s := &domain.Session{}
	entry := o.agg.Begin(s, id, query, opts)
	o.session = s
	o.current = r
	rec := record(s)
	observers := o.observerList()
	o.mu.Unlock()

	o.logger.Info("session started",
		slog.String("session_id", id),
		slog.Int("query_length", len(query)),
	)
	o.save(rec)
	notify(observers, Update{SessionID: id, Status: domain.StatusStreaming, Index: 0, Entry: &entry})
	return id
}

// pump reads the stream to its end, applying each event in arrival order.
func (o *Orchestrator) pump(h *stream.Handle, r *run) {
	defer close(r.done)
	defer r.cancel()

	for {
		ev, err := h.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) {
					return o.agg.Fail(s, domain.ErrTransport(PhraseEndedEarly).WithCode(domain.ErrorCodeStreamEndedEarly))
				})
			case stream.IsCancelled(err):
				o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Cancel(s) })
			default:
				o.apply(func(s *domain.Session) (domain.TranscriptEntry, bool) { return o.agg.Fail(s, err) })
			}
			o.finish()
			return
		}

		if o.applyEvent(ev) {
			h.Close()
			o.finish()
			return
		}
	}
}

// applyEvent applies and records ev. It reports whether the session ended.
func (o *Orchestrator) applyEvent(ev domain.Event) bool {
	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return true
	}
	entry, ok := o.agg.Apply(s, ev)
	id, status, index := s.ID, s.Status, len(s.Transcript)-1
	observers := o.observerList()
	o.mu.Unlock()

	o.record(id, ev)
	if ok {
		notify(observers, Update{SessionID: id, Status: status, Index: index, Entry: &entry})
	}
	return status.IsTerminal()
}

// apply runs a lifecycle change on the current session and notifies observers.
func (o *Orchestrator) apply(fn func(*domain.Session) (domain.TranscriptEntry, bool)) {
	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return
	}
	entry, ok := fn(s)
	id, status, index := s.ID, s.Status, len(s.Transcript)-1
	observers := o.observerList()
	o.mu.Unlock()

	if ok {
		notify(observers, Update{SessionID: id, Status: status, Index: index, Entry: &entry})
	}
}

// finish records the ended session and clears the running query.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.current = nil
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return
	}
	rec := record(s)
	events, entries := len(s.Events), len(s.Transcript)
	o.mu.Unlock()

	o.logger.Info("session finished",
		slog.String("session_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.Int("events", events),
		slog.Int("entries", entries),
		slog.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)),
	)
	o.save(rec)
}

func (o *Orchestrator) addDiagnostic(d domain.Diagnostic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && len(o.session.Diagnostics) < maxDiagnostics {
		o.session.Diagnostics = append(o.session.Diagnostics, d)
	}
}

func (o *Orchestrator) save(rec *storage.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.recorder.SaveSession(ctx, rec); err != nil {
		o.logger.Warn("recording session failed", slog.String("session_id", rec.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) record(sessionID string, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.recorder.AppendEvent(ctx, sessionID, ev); err != nil {
		o.logger.Warn("recording event failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// observerList must be called with mu held.
func (o *Orchestrator) observerList() []Observer {
	list := make([]Observer, 0, len(o.observers))
	for i := 0; i < o.nextObs; i++ {
		if fn, ok := o.observers[i]; ok {
			list = append(list, fn)
		}
	}
	return list
}

func notify(observers []Observer, u Update) {
	for _, fn := range observers {
		fn(u)
	}
}

func record(s *domain.Session) *storage.SessionRecord {
	return &storage.SessionRecord{
		ID:         s.ID,
		Query:      s.Query,
		Options:    s.Options,
		Status:     s.Status,
		Error:      s.Error,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func copySession(s *domain.Session) domain.Session {
	cp := *s
	cp.Events = append([]domain.Event(nil), s.Events...)
	cp.Transcript = append([]domain.TranscriptEntry(nil), s.Transcript...)
	cp.Diagnostics = append([]domain.Diagnostic(nil), s.Diagnostics...)
	return cp
}

func mergeOptions(defaults, opts domain.ResearchOptions) domain.ResearchOptions {
	if opts.InitialSearchQueryCount == 0 {
		opts.InitialSearchQueryCount = defaults.InitialSearchQueryCount
	}
	if opts.MaxResearchLoops == 0 {
		opts.MaxResearchLoops = defaults.MaxResearchLoops
	}
	if opts.ReasoningModel == "" {
		opts.ReasoningModel = defaults.ReasoningModel
	}
	if opts.ReportFormat == "" {
		opts.ReportFormat = defaults.ReportFormat
	}
	return opts
}

// newSessionID returns a time-ordered session id.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
