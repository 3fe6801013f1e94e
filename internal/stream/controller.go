// Package stream owns the lifecycle of streaming research requests: opening,
// reading, aborting and releasing them, with at most one active at a time.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/deepsearch-client/internal/api/deepsearch"
	"github.com/tjfontaine/deepsearch-client/internal/codec"
	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/sse"
)

const tracerName = "github.com/tjfontaine/deepsearch-client/internal/stream"

// Opener opens the raw byte stream for a research request.
type Opener interface {
	OpenStream(ctx context.Context, req *deepsearch.RunRequest) (io.ReadCloser, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClassifier sets the event classifier.
func WithClassifier(classifier *codec.Classifier) Option {
	return func(c *Controller) {
		c.classifier = classifier
	}
}

// WithTracerProvider sets the tracer provider used for stream spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// Controller opens streams and guarantees at most one is active.
type Controller struct {
	opener     Opener
	classifier *codec.Classifier
	logger     *slog.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	active *Handle
}

// NewController creates a controller reading streams from opener.
func NewController(opener Opener, opts ...Option) *Controller {
	c := &Controller{
		opener:     opener,
		classifier: codec.NewClassifier(),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start aborts any active stream, then opens a new one for query. The stream
// lives until it ends, fails, is aborted, or ctx is done; cancelling ctx is
// reported as a cancellation. Open failures are connection errors, or a
// cancellation if ctx was done first.
func (c *Controller) Start(ctx context.Context, query string, opts domain.ResearchOptions, hopts ...HandleOption) (*Handle, error) {
	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		c.logger.Info("aborting active stream before start", slog.String("stream_id", prev.ID()))
		c.Abort(prev)
	}

	req := deepsearch.NewRunRequest(query, opts)
	id := "stream_" + uuid.NewString()

	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx, span := c.tracer.Start(streamCtx, "deepsearch.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("deepsearch.stream_id", id),
			attribute.Int("deepsearch.query_length", len(query)),
			attribute.String("deepsearch.report_format", string(req.ReportFormat)),
		),
	)

	body, err := c.opener.OpenStream(streamCtx, req)
	if err != nil {
		cancel()
		if ctx.Err() != nil && !domain.IsType(err, domain.ErrorTypeInvalidRequest) {
			err = domain.ErrUserCancelled().WithCause(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.logger.Warn("stream open failed", slog.String("stream_id", id), slog.String("error", err.Error()))
		return nil, err
	}

	h := &Handle{
		id:         id,
		ctx:        streamCtx,
		cancel:     cancel,
		body:       body,
		decoder:    sse.NewDecoder(body),
		classifier: c.classifier,
		logger:     c.logger,
		span:       span,
		openedAt:   time.Now(),
		onRelease:  c.clearActive,
	}
	for _, opt := range hopts {
		opt(h)
	}

	c.mu.Lock()
	displaced := c.active
	c.active = h
	c.mu.Unlock()
	// A concurrent Start may have installed its handle while this one was opening.
	if displaced != nil {
		c.Abort(displaced)
	}

	c.logger.Info("stream opened", slog.String("stream_id", id))
	return h, nil
}

// Abort cancels the handle and releases its byte source. Blocked reads return
// promptly with a cancellation. Aborting a released or nil handle is a no-op.
func (c *Controller) Abort(h *Handle) {
	if h == nil {
		return
	}
	h.abort()
}

// Active returns the active handle, or nil.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) clearActive(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == h {
		c.active = nil
	}
}

// IsCancelled reports whether err is a user cancellation outcome.
func IsCancelled(err error) bool {
	return errors.Is(err, domain.ErrCancelled)
}
