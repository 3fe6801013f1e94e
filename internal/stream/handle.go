package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/deepsearch-client/internal/codec"
	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/sse"
)

// maxDiagnostics caps the parse diagnostics kept per handle.
const maxDiagnostics = 100

// HandleOption configures a handle at start.
type HandleOption func(*Handle)

// WithDiagnosticHandler registers a callback invoked, on the reading
// goroutine, for every frame dropped because it could not be classified.
func WithDiagnosticHandler(fn func(domain.Diagnostic)) HandleOption {
	return func(h *Handle) {
		h.onDiagnostic = fn
	}
}

// Handle is one in-flight streaming request. Next must be called from a single
// goroutine; Abort and Close may be called from any goroutine.
type Handle struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	body       io.ReadCloser
	decoder    *sse.Decoder
	classifier *codec.Classifier
	logger     *slog.Logger
	span       trace.Span
	openedAt   time.Time

	aborted     atomic.Bool
	closed      atomic.Bool
	released    atomic.Bool
	events      atomic.Int64
	releaseOnce sync.Once
	onRelease   func(*Handle)

	// Owned by the reading goroutine.
	outcome      error
	onDiagnostic func(domain.Diagnostic)

	diagMu      sync.Mutex
	diagnostics []domain.Diagnostic
}

// ID identifies the handle in logs and traces.
func (h *Handle) ID() string {
	return h.id
}

// Released reports whether the byte source has been closed.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Next returns the next classified event. It returns io.EOF when the stream
// ends cleanly, an error matching domain.ErrCancelled after Abort or context
// cancellation, and a transport error when the connection fails mid-stream.
// Frames that cannot be classified are dropped and recorded as diagnostics.
// Once Next returns an error, every later call returns the same error.
func (h *Handle) Next() (domain.Event, error) {
	if h.outcome != nil {
		return domain.Event{}, h.outcome
	}

	for {
		// Cancellation is observed before every read.
		if reason := h.stopReason(); reason != nil {
			return domain.Event{}, h.finish(reason)
		}

		if !h.decoder.Next() {
			err := h.decoder.Err()
			if reason := h.stopReason(); reason != nil {
				return domain.Event{}, h.finish(reason)
			}
			switch {
			case err == nil:
				return domain.Event{}, h.finish(io.EOF)
			default:
				return domain.Event{}, h.finish(domain.ErrTransport(fmt.Sprintf("connection lost: %v", err)).WithCause(err))
			}
		}

		frame := h.decoder.Frame()
		ev, err := h.classifier.Classify(frame)
		if err != nil {
			h.recordDiagnostic(frame, err)
			continue
		}

		h.events.Add(1)
		return ev, nil
	}
}

// Diagnostics returns the frames dropped so far.
func (h *Handle) Diagnostics() []domain.Diagnostic {
	h.diagMu.Lock()
	defer h.diagMu.Unlock()
	return append([]domain.Diagnostic(nil), h.diagnostics...)
}

// Close releases the stream without marking it aborted. It is safe to call
// more than once and concurrently with Next.
func (h *Handle) Close() {
	if h.released.Load() {
		return
	}
	h.closed.Store(true)
	h.release()
}

func (h *Handle) abort() {
	if h.released.Load() {
		return
	}
	h.aborted.Store(true)
	h.release()
}

// stopReason reports why reading must stop before touching the body, or nil.
func (h *Handle) stopReason() error {
	switch {
	case h.aborted.Load():
		return h.cancelError()
	case h.closed.Load():
		return io.EOF
	case h.ctx.Err() != nil:
		return h.cancelError()
	}
	return nil
}

func (h *Handle) cancelError() error {
	err := domain.ErrUserCancelled()
	if cause := context.Cause(h.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err.Message = "stopped: " + cause.Error()
		err.WithCause(cause)
	}
	return err
}

// finish records the terminal outcome and releases the stream.
func (h *Handle) finish(outcome error) error {
	h.outcome = outcome
	switch {
	case errors.Is(outcome, io.EOF):
		h.span.SetStatus(codes.Ok, "")
	case errors.Is(outcome, domain.ErrCancelled):
		h.span.SetAttributes(attribute.Bool("deepsearch.cancelled", true))
	default:
		h.span.RecordError(outcome)
		h.span.SetStatus(codes.Error, outcome.Error())
	}
	h.release()
	return outcome
}

// release is the single cleanup path for end of stream, errors and aborts.
func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		h.released.Store(true)
		h.cancel()
		if err := h.body.Close(); err != nil {
			h.logger.Debug("closing stream body", slog.String("stream_id", h.id), slog.String("error", err.Error()))
		}
		h.span.SetAttributes(attribute.Int64("deepsearch.events", h.events.Load()))
		h.span.End()
		h.logger.Info("stream released",
			slog.String("stream_id", h.id),
			slog.Bool("aborted", h.aborted.Load()),
			slog.Duration("duration", time.Since(h.openedAt)),
		)
		if h.onRelease != nil {
			h.onRelease(h)
		}
	})
}

func (h *Handle) recordDiagnostic(frame sse.Frame, err error) {
	d := domain.Diagnostic{Line: frame.Data, Error: err.Error(), At: time.Now()}
	h.logger.Warn("frame dropped",
		slog.String("stream_id", h.id),
		slog.Int("line", frame.Line),
		slog.String("error", err.Error()),
	)

	h.diagMu.Lock()
	if len(h.diagnostics) < maxDiagnostics {
		h.diagnostics = append(h.diagnostics, d)
	}
	h.diagMu.Unlock()

	if h.onDiagnostic != nil {
		h.onDiagnostic(d)
	}
}
