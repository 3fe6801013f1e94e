// Package storage records research sessions and their raw event logs.
// Recording is write-only from the session's point of view: nothing here is
// ever loaded back into a live session.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

// ErrNotFound is returned when a session has not been recorded.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the recorded summary of a session.
type SessionRecord struct {
	ID         string                 `json:"id"`
	Query      string                 `json:"query"`
	Options    domain.ResearchOptions `json:"options"`
	Status     domain.SessionStatus   `json:"status"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

// Recorder persists sessions and their events.
type Recorder interface {
	// SaveSession inserts or replaces the session summary.
	SaveSession(ctx context.Context, rec *SessionRecord) error
	// AppendEvent adds an event to the session's log in arrival order.
	AppendEvent(ctx context.Context, sessionID string, ev domain.Event) error
	// ListEvents returns the recorded events in arrival order.
	ListEvents(ctx context.Context, sessionID string) ([]domain.Event, error)
	Close() error
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) SaveSession(context.Context, *SessionRecord) error       { return nil }
func (Nop) AppendEvent(context.Context, string, domain.Event) error { return nil }
func (Nop) ListEvents(context.Context, string) ([]domain.Event, error) {
	return nil, ErrNotFound
}
func (Nop) Close() error { return nil }
