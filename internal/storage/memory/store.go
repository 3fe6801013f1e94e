package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

// Store is an in-memory Recorder.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.SessionRecord
	events   map[string][]domain.Event
}

var _ storage.Recorder = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.SessionRecord),
		events:   make(map[string][]domain.Event),
	}
}

func (s *Store) SaveSession(ctx context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.sessions[rec.ID] = &cp
	return nil
}

// GetSession returns a copy of the recorded session.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	s.events[sessionID] = append(s.events[sessionID], ev)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return append([]domain.Event{}, s.events[sessionID]...), nil
}

func (s *Store) Close() error {
	return nil
}
