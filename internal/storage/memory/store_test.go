package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

func TestMemoryStore_SaveSession(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := &storage.SessionRecord{
		ID:        "session-1",
		Query:     "solid state batteries",
		Status:    domain.StatusStreaming,
		StartedAt: time.Now(),
	}
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	rec.Status = domain.StatusCompleted
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("Status = %v, want %v", got.Status, domain.StatusCompleted)
	}
	if got.Query != rec.Query {
		t.Errorf("Query = %v, want %v", got.Query, rec.Query)
	}
}

func TestMemoryStore_AppendEvent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveSession(ctx, &storage.SessionRecord{ID: "session-2"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	kinds := []domain.EventKind{domain.EventStarted, domain.EventResearchPlan, domain.EventCompleted}
	for i, k := range kinds {
		if err := store.AppendEvent(ctx, "session-2", domain.Event{Kind: k, Sequence: i + 1}); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "session-2")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(kinds))
	}
	for i, ev := range events {
		if ev.Kind != kinds[i] {
			t.Errorf("events[%d].Kind = %v, want %v", i, ev.Kind, kinds[i])
		}
	}

	// The returned slice is a copy.
	events[0].Kind = domain.EventError
	again, _ := store.ListEvents(ctx, "session-2")
	if again[0].Kind != domain.EventStarted {
		t.Error("ListEvents() returned shared storage")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.AppendEvent(ctx, "missing", domain.Event{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("AppendEvent() error = %v, want ErrNotFound", err)
	}
	if _, err := store.ListEvents(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ListEvents() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
}
