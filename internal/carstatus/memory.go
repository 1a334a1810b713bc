package carstatus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/events"
)

// MemoryStore is an in-process Processed and DeadLetters for drills and
// tests.
type MemoryStore struct {
	mu          sync.Mutex
	processed   map[uuid.UUID]struct{}
	deadLetters map[uuid.UUID]*DeadLetterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed:   make(map[uuid.UUID]struct{}),
		deadLetters: make(map[uuid.UUID]*DeadLetterRecord),
	}
}

func (m *MemoryStore) IsProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[id]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[e.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) DeadLetter(_ context.Context, dl events.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deadLetters[dl.Event.ID]
	if !ok {
		r = &DeadLetterRecord{Event: dl.Event}
		m.deadLetters[dl.Event.ID] = r
	}
	r.Reason, r.LastError, r.Attempts, r.FailedAt = dl.Reason, dl.Error, dl.Attempts, dl.FailedAt
	r.Occurrences++
	r.ResolvedAt, r.Resolution = nil, ""
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, unresolvedOnly bool, limit int) ([]DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetterRecord
	for _, r := range m.deadLetters {
		if unresolvedOnly && r.ResolvedAt != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDeadLetter(_ context.Context, id uuid.UUID) (*DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deadLetters[id]
	if !ok {
		return nil, apperr.NotFound("dead letter", id)
	}
	out := *r
	return &out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id uuid.UUID, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deadLetters[id]
	if !ok || r.ResolvedAt != nil {
		return apperr.NotFound("unresolved dead letter", id)
	}
	now := time.Now().UTC()
	r.ResolvedAt, r.Resolution = &now, resolution
	return nil
}

func (m *MemoryStore) CountUnresolved(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.deadLetters {
		if r.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}
