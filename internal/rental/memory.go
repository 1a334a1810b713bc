package rental

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/events"
)

// MemoryStore is an in-process Repository for drills and tests. It keeps
// its own outbox and satisfies outbox.Marker.
type MemoryStore struct {
	mu      sync.Mutex
	rentals map[uuid.UUID]Rental
	outbox  map[uuid.UUID]events.Event
	order   []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rentals: make(map[uuid.UUID]Rental),
		outbox:  make(map[uuid.UUID]events.Event),
	}
}

func (m *MemoryStore) append(e events.Event) {
	if _, ok := m.outbox[e.ID]; ok {
		return
	}
	m.outbox[e.ID] = e
	m.order = append(m.order, e.ID)
}

func (m *MemoryStore) Create(_ context.Context, r *Rental, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rentals[r.ID]; ok {
		return apperr.Conflict("rental", apperr.ReasonDuplicate, "rental %s exists", r.ID)
	}
	m.rentals[r.ID] = *r
	m.append(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[id]
	if !ok {
		return nil, apperr.NotFound("rental", id)
	}
	return &r, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rental
	for _, r := range m.rentals {
		if (f.Status != "" && r.Status != f.Status) ||
			(f.UserID != uuid.Nil && r.UserID != f.UserID) ||
			(f.CarID != uuid.Nil && r.CarID != f.CarID) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id uuid.UUID, from, to Status, e *events.Event) (*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[id]
	if !ok {
		return nil, apperr.NotFound("rental", id)
	}
	if r.Status != from {
		return nil, apperr.Conflict("rental", apperr.ReasonStaleState, "rental %s is %s, expected %s", id, r.Status, from)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	m.rentals[id] = r
	if e != nil {
		m.append(*e)
	}
	return &r, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, r := range m.rentals {
		st.Total++
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusActive:
			st.Active++
		case StatusCompleted:
			st.Completed++
			st.RevenueCents += r.TotalAmountCents
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return &st, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outbox, eventID)
	return nil
}

func (m *MemoryStore) RecordFailure(context.Context, uuid.UUID, error) error {
	return nil
}

// Unpublished returns outbox events not yet marked published, oldest first.
func (m *MemoryStore) Unpublished() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, id := range m.order {
		if e, ok := m.outbox[id]; ok {
			out = append(out, e)
		}
	}
	return out
}
