package chaos

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/users"
)

var ErrInjected = errors.New("chaos: injected fault")

// FaultyPublisher wraps a publisher and fails or delays publishes on demand.
type FaultyPublisher struct {
	next    events.Publisher
	failing atomic.Bool
	latency atomic.Int64
	dropped atomic.Int64
}

func NewFaultyPublisher(next events.Publisher) *FaultyPublisher {
	return &FaultyPublisher{next: next}
}

func (p *FaultyPublisher) Fail(on bool) { p.failing.Store(on) }

func (p *FaultyPublisher) Delay(d time.Duration) { p.latency.Store(int64(d)) }

// Rejected counts publishes refused while failing.
func (p *FaultyPublisher) Rejected() int64 { return p.dropped.Load() }

func (p *FaultyPublisher) Publish(ctx context.Context, e events.Event) error {
	if d := time.Duration(p.latency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.failing.Load() {
		p.dropped.Add(1)
		return ErrInjected
	}
	return p.next.Publish(ctx, e)
}

func (p *FaultyPublisher) Close() error { return p.next.Close() }

// Directory is an in-memory user directory with injectable latency.
type Directory struct {
	latency atomic.Int64

	mu    sync.RWMutex
	users map[uuid.UUID]users.Summary
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[uuid.UUID]users.Summary)}
}

func (d *Directory) Add(first, last string) uuid.UUID {
	id := uuid.New()
	d.mu.Lock()
	d.users[id] = users.Summary{ID: id, FirstName: first, LastName: last}
	d.mu.Unlock()
	return id
}

func (d *Directory) Delay(l time.Duration) { d.latency.Store(int64(l)) }

func (d *Directory) LookupUser(ctx context.Context, id uuid.UUID) (*users.Summary, error) {
	if l := time.Duration(d.latency.Load()); l > 0 {
		select {
		case <-time.After(l):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return &u, nil
}
