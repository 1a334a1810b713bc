package rental

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/logger"
	"carrental/internal/pii"
	"carrental/internal/users"
)

func testCodec(t *testing.T) *pii.Codec {
	t.Helper()
	encoded, err := pii.GenerateKey()
	require.NoError(t, err)
	key, err := pii.ParseKey(encoded)
	require.NoError(t, err)
	c, err := pii.NewCodec(key)
	require.NoError(t, err)
	return c
}

type fakeUsers struct {
	users map[uuid.UUID]users.Summary
	err   error
	delay time.Duration
}

func (f *fakeUsers) LookupUser(ctx context.Context, id uuid.UUID) (*users.Summary, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return &u, nil
}

// inventoryDirectory reads cars straight from an in-memory inventory.
type inventoryDirectory struct {
	svc inventory.Service
}

func (d inventoryDirectory) LookupCar(ctx context.Context, id uuid.UUID) (*inventory.Car, error) {
	return d.svc.GetCar(ctx, id)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) all() []events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.Event(nil), d.events...)
}

// clock is the fixed "now" of the booking examples: day 1 at 09:00 UTC.
var clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func dayAt(n int) time.Time {
	return time.Date(2026, 3, n, 10, 0, 0, 0, time.UTC)
}

type harness struct {
	svc        Service
	repo       *MemoryStore
	cars       *inventory.MemoryService
	users      *fakeUsers
	dispatcher *recordingDispatcher
	codec      *pii.Codec
	userID     uuid.UUID
	carID      uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec := testCodec(t)
	cars := inventory.NewMemoryService(codec)
	car, err := cars.AddCar(context.Background(), inventory.NewCar{
		Make: "Toyota", Model: "Corolla", Year: 2023, LicensePlate: "C1-PLATE", DailyRateCents: 5000, Location: "Downtown",
	})
	require.NoError(t, err)

	userID := uuid.New()
	h := &harness{
		repo:       NewMemoryStore(),
		cars:       cars,
		users:      &fakeUsers{users: map[uuid.UUID]users.Summary{userID: {ID: userID, FirstName: "Una", LastName: "One"}}},
		dispatcher: &recordingDispatcher{},
		codec:      codec,
		userID:     userID,
		carID:      car.ID,
	}
	h.svc = NewService(Deps{
		Repository:        h.repo,
		Users:             h.users,
		Cars:              inventoryDirectory{svc: cars},
		Codec:             codec,
		Dispatcher:        h.dispatcher,
		ValidationTimeout: 50 * time.Millisecond,
		Logger:            logger.Discard(),
		Now:               func() time.Time { return clock },
	})
	return h
}

func (h *harness) request() CreateRequest {
	return CreateRequest{
		UserID:         h.userID,
		CarID:          h.carID,
		StartDate:      dayAt(1),
		EndDate:        dayAt(3),
		PickupLocation: "Downtown",
		ReturnLocation: "Airport",
	}
}
