package rental

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/carstatus"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/logger"
	"carrental/internal/outbox"
	"carrental/internal/users"
)

type flow struct {
	*harness
	channel    *events.MemoryChannel
	dispatcher *outbox.Dispatcher
	dead       *carstatus.MemoryStore
}

// newFlow wires the orchestrator to the consumer through a memory channel
// and the outbox dispatcher.
func newFlow(t *testing.T) *flow {
	t.Helper()
	h := newHarness(t)
	ch := events.NewMemoryChannel(4, 0, logger.Discard())
	t.Cleanup(func() { ch.Close() })
	d := outbox.NewDispatcher(ch, h.repo, time.Second, 100*time.Millisecond, logger.Discard())

	h.svc = NewService(Deps{
		Repository:        h.repo,
		Users:             h.users,
		Cars:              inventoryDirectory{svc: h.cars},
		Codec:             h.codec,
		Dispatcher:        d,
		ValidationTimeout: time.Second,
		Logger:            logger.Discard(),
		Now:               func() time.Time { return clock },
	})
	return &flow{harness: h, channel: ch, dispatcher: d, dead: carstatus.NewMemoryStore()}
}

func (f *flow) startConsumer(t *testing.T) {
	t.Helper()
	c, err := carstatus.NewConsumer(f.cars, f.dead, 64, logger.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	policy := events.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	go f.channel.Subscribe(ctx, c.Handler(policy, f.dead))
}

func (f *flow) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Wait(ctx))
	require.Eventually(t, func() bool { return f.channel.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBookingRentsCarAndReturnReleasesIt(t *testing.T) {
	f := newFlow(t)
	f.startConsumer(t)
	ctx := context.Background()

	r, err := f.svc.CreateRental(ctx, f.request())
	require.NoError(t, err)
	f.drain(t)

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(r.ID))
	assert.Empty(t, f.repo.Unpublished(), "published events are marked")

	_, err = f.svc.Confirm(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, r.ID)
	require.NoError(t, err)
	f.drain(t)

	car, err = f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status)
	assert.Nil(t, car.RentalID)
}

func TestConcurrentBookingsOneWinsOtherIsDeadLettered(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	second := uuid.New()
	f.users.users[second] = users.Summary{ID: second, FirstName: "Dos", LastName: "Two"}

	// Both pass the advisory availability check before any event lands.
	first, err := f.svc.CreateRental(ctx, f.request())
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Wait(ctx))
	req := f.request()
	req.UserID = second
	other, err := f.svc.CreateRental(ctx, req)
	require.NoError(t, err)

	f.startConsumer(t)
	f.drain(t)

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(first.ID))

	dl, err := f.dead.GetDeadLetter(ctx, events.EventID(other.ID, events.TypeRentalCreated))
	require.NoError(t, err)
	assert.Equal(t, carstatus.ReasonCarUnavailable, dl.Reason)
	assert.Equal(t, 1, dl.Attempts, "a lost race is not retried")
}

func TestRedeliveredCreationIsAppliedOnce(t *testing.T) {
	f := newFlow(t)
	f.startConsumer(t)
	ctx := context.Background()

	r, err := f.svc.CreateRental(ctx, f.request())
	require.NoError(t, err)
	f.drain(t)

	// The relay may publish an event the dispatcher already delivered.
	e := events.Event{ID: events.EventID(r.ID, events.TypeRentalCreated), Type: events.TypeRentalCreated, RentalID: r.ID, CarID: f.carID}
	require.NoError(t, f.channel.Publish(ctx, e))
	require.NoError(t, f.channel.Publish(ctx, e))
	f.drain(t)

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(r.ID))
	n, _ := f.dead.CountUnresolved(ctx)
	assert.Zero(t, n)
}
