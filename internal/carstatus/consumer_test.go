package carstatus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/logger"
	"carrental/internal/pii"
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

type fixture struct {
	cars     *inventory.MemoryService
	store    *MemoryStore
	consumer *Consumer
	carID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cars := inventory.NewMemoryService(testCodec(t))
	car, err := cars.AddCar(context.Background(), inventory.NewCar{
		Make: "VW", Model: "Golf", Year: 2022, LicensePlate: "B-CR-1", DailyRateCents: 5000, Location: "Berlin",
	})
	require.NoError(t, err)
	store := NewMemoryStore()
	c, err := NewConsumer(cars, store, 16, logger.Discard())
	require.NoError(t, err)
	return &fixture{cars: cars, store: store, consumer: c, carID: car.ID}
}

func event(t *testing.T, typ events.Type, rentalID, carID uuid.UUID) events.Event {
	t.Helper()
	e, err := events.New(typ, rentalID, carID, nil, time.Now())
	require.NoError(t, err)
	return e
}

func fastPolicy(n int) events.RetryPolicy {
	return events.RetryPolicy{MaxAttempts: n, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestCreatedEventRentsCar(t *testing.T) {
	f := newFixture(t)
	rentalID := uuid.New()
	ctx := context.Background()

	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, rentalID, f.carID)))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(rentalID))
}

func TestRedeliveryDoesNotTransitionTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rentalID := uuid.New()
	created := event(t, events.TypeRentalCreated, rentalID, f.carID)

	require.NoError(t, f.consumer.OnEvent(ctx, created))
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCompleted, rentalID, f.carID)))
	// a late duplicate of the creation must not take the car again
	require.NoError(t, f.consumer.OnEvent(ctx, created))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status)
}

func TestDedupeFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := event(t, events.TypeRentalCreated, uuid.New(), f.carID)
	require.NoError(t, f.store.MarkProcessed(ctx, created))

	require.NoError(t, f.consumer.OnEvent(ctx, created))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status, "processed event must be skipped")
}

func TestReplayAfterLostAckCountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rentalID := uuid.New()
	_, err := f.cars.CompareAndSetStatus(ctx, f.carID, inventory.StatusChange{
		Expected: inventory.StatusAvailable, Target: inventory.StatusRented, RentalID: &rentalID,
	})
	require.NoError(t, err)

	err = f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, rentalID, f.carID))
	assert.NoError(t, err)
}

func TestSecondBookingIsPermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, uuid.New(), f.carID)))

	err := f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, uuid.New(), f.carID))
	require.Error(t, err)
	assert.True(t, events.IsPermanent(err))
	assert.Equal(t, ReasonCarUnavailable, events.PermanentReason(err))
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder := uuid.New()
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, holder, f.carID)))

	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCancelled, uuid.New(), f.carID)))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(holder))
}

func TestUnknownTypeAndMissingCarArePermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.consumer.OnEvent(ctx, event(t, "rental.extended", uuid.New(), f.carID))
	assert.Equal(t, ReasonUnknownType, events.PermanentReason(err))

	err = f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, uuid.New(), uuid.New()))
	assert.Equal(t, ReasonCarNotFound, events.PermanentReason(err))
}

type flakyCars struct {
	Cars
	failures atomic.Int32
}

func (c *flakyCars) CompareAndSetStatus(ctx context.Context, id uuid.UUID, change inventory.StatusChange) (*inventory.SealedCar, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, apperr.Unavailable("cars", errors.New("connection refused"))
	}
	return c.Cars.CompareAndSetStatus(ctx, id, change)
}

func TestTransientFailuresAreRetriedThenApplied(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyCars{Cars: f.cars}
	flaky.failures.Store(2)
	c, err := NewConsumer(flaky, f.store, 16, logger.Discard())
	require.NoError(t, err)

	rentalID := uuid.New()
	h := c.Handler(fastPolicy(5), f.store)
	require.NoError(t, h(context.Background(), event(t, events.TypeRentalCreated, rentalID, f.carID)))

	car, err := f.cars.GetSealedCar(context.Background(), f.carID)
	require.NoError(t, err)
	assert.True(t, car.HeldBy(rentalID))
	n, _ := f.store.CountUnresolved(context.Background())
	assert.Zero(t, n)
}

func TestOutageLongerThanPolicyIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyCars{Cars: f.cars}
	flaky.failures.Store(100)
	c, err := NewConsumer(flaky, f.store, 16, logger.Discard())
	require.NoError(t, err)

	e := event(t, events.TypeRentalCreated, uuid.New(), f.carID)
	require.NoError(t, c.Handler(fastPolicy(3), f.store)(context.Background(), e))

	dl, err := f.store.GetDeadLetter(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, events.ReasonRetriesExhausted, dl.Reason)
	assert.Equal(t, 3, dl.Attempts)

	processed, _ := f.store.IsProcessed(context.Background(), e.ID)
	assert.False(t, processed, "dead letters stay replayable")
}

type capturePublisher struct{ got []events.Event }

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.got = append(p.got, e)
	return nil
}
func (p *capturePublisher) Close() error { return nil }

func TestReplayRepublishesAndResolves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := event(t, events.TypeRentalCreated, uuid.New(), uuid.New())
	require.NoError(t, store.DeadLetter(ctx, events.DeadLetter{Event: e, Reason: ReasonCarUnavailable, FailedAt: time.Now()}))

	pub := &capturePublisher{}
	require.NoError(t, Replay(ctx, store, pub, e.ID))

	require.Len(t, pub.got, 1)
	assert.Equal(t, e.ID, pub.got[0].ID)
	dl, err := store.GetDeadLetter(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionReplayed, dl.Resolution)
	assert.ErrorIs(t, Replay(ctx, store, pub, e.ID), apperr.ErrNotFound)
}

func TestReporterSummarisesUnresolved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e := event(t, events.TypeRentalCreated, uuid.New(), uuid.New())
		require.NoError(t, store.DeadLetter(ctx, events.DeadLetter{Event: e, Reason: ReasonCarUnavailable, FailedAt: time.Now()}))
	}
	assert.NoError(t, NewReporter(store, logger.Discard()).Report(ctx))
}

func TestCreationArrivingAfterReleaseDoesNotTakeCar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rentalID := uuid.New()

	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCancelled, rentalID, f.carID)))
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, rentalID, f.carID)))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status)
	assert.Nil(t, car.RentalID)
	processed, _ := f.store.IsProcessed(ctx, events.EventID(rentalID, events.TypeRentalCreated))
	assert.True(t, processed)
}

func TestReplayedCreationOfFinishedRentalIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder, loser := uuid.New(), uuid.New()
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCreated, holder, f.carID)))

	lost := event(t, events.TypeRentalCreated, loser, f.carID)
	require.NoError(t, f.consumer.Handler(fastPolicy(2), f.store)(ctx, lost))
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCancelled, loser, f.carID)))
	require.NoError(t, f.consumer.OnEvent(ctx, event(t, events.TypeRentalCompleted, holder, f.carID)))

	pub := &capturePublisher{}
	require.NoError(t, Replay(ctx, f.store, pub, lost.ID))
	require.Len(t, pub.got, 1)
	require.NoError(t, f.consumer.OnEvent(ctx, pub.got[0]))

	car, err := f.cars.GetSealedCar(ctx, f.carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status)
}
