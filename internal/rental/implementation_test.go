package rental

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/apperr"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/logger"
)

func TestCreateRentalBookingExample(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	assert.Equal(t, int64(10000), r.TotalAmountCents)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "Downtown", r.PickupLocation)
	assert.Equal(t, "Una One", r.UserName)
	assert.Equal(t, "Toyota Corolla (C1-PLATE)", r.CarInfo)

	dispatched := h.dispatcher.all()
	require.Len(t, dispatched, 1)
	assert.Equal(t, events.TypeRentalCreated, dispatched[0].Type)
	assert.Equal(t, events.EventID(r.ID, events.TypeRentalCreated), dispatched[0].ID)
	assert.Equal(t, h.carID, dispatched[0].CarID)

	stored, err := h.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "Downtown", stored.PickupLocation, "locations are sealed at rest")
	assert.Len(t, h.repo.Unpublished(), 1)
}

func TestCreateRentalRejectsBadInputWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*CreateRequest){
		"end before start": func(r *CreateRequest) { r.EndDate = dayAt(1).Add(-time.Hour) },
		"same instant":     func(r *CreateRequest) { r.EndDate = r.StartDate },
		"start in past":    func(r *CreateRequest) { r.StartDate, r.EndDate = clock.AddDate(0, 0, -2), dayAt(3) },
		"under one day":    func(r *CreateRequest) { r.EndDate = r.StartDate.Add(12 * time.Hour) },
		"too long":         func(r *CreateRequest) { r.EndDate = r.StartDate.AddDate(2, 0, 0) },
		"no pickup":        func(r *CreateRequest) { r.PickupLocation = "" },
		"nil user":         func(r *CreateRequest) { r.UserID = uuid.Nil },
	}
	for name, mutate := range cases {
		req := h.request()
		mutate(&req)
		_, err := h.svc.CreateRental(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrValidation, name)
	}
	st, _ := h.repo.Stats(context.Background())
	assert.Zero(t, st.Total)
	assert.Empty(t, h.dispatcher.all())
}

func TestCreateRentalUnknownReferences(t *testing.T) {
	h := newHarness(t)

	req := h.request()
	req.UserID = uuid.New()
	_, err := h.svc.CreateRental(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	req = h.request()
	req.CarID = uuid.New()
	_, err = h.svc.CreateRental(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	st, _ := h.repo.Stats(context.Background())
	assert.Zero(t, st.Total)
}

func TestCreateRentalCarNotAvailable(t *testing.T) {
	h := newHarness(t)
	_, err := h.cars.CompareAndSetStatus(context.Background(), h.carID, inventory.StatusChange{
		Expected: inventory.StatusAvailable, Target: inventory.StatusMaintenance,
	})
	require.NoError(t, err)

	_, err = h.svc.CreateRental(context.Background(), h.request())
	assert.ErrorIs(t, err, apperr.ErrCarUnavailable)
	assert.Empty(t, h.dispatcher.all())
}

func TestCreateRentalDirectoryTimeoutIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.users.delay = time.Second

	_, err := h.svc.CreateRental(context.Background(), h.request())
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
	st, _ := h.repo.Stats(context.Background())
	assert.Zero(t, st.Total)
}

func TestLifecycleEmitsReleaseEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	r, err = h.svc.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, "Airport", r.ReturnLocation)

	r, err = h.svc.Return(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)

	dispatched := h.dispatcher.all()
	require.Len(t, dispatched, 2)
	assert.Equal(t, events.TypeRentalCompleted, dispatched[1].Type)

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), st.RevenueCents)
}

func TestIllegalTransitionLeavesStatusUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	_, err = h.svc.Return(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = h.svc.Cancel(ctx, r.ID)
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := h.svc.GetRental(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "Una One", got.UserName)
}

func TestUpdateStatusGeneric(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	_, err = h.svc.UpdateStatus(ctx, r.ID, "lost")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.UpdateStatus(ctx, uuid.New(), StatusActive)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := h.svc.UpdateStatus(ctx, r.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestReadsSurfaceDecryptionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	// Same storage, different key.
	other := NewService(Deps{
		Repository: h.repo, Users: h.users, Cars: inventoryDirectory{svc: h.cars},
		Codec: testCodec(t), Dispatcher: h.dispatcher, Logger: logger.Discard(), Now: func() time.Time { return clock },
	})
	_, err = other.GetRental(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrDecryption)

	_, err = other.ListRentals(ctx, Filter{})
	assert.ErrorIs(t, err, apperr.ErrDecryption)
}

func TestListRentalsFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.svc.CreateRental(ctx, h.request())
	require.NoError(t, err)

	list, err := h.svc.ListRentals(ctx, Filter{UserID: h.userID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ID, list[0].ID)

	list, err = h.svc.ListRentals(ctx, Filter{Status: StatusActive})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.svc.ListRentals(ctx, Filter{Status: "bogus"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
