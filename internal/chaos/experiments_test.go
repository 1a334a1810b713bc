package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/inventory"
	"carrental/internal/logger"
	"carrental/internal/pii"
)

func newLab(t *testing.T) *Lab {
	t.Helper()
	encoded, err := pii.GenerateKey()
	require.NoError(t, err)
	key, err := pii.ParseKey(encoded)
	require.NoError(t, err)
	codec, err := pii.NewCodec(key)
	require.NoError(t, err)

	cfg := DefaultLabConfig()
	cfg.PublishBudget = 50 * time.Millisecond
	lab, err := NewLab(codec, cfg, logger.Discard())
	require.NoError(t, err)
	lab.Start(context.Background())
	t.Cleanup(func() { lab.Close() })
	return lab
}

func runDrill(t *testing.T, exp Experiment) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := NewEngine(logger.Discard(), 10*time.Millisecond).Run(ctx, exp)
	require.NoError(t, err)
	assert.Empty(t, res.ErrorEvents)
	assert.True(t, res.HypothesisHeld, "failed: %v", res.FailedAssertions)
	return res
}

func TestBookingRaceHasSingleHolder(t *testing.T) {
	lab := newLab(t)
	runDrill(t, BookingRace(lab, 10, 50*time.Millisecond))

	rented, err := lab.Cars.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rented.Rented)
}

func TestPublisherOutageRecoversThroughSweep(t *testing.T) {
	lab := newLab(t)
	res := runDrill(t, PublisherOutage(lab, 3, 100*time.Millisecond))

	assert.NotEmpty(t, res.Violations, "the outage is visible while it lasts")
	assert.Positive(t, lab.Publisher.Rejected())
	assert.Empty(t, lab.Repo.Unpublished())
}

func TestDirectorySlowdownFailsFast(t *testing.T) {
	lab := newLab(t)
	runDrill(t, DirectorySlowdown(lab, 2, 20*time.Millisecond))

	st, err := lab.Repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestLateReleaseLeavesMaintenanceAlone(t *testing.T) {
	lab := newLab(t)
	runDrill(t, MaintenanceDuringRental(lab, 20*time.Millisecond))

	n, err := lab.DeadLetters.CountUnresolved(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweptCreationAfterCancelLeavesCarAvailable(t *testing.T) {
	lab := newLab(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	carID, err := lab.AddCar(ctx, "LATE-1", "Downtown")
	require.NoError(t, err)
	userID := lab.Users.Add("Lena", "Late")

	lab.Publisher.Fail(true)
	r, err := lab.Rentals.CreateRental(ctx, Booking(userID, carID))
	require.NoError(t, err)
	require.NoError(t, lab.Settle(ctx))
	require.Len(t, lab.Repo.Unpublished(), 1)

	lab.Publisher.Fail(false)
	_, err = lab.Rentals.Cancel(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, lab.Settle(ctx))

	n, err := lab.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, lab.Settle(ctx))

	car, err := lab.Cars.GetCar(ctx, carID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAvailable, car.Status)
	dead, err := lab.DeadLetters.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.Zero(t, dead)
}
