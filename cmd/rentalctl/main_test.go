package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/carstatus"
	"carrental/internal/events"
	"carrental/internal/logger"
	"carrental/internal/pii"
)

type fixture struct {
	cli     *cli
	out     *bytes.Buffer
	store   *carstatus.MemoryStore
	channel *events.MemoryChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	out := &bytes.Buffer{}
	f := &fixture{
		cli:     newCLI(out),
		out:     out,
		store:   carstatus.NewMemoryStore(),
		channel: events.NewMemoryChannel(1, 0, logger.Discard()),
	}
	f.cli.openDeadLetters = func(context.Context) (carstatus.DeadLetters, func(), error) {
		return f.store, func() {}, nil
	}
	f.cli.openPublisher = func(context.Context) (events.Publisher, error) {
		return nopClose{f.channel}, nil
	}
	return f
}

type nopClose struct{ events.Publisher }

func (nopClose) Close() error { return nil }

func (f *fixture) run(t *testing.T, args ...string) error {
	t.Helper()
	f.out.Reset()
	root := f.cli.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func (f *fixture) deadLetter(t *testing.T) events.Event {
	t.Helper()
	e := events.Event{
		ID: uuid.New(), Type: events.TypeRentalCreated,
		RentalID: uuid.New(), CarID: uuid.New(), OccurredAt: time.Now(),
	}
	require.NoError(t, f.store.DeadLetter(context.Background(), events.DeadLetter{
		Event: e, Reason: carstatus.ReasonCarUnavailable, Error: "car is rented", Attempts: 1, FailedAt: time.Now(),
	}))
	return e
}

func TestKeygenPrintsUsableKey(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "keygen"))

	key, err := pii.ParseKey(string(bytes.TrimSpace(f.out.Bytes())))
	require.NoError(t, err)
	_, err = pii.NewCodec(key)
	assert.NoError(t, err)
}

func TestDeadLettersList(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "deadletters", "list"))
	assert.Contains(t, f.out.String(), "no dead letters")

	e := f.deadLetter(t)
	require.NoError(t, f.run(t, "dl", "list"))
	assert.Contains(t, f.out.String(), e.ID.String())
	assert.Contains(t, f.out.String(), carstatus.ReasonCarUnavailable)
}

func TestDeadLettersResolve(t *testing.T) {
	f := newFixture(t)
	e := f.deadLetter(t)

	require.NoError(t, f.run(t, "deadletters", "resolve", e.ID.String(), "--resolution", "refunded"))

	n, err := f.store.CountUnresolved(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	dl, err := f.store.GetDeadLetter(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", dl.Resolution)
}

func TestDeadLettersReplayRepublishes(t *testing.T) {
	f := newFixture(t)
	e := f.deadLetter(t)

	require.NoError(t, f.run(t, "deadletters", "replay", e.ID.String()))

	assert.Equal(t, int64(1), f.channel.Pending())
	dl, err := f.store.GetDeadLetter(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, carstatus.ResolutionReplayed, dl.Resolution)
}

func TestDeadLettersRejectsBadID(t *testing.T) {
	f := newFixture(t)
	assert.ErrorContains(t, f.run(t, "deadletters", "resolve", "nope"), "invalid event id")
}
