package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carrental/internal/carstatus"
	"carrental/internal/events"
	"carrental/internal/inventory"
	"carrental/internal/outbox"
	"carrental/internal/pii"
	"carrental/internal/rental"
)

// LabConfig sizes the in-process stack.
type LabConfig struct {
	Partitions        int
	ValidationTimeout time.Duration
	PublishBudget     time.Duration
	PublishTimeout    time.Duration
	Retry             events.RetryPolicy
}

func DefaultLabConfig() LabConfig {
	return LabConfig{
		Partitions:        4,
		ValidationTimeout: 200 * time.Millisecond,
		PublishBudget:     300 * time.Millisecond,
		PublishTimeout:    100 * time.Millisecond,
		Retry:             events.RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	}
}

// Lab is the whole booking pipeline in one process: the rental service
// writes to a memory repository, the dispatcher publishes through a
// FaultyPublisher onto a memory channel, and the car status consumer
// applies events to a memory inventory.
type Lab struct {
	Rentals     rental.Service
	Repo        *rental.MemoryStore
	Cars        *inventory.MemoryService
	Users       *Directory
	Publisher   *FaultyPublisher
	DeadLetters *carstatus.MemoryStore

	channel    *events.MemoryChannel
	dispatcher *outbox.Dispatcher
	consumer   *carstatus.Consumer
	retry      events.RetryPolicy
	log        *slog.Logger
	cancel     context.CancelFunc
}

func NewLab(codec *pii.Codec, cfg LabConfig, log *slog.Logger) (*Lab, error) {
	channel := events.NewMemoryChannel(cfg.Partitions, 0, log)
	pub := NewFaultyPublisher(channel)
	repo := rental.NewMemoryStore()
	cars := inventory.NewMemoryService(codec)
	dir := NewDirectory()
	dead := carstatus.NewMemoryStore()

	consumer, err := carstatus.NewConsumer(cars, dead, 1024, log)
	if err != nil {
		return nil, err
	}
	dispatcher := outbox.NewDispatcher(pub, repo, cfg.PublishBudget, cfg.PublishTimeout, log)

	return &Lab{
		Rentals: rental.NewService(rental.Deps{
			Repository:        repo,
			Users:             dir,
			Cars:              carLookup{cars},
			Codec:             codec,
			Dispatcher:        dispatcher,
			ValidationTimeout: cfg.ValidationTimeout,
			Logger:            log,
		}),
		Repo:        repo,
		Cars:        cars,
		Users:       dir,
		Publisher:   pub,
		DeadLetters: dead,
		channel:     channel,
		dispatcher:  dispatcher,
		consumer:    consumer,
		retry:       cfg.Retry,
		log:         log,
	}, nil
}

type carLookup struct {
	svc inventory.Service
}

func (c carLookup) LookupCar(ctx context.Context, id uuid.UUID) (*inventory.Car, error) {
	return c.svc.GetCar(ctx, id)
}

// Start runs the consumer until Close.
func (l *Lab) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		if err := l.channel.Subscribe(ctx, l.consumer.Handler(l.retry, l.DeadLetters)); err != nil && ctx.Err() == nil {
			l.log.Error("lab consumer stopped", "error", err)
		}
	}()
}

func (l *Lab) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	return l.channel.Close()
}

// AddCar registers an available car at location.
func (l *Lab) AddCar(ctx context.Context, plate, location string) (uuid.UUID, error) {
	car, err := l.Cars.AddCar(ctx, inventory.NewCar{
		Make: "Toyota", Model: "Corolla", Year: 2023, LicensePlate: plate, DailyRateCents: 5000, Location: location,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return car.ID, nil
}

// Booking is a two-day rental starting tomorrow.
func Booking(userID, carID uuid.UUID) rental.CreateRequest {
	start := time.Now().UTC().Truncate(24 * time.Hour).Add(24*time.Hour + 10*time.Hour)
	return rental.CreateRequest{
		UserID:         userID,
		CarID:          carID,
		StartDate:      start,
		EndDate:        start.Add(48 * time.Hour),
		PickupLocation: "Downtown",
		ReturnLocation: "Downtown",
	}
}

// Sweep republishes outbox events the dispatcher gave up on.
func (l *Lab) Sweep(ctx context.Context) (int, error) {
	n := 0
	for _, e := range l.Repo.Unpublished() {
		if err := l.dispatcher.Publish(ctx, e); err != nil {
			return n, fmt.Errorf("sweep %s: %w", e.ID, err)
		}
		n++
	}
	return n, nil
}

// Settle waits for in-flight publishes and deliveries.
func (l *Lab) Settle(ctx context.Context) error {
	if err := l.dispatcher.Wait(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for l.channel.Pending() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
