// Package events carries domain events between the rental and car status
// services with at-least-once delivery.
package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRentalCreated   Type = "rental.created"
	TypeRentalCompleted Type = "rental.completed"
	TypeRentalCancelled Type = "rental.cancelled"
)

// namespace seeds deterministic event ids.
var namespace = uuid.MustParse("6f1c1c52-3a55-4f43-9a0e-0c6f3b7c2d41")

// Event is the envelope published on the channel. Payloads never carry
// plaintext PII.
type Event struct {
	ID         uuid.UUID       `json:"event_id"`
	Type       Type            `json:"type"`
	RentalID   uuid.UUID       `json:"rental_id"`
	CarID      uuid.UUID       `json:"car_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RentalPayload is the payload of every rental.* event.
type RentalPayload struct {
	UserID           uuid.UUID `json:"user_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	Status           string    `json:"status"`
}

// EventID derives the id of the event of type t for a rental. A rental
// produces at most one event of each type, so redeliveries and outbox
// replays share an id.
func EventID(rentalID uuid.UUID, t Type) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(rentalID.String()+"/"+string(t)))
}

// New builds an event with a deterministic id.
func New(t Type, rentalID, carID uuid.UUID, payload any, at time.Time) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return Event{
		ID:         EventID(rentalID, t),
		Type:       t,
		RentalID:   rentalID,
		CarID:      carID,
		Payload:    raw,
		OccurredAt: at.UTC(),
	}, nil
}

// Key is the partition key. Events for one car are delivered in order.
func (e Event) Key() string {
	return e.CarID.String()
}

func (e Event) RentalPayload() (RentalPayload, error) {
	var p RentalPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.ID == uuid.Nil || e.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing event_id or type")
	}
	return e, nil
}

// Partition maps a key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
