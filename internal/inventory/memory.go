package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carrental/internal/apperr"
	"carrental/internal/pii"
)

// MemoryService is an in-process Service for drills and tests. It applies
// the same check-and-set rules as the Postgres implementation.
type MemoryService struct {
	codec *pii.Codec

	mu     sync.Mutex
	cars   map[uuid.UUID]*carRow
	plates map[string]uuid.UUID
}

func NewMemoryService(codec *pii.Codec) *MemoryService {
	return &MemoryService{
		codec:  codec,
		cars:   make(map[uuid.UUID]*carRow),
		plates: make(map[string]uuid.UUID),
	}
}

func (m *MemoryService) AddCar(_ context.Context, in NewCar) (*Car, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	plate, err := m.codec.Encrypt(in.LicensePlate)
	if err != nil {
		return nil, err
	}
	index := m.codec.BlindIndex(in.LicensePlate)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plates[index]; ok {
		return nil, apperr.Conflict("car", apperr.ReasonDuplicate, "license plate already registered")
	}
	now := time.Now().UTC()
	r := &carRow{
		Car: Car{
			ID:             uuid.New(),
			Make:           in.Make,
			Model:          in.Model,
			Year:           in.Year,
			Status:         StatusAvailable,
			DailyRateCents: in.DailyRateCents,
			Location:       in.Location,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		sealedPlate: plate,
	}
	m.cars[r.ID] = r
	m.plates[index] = r.ID
	car := r.Car
	car.LicensePlate = in.LicensePlate
	return &car, nil
}

func (m *MemoryService) get(id uuid.UUID) (carRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.cars[id]
	if !ok {
		return carRow{}, apperr.NotFound("car", id)
	}
	return *r, nil
}

func (m *MemoryService) open(r carRow) (*Car, error) {
	plate, err := m.codec.Decrypt(r.sealedPlate)
	if err != nil {
		return nil, err
	}
	car := r.Car
	car.LicensePlate = plate
	return &car, nil
}

func (m *MemoryService) GetCar(_ context.Context, id uuid.UUID) (*Car, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return m.open(r)
}

func (m *MemoryService) GetSealedCar(_ context.Context, id uuid.UUID) (*SealedCar, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return sealed(&r), nil
}

func (m *MemoryService) ListCars(_ context.Context, f Filter) ([]*Car, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown car status %q", f.Status)
	}
	m.mu.Lock()
	var rows []carRow
	for _, r := range m.cars {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Location != "" && !strings.EqualFold(r.Location, strings.TrimSpace(f.Location)) {
			continue
		}
		rows = append(rows, *r)
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	out := make([]*Car, 0, len(rows))
	for _, r := range rows {
		car, err := m.open(r)
		if err != nil {
			return nil, err
		}
		out = append(out, car)
	}
	return out, nil
}

func (m *MemoryService) CompareAndSetStatus(_ context.Context, id uuid.UUID, change StatusChange) (*SealedCar, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.cars[id]
	if !ok {
		return nil, apperr.NotFound("car", id)
	}

	holderMatches := r.RentalID == nil
	if change.Expected == StatusRented {
		holderMatches = r.RentalID != nil && *r.RentalID == *change.RentalID
	}
	if r.Status != change.Expected || !holderMatches {
		reason := apperr.ReasonStaleState
		if change.Expected == StatusAvailable && change.Target == StatusRented {
			reason = apperr.ReasonCarUnavailable
		}
		return nil, apperr.Conflict("car", reason, "car %s is %s, expected %s", id, r.Status, change.Expected)
	}

	r.Status = change.Target
	r.RentalID = nil
	if change.Target == StatusRented {
		holder := *change.RentalID
		r.RentalID = &holder
	}
	r.UpdatedAt = time.Now().UTC()
	return sealed(r), nil
}

func (m *MemoryService) Stats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	var rates int64
	for _, r := range m.cars {
		st.Total++
		rates += r.DailyRateCents
		switch r.Status {
		case StatusAvailable:
			st.Available++
		case StatusRented:
			st.Rented++
		case StatusMaintenance:
			st.Maintenance++
		}
	}
	if st.Total > 0 {
		st.AverageDailyRateCents = (rates + st.Total/2) / st.Total
	}
	return &st, nil
}

// Force overwrites a car's status and holder without any check. Drills use
// it to stage divergent state.
func (m *MemoryService) Force(id uuid.UUID, status Status, holder *uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.cars[id]; ok {
		r.Status, r.RentalID = status, holder
	}
}
