package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nehadangwal2003/RideX/internal/models"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrConditionMismatch = errors.New("ride does not match expected state")
)

// Expectation is the (status, driver) pair a conditional update is keyed on.
// An empty DriverID means "no driver assigned".
type Expectation struct {
	Status   models.RideStatus
	DriverID string
}

func Expect(r *models.Ride) Expectation {
	return Expectation{Status: r.Status, DriverID: r.DriverID}
}

type ScheduleScope int

const (
	// ScopeAny matches every requested, unassigned ride.
	ScopeAny ScheduleScope = iota
	// ScopeDue matches immediate rides and scheduled rides whose time has come.
	ScopeDue
	// ScopeFuture matches scheduled rides still ahead of Now.
	ScopeFuture
)

type RequestedFilter struct {
	Scope        ScheduleScope
	Now          time.Time
	VehicleClass models.VehicleClass
	Limit        int
}

func (f RequestedFilter) match(r *models.Ride) bool {
	if !r.Open() {
		return false
	}
	if f.VehicleClass != "" && r.VehicleClass != f.VehicleClass {
		return false
	}
	switch f.Scope {
	case ScopeDue:
		return r.ScheduledAt == nil || !r.ScheduledAt.After(f.Now)
	case ScopeFuture:
		return r.ScheduledAt != nil && r.ScheduledAt.After(f.Now)
	}
	return true
}

// RideRepository is the durable store for rides. ConditionalUpdate is the
// only mutation after Create: it writes the lifecycle field group (status,
// driver, timestamps) of next if and only if the stored ride still matches
// expected, atomically. It returns ErrConditionMismatch otherwise.
type RideRepository interface {
	Create(ctx context.Context, r *models.Ride) (string, error)
	Get(ctx context.Context, id string) (*models.Ride, error)
	ConditionalUpdate(ctx context.Context, id string, expected Expectation, next *models.Ride) (*models.Ride, error)
	ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error)
	ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	ListRequestedUnassigned(ctx context.Context, f RequestedFilter) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, dup := m.rides[c.ID]; dup {
		return "", errors.New("duplicate ride id " + c.ID)
	}
	m.rides[c.ID] = c
	return c.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id string, expected Expectation, next *models.Ride) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != expected.Status || cur.DriverID != expected.DriverID {
		return nil, ErrConditionMismatch
	}
	applyLifecycle(cur, next)
	return cur.Clone(), nil
}

func (m *MemoryStore) ListByRider(_ context.Context, riderID string) ([]*models.Ride, error) {
	return m.collect(func(r *models.Ride) bool { return r.RiderID == riderID }, newestFirst), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	return m.collect(func(r *models.Ride) bool { return driverID != "" && r.DriverID == driverID }, newestFirst), nil
}

func (m *MemoryStore) ListRequestedUnassigned(_ context.Context, f RequestedFilter) ([]*models.Ride, error) {
	order := oldestFirst
	if f.Scope == ScopeFuture {
		order = soonestScheduled
	}
	out := m.collect(f.match, order)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) collect(keep func(*models.Ride) bool, less func(a, b *models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// applyLifecycle copies the mutable field group from next onto cur.
func applyLifecycle(cur, next *models.Ride) {
	n := next.Clone()
	cur.Status = n.Status
	cur.DriverID = n.DriverID
	cur.AcceptedAt = n.AcceptedAt
	cur.StartedAt = n.StartedAt
	cur.CompletedAt = n.CompletedAt
	cur.CancelledAt = n.CancelledAt
	cur.UpdatedAt = n.UpdatedAt
}

func newestFirst(a, b *models.Ride) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func oldestFirst(a, b *models.Ride) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func soonestScheduled(a, b *models.Ride) bool {
	if !a.ScheduledAt.Equal(*b.ScheduledAt) {
		return a.ScheduledAt.Before(*b.ScheduledAt)
	}
	return oldestFirst(a, b)
}
