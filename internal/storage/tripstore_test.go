package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nehadangwal2003/RideX/internal/models"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRide(id, rider string, created time.Time) *models.Ride {
	return &models.Ride{
		ID:           id,
		RiderID:      rider,
		Pickup:       models.Place{Point: models.GeoPoint{Lat: 28.61, Lng: 77.2}},
		Dropoff:      models.Place{Point: models.GeoPoint{Lat: 28.7, Lng: 77.1}},
		VehicleClass: models.VehicleEconomy,
		Status:       models.StatusRequested,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func accepted(r *models.Ride, driver string) *models.Ride {
	n := r.Clone()
	n.Status = models.StatusAccepted
	n.DriverID = driver
	at := r.CreatedAt.Add(time.Minute)
	n.AcceptedAt = &at
	n.UpdatedAt = at
	return n
}

// repoContract is the behaviour every RideRepository must share.
var repoContract = []struct {
	name string
	run  func(*testing.T, RideRepository)
}{
	{"create and get", contractCreateAndGet},
	{"duplicate id", contractRejectsDuplicateID},
	{"conditional update", contractConditionalUpdate},
	{"lifecycle fields only", contractConditionalUpdateOnlyTouchesLifecycleFields},
	{"at most one winner", contractConditionalUpdateAtMostOneWinner},
	{"list by participant", contractListByRiderAndDriverNewestFirst},
	{"requested unassigned scopes", contractListRequestedUnassignedScopes},
}

func TestMemoryStoreContract(t *testing.T) {
	for _, c := range repoContract {
		t.Run(c.name, func(t *testing.T) { c.run(t, NewMemoryStore()) })
	}
}

func contractCreateAndGet(t *testing.T, s RideRepository) {
	ctx := context.Background()

	id, err := s.Create(ctx, newRide("", "r1", t0))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RiderID)

	// callers get copies
	got.Status = models.StatusCancelled
	again, _ := s.Get(ctx, id)
	assert.Equal(t, models.StatusRequested, again.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func contractRejectsDuplicateID(t *testing.T, s RideRepository) {
	ctx := context.Background()
	_, err := s.Create(ctx, newRide("x", "r1", t0))
	require.NoError(t, err)
	_, err = s.Create(ctx, newRide("x", "r2", t0))
	assert.Error(t, err)
}

func contractConditionalUpdate(t *testing.T, s RideRepository) {
	ctx := context.Background()
	r := newRide("ride1", "r1", t0)
	_, _ = s.Create(ctx, r)

	next := accepted(r, "d1")
	got, err := s.ConditionalUpdate(ctx, r.ID, Expect(r), next)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	require.NotNil(t, got.AcceptedAt)

	// same expectation again no longer matches
	_, err = s.ConditionalUpdate(ctx, r.ID, Expect(r), accepted(r, "d2"))
	assert.ErrorIs(t, err, ErrConditionMismatch)

	stored, _ := s.Get(ctx, r.ID)
	assert.Equal(t, "d1", stored.DriverID)

	_, err = s.ConditionalUpdate(ctx, "missing", Expect(r), next)
	assert.ErrorIs(t, err, ErrNotFound)
}

func contractConditionalUpdateOnlyTouchesLifecycleFields(t *testing.T, s RideRepository) {
	ctx := context.Background()
	r := newRide("ride1", "r1", t0)
	r.Fare = 120
	_, _ = s.Create(ctx, r)

	next := accepted(r, "d1")
	next.Fare = 1
	next.RiderID = "someone-else"
	got, err := s.ConditionalUpdate(ctx, r.ID, Expect(r), next)
	require.NoError(t, err)
	assert.Equal(t, 120.0, got.Fare)
	assert.Equal(t, "r1", got.RiderID)
}

func contractConditionalUpdateAtMostOneWinner(t *testing.T, s RideRepository) {
	ctx := context.Background()
	r := newRide("ride1", "r1", t0)
	_, _ = s.Create(ctx, r)

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, r.ID, Expect(r), accepted(r, fmt.Sprintf("d%d", i)))
			if err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func contractListByRiderAndDriverNewestFirst(t *testing.T, s RideRepository) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = s.Create(ctx, newRide(fmt.Sprintf("a%d", i), "r1", t0.Add(time.Duration(i)*time.Minute)))
	}
	_, _ = s.Create(ctx, newRide("other", "r2", t0))

	rides, err := s.ListByRider(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rides, 3)
	assert.Equal(t, "a2", rides[0].ID)
	assert.Equal(t, "a0", rides[2].ID)

	r, _ := s.Get(ctx, "a1")
	_, _ = s.ConditionalUpdate(ctx, r.ID, Expect(r), accepted(r, "d9"))
	byDriver, _ := s.ListByDriver(ctx, "d9")
	require.Len(t, byDriver, 1)
	assert.Equal(t, "a1", byDriver[0].ID)

	none, _ := s.ListByDriver(ctx, "")
	assert.Empty(t, none)
}

func contractListRequestedUnassignedScopes(t *testing.T, s RideRepository) {
	ctx := context.Background()
	now := t0.Add(time.Hour)

	immediate := newRide("now", "r1", t0)
	due := newRide("due", "r2", t0.Add(time.Second))
	dueAt := now.Add(-time.Minute)
	due.ScheduledAt = &dueAt
	later := newRide("later", "r3", t0.Add(2*time.Second))
	laterAt := now.Add(2 * time.Hour)
	later.ScheduledAt = &laterAt
	soon := newRide("soon", "r4", t0.Add(3*time.Second))
	soonAt := now.Add(30 * time.Minute)
	soon.ScheduledAt = &soonAt
	taken := newRide("taken", "r5", t0)

	for _, r := range []*models.Ride{immediate, due, later, soon, taken} {
		_, _ = s.Create(ctx, r)
	}
	_, _ = s.ConditionalUpdate(ctx, taken.ID, Expect(taken), accepted(taken, "d1"))

	ids := func(rs []*models.Ride) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ID
		}
		return out
	}

	all, _ := s.ListRequestedUnassigned(ctx, RequestedFilter{Scope: ScopeAny})
	assert.Equal(t, []string{"now", "due", "later", "soon"}, ids(all))

	dueOnly, _ := s.ListRequestedUnassigned(ctx, RequestedFilter{Scope: ScopeDue, Now: now})
	assert.Equal(t, []string{"now", "due"}, ids(dueOnly))

	future, _ := s.ListRequestedUnassigned(ctx, RequestedFilter{Scope: ScopeFuture, Now: now})
	assert.Equal(t, []string{"soon", "later"}, ids(future))

	limited, _ := s.ListRequestedUnassigned(ctx, RequestedFilter{Scope: ScopeFuture, Now: now, Limit: 1})
	assert.Equal(t, []string{"soon"}, ids(limited))

	premium, _ := s.ListRequestedUnassigned(ctx, RequestedFilter{VehicleClass: models.VehiclePremium})
	assert.Empty(t, premium)
}
