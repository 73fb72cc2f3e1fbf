// Package matcher is the dispatch core. Engine takes ride requests, offers
// them to nearby drivers, settles accept races through the repository's
// conditional update and enforces who may act on a ride.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nehadangwal2003/RideX/internal/dispatch"
	"github.com/nehadangwal2003/RideX/internal/geo"
	"github.com/nehadangwal2003/RideX/internal/lock"
	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/nehadangwal2003/RideX/internal/observability"
	"github.com/nehadangwal2003/RideX/internal/ridestate"
	"github.com/nehadangwal2003/RideX/internal/storage"
)

const defaultPickupAddress = "Current Location"

// cancel re-reads the ride this many times when a concurrent transition
// lands between its read and its conditional write. Only condition
// mismatches loop; storage failures are returned as they are.
const cancelAttempts = 3

type Config struct {
	DiscoveryRadiusM   float64
	DiscoveryLimit     int
	AvailableLimit     int
	ScheduledLimit     int
	CrossClassFallback bool
	AcceptLockTTL      time.Duration
	NotifyTimeout      time.Duration
	// RejectionTTL is how long a driver's decline keeps a ride away from them.
	RejectionTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		DiscoveryRadiusM: 10000,
		DiscoveryLimit:   10,
		AvailableLimit:   10,
		ScheduledLimit:   20,
		AcceptLockTTL:    5 * time.Second,
		NotifyTimeout:    2 * time.Second,
		RejectionTTL:     30 * time.Minute,
	}
}

// Deps are the collaborators an Engine is built from. Drivers indexes online
// driver positions, Pickups indexes pickup points of open rides.
type Deps struct {
	Rides   storage.RideRepository
	Drivers geo.Index
	Pickups geo.Index
	Sink    dispatch.Sink
	Locks   lock.Manager
	Clock   ridestate.Clock
	Logger  *slog.Logger
}

type Engine struct {
	rides   storage.RideRepository
	drivers geo.Index
	pickups geo.Index
	sink    dispatch.Sink
	locks   lock.Manager
	clock   ridestate.Clock
	machine *ridestate.Machine
	cfg     Config
	log     *slog.Logger

	// driverMu serializes read-modify-write of driver availability.
	driverMu sync.Mutex

	mu        sync.Mutex
	rejected  map[string]map[string]time.Time // ride id -> driver -> declined at
	activated map[string]struct{}             // scheduled rides already offered
}

func New(d Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DiscoveryRadiusM <= 0 {
		cfg.DiscoveryRadiusM = def.DiscoveryRadiusM
	}
	if cfg.DiscoveryLimit <= 0 {
		cfg.DiscoveryLimit = def.DiscoveryLimit
	}
	if cfg.AvailableLimit <= 0 {
		cfg.AvailableLimit = def.AvailableLimit
	}
	if cfg.ScheduledLimit <= 0 {
		cfg.ScheduledLimit = def.ScheduledLimit
	}
	if cfg.AcceptLockTTL <= 0 {
		cfg.AcceptLockTTL = def.AcceptLockTTL
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.RejectionTTL <= 0 {
		cfg.RejectionTTL = def.RejectionTTL
	}
	if d.Drivers == nil {
		d.Drivers = geo.NewIndex()
	}
	if d.Pickups == nil {
		d.Pickups = geo.NewIndex()
	}
	if d.Sink == nil {
		d.Sink = dispatch.Nop{}
	}
	if d.Locks == nil {
		d.Locks = lock.NewMemoryManager()
	}
	if d.Clock == nil {
		d.Clock = ridestate.NewMonotonicClock(ridestate.SystemClock{})
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		rides:     d.Rides,
		drivers:   d.Drivers,
		pickups:   d.Pickups,
		sink:      d.Sink,
		locks:     d.Locks,
		clock:     d.Clock,
		machine:   ridestate.New(d.Clock),
		cfg:       cfg,
		log:       d.Logger.With("component", "engine"),
		rejected:  make(map[string]map[string]time.Time),
		activated: make(map[string]struct{}),
	}
}

// RideRequest is a rider's submission. Quote comes from the fare estimator
// and is stored as given.
type RideRequest struct {
	RiderID      string
	Pickup       models.Place
	Dropoff      models.Place
	VehicleClass models.VehicleClass
	Quote        models.FareQuote
	ScheduledAt  *time.Time
}

func (r RideRequest) validate() error {
	if strings.TrimSpace(r.RiderID) == "" {
		return &models.Error{Kind: models.KindInvalidArgument, Field: "rider_id", Msg: "rider id is required"}
	}
	if !r.Pickup.Point.Valid() {
		return &models.Error{Kind: models.KindInvalidLocation, Field: "pickup", Msg: "pickup coordinates out of range"}
	}
	if !r.Dropoff.Point.Valid() {
		return &models.Error{Kind: models.KindInvalidLocation, Field: "dropoff", Msg: "dropoff coordinates out of range"}
	}
	if r.VehicleClass != "" && !r.VehicleClass.Valid() {
		return &models.Error{Kind: models.KindInvalidArgument, Field: "vehicle_class", Msg: "unknown vehicle class " + string(r.VehicleClass)}
	}
	for field, v := range map[string]float64{"fare": r.Quote.Fare, "distance_km": r.Quote.DistanceKm, "duration_min": r.Quote.DurationMin} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return &models.Error{Kind: models.KindInvalidArgument, Field: field, Msg: "must be a non-negative number"}
		}
	}
	return nil
}

// RequestRide persists a new ride. Immediate rides, and scheduled rides whose
// time has already passed, are indexed and offered to drivers straight away.
// Failing to reach drivers does not fail the request.
func (e *Engine) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	ride := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      req.RiderID,
		Pickup:       req.Pickup,
		Dropoff:      req.Dropoff,
		VehicleClass: req.VehicleClass,
		Fare:         req.Quote.Fare,
		DistanceKm:   req.Quote.DistanceKm,
		DurationMin:  req.Quote.DurationMin,
		Status:       models.StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ride.VehicleClass == "" {
		ride.VehicleClass = models.VehicleEconomy
	}
	if strings.TrimSpace(ride.Pickup.Address) == "" {
		ride.Pickup.Address = defaultPickupAddress
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		ride.ScheduledAt = &at
	}

	id, err := e.rides.Create(ctx, ride)
	if err != nil {
		e.log.Error("persist ride failed", "rider_id", ride.RiderID, "err", err)
		return nil, &models.Error{Kind: models.KindStorageUnavailable, Msg: "could not store ride", Err: err}
	}
	ride.ID = id
	observability.RidesRequested.Inc()
	e.log.Info("ride requested", "ride_id", id, "rider_id", ride.RiderID, "class", ride.VehicleClass, "scheduled", ride.ScheduledAt != nil)

	e.notify(ctx, id, "ride requested", func(ctx context.Context) error {
		return e.sink.NotifyRideEvent(ctx, id, models.EventRideRequested, ride)
	})

	if ride.Scheduled(now) {
		return ride, nil
	}
	if ride.ScheduledAt != nil {
		e.markActivated(id)
	}
	e.publish(ctx, ride)
	return ride, nil
}

// publish puts the ride's pickup in the discovery pool and offers it.
func (e *Engine) publish(ctx context.Context, ride *models.Ride) {
	if err := e.pickups.Upsert(ctx, pickupEntity(ride, e.clock.Now())); err != nil {
		e.log.Warn("index pickup failed", "ride_id", ride.ID, "err", err)
	}
	if _, err := e.DiscoverDrivers(ctx, ride); err != nil {
		e.log.Warn("discovery failed", "ride_id", ride.ID, "err", err)
	}
}

// DiscoverDrivers finds online drivers of the ride's class near its pickup
// and offers them the ride. Offers reserve nothing; the accept race decides.
func (e *Engine) DiscoverDrivers(ctx context.Context, ride *models.Ride) ([]string, error) {
	if ride == nil {
		return nil, &models.Error{Kind: models.KindInvalidArgument, Field: "ride", Msg: "ride is required"}
	}
	start := time.Now()
	excluded := e.rejectedBy(ride.ID)
	eligible := func(matchClass bool) func(geo.Entity) bool {
		return func(d geo.Entity) bool {
			if !d.Online {
				return false
			}
			if _, no := excluded[d.ID]; no {
				return false
			}
			return !matchClass || d.VehicleClass == ride.VehicleClass
		}
	}
	q := geo.Query{Origin: ride.Pickup.Point, RadiusM: e.cfg.DiscoveryRadiusM, Limit: e.cfg.DiscoveryLimit, Filter: eligible(true)}
	hits, err := e.drivers.QueryNearest(ctx, q)
	if err != nil {
		return nil, indexErr(ride.ID, err)
	}
	if len(hits) == 0 && e.cfg.CrossClassFallback {
		q.Filter = eligible(false)
		if hits, err = e.drivers.QueryNearest(ctx, q); err != nil {
			return nil, indexErr(ride.ID, err)
		}
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	observability.DiscoveryCandidates.Observe(float64(len(ids)))
	observability.DiscoveryLatency.Observe(time.Since(start).Seconds())
	e.log.Debug("discovery", "ride_id", ride.ID, "candidates", len(ids))

	if len(ids) > 0 {
		e.notify(ctx, ride.ID, "driver offers", func(ctx context.Context) error {
			return e.sink.NotifyDriverCandidates(ctx, ride, ids)
		})
	}
	return ids, nil
}

// AcceptRide assigns driverID to a requested ride. Exactly one of any number
// of concurrent accepts for the same ride succeeds; the rest get
// RideNoLongerAvailable. A driver who already holds an active ride gets
// DriverBusy.
func (e *Engine) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, &models.Error{Kind: models.KindForbidden, RideID: rideID, Msg: "only drivers can accept rides"}
	}
	key := "driver:" + driverID
	token, ok, err := e.locks.Acquire(ctx, key, e.cfg.AcceptLockTTL)
	if err != nil {
		return nil, &models.Error{Kind: models.KindStorageUnavailable, RideID: rideID, Msg: "driver lock unavailable", Err: err}
	}
	if !ok {
		return nil, &models.Error{Kind: models.KindDriverBusy, RideID: rideID, Msg: "driver is already accepting another ride"}
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), key, token); err != nil {
			e.log.Warn("release driver lock failed", "driver_id", driverID, "err", err)
		}
	}()

	active, err := e.activeRide(ctx, driverID)
	if err != nil {
		return nil, storageErr(rideID, err)
	}
	if active != nil && active.ID != rideID {
		e.countTransition(ridestate.EventAccept, models.KindDriverBusy)
		return nil, &models.Error{Kind: models.KindDriverBusy, RideID: rideID, Msg: "driver already has active ride " + active.ID}
	}

	cur, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return nil, storageErr(rideID, err)
	}
	next, err := e.machine.Transition(cur, ridestate.EventAccept, ridestate.Driver(driverID))
	if err != nil {
		switch models.KindOf(err) {
		case models.KindAlreadyAssigned, models.KindInvalidState:
			e.countTransition(ridestate.EventAccept, models.KindRideNoLongerAvailable)
			return nil, &models.Error{Kind: models.KindRideNoLongerAvailable, RideID: rideID, Msg: "ride is no longer available", Err: err}
		}
		e.countTransition(ridestate.EventAccept, models.KindOf(err))
		return nil, err
	}

	saved, err := e.rides.ConditionalUpdate(ctx, rideID, storage.Expectation{Status: models.StatusRequested}, next)
	if errors.Is(err, storage.ErrConditionMismatch) {
		observability.AcceptConflicts.Inc()
		e.countTransition(ridestate.EventAccept, models.KindRideNoLongerAvailable)
		e.log.Info("accept lost race", "ride_id", rideID, "driver_id", driverID)
		return nil, &models.Error{Kind: models.KindRideNoLongerAvailable, RideID: rideID, Msg: "ride is no longer available", Err: models.ErrConditionMismatch}
	}
	if err != nil {
		e.log.Error("persist accept failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		return nil, storageErr(rideID, err)
	}

	e.retire(ctx, rideID)
	e.countTransition(ridestate.EventAccept, "")
	e.log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	e.notify(ctx, rideID, "ride accepted", func(ctx context.Context) error {
		return e.sink.NotifyRideEvent(ctx, rideID, models.EventRideAccepted, saved)
	})
	return saved, nil
}

func (e *Engine) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return e.transition(ctx, rideID, ridestate.EventStart, ridestate.Driver(driverID), 1)
}

func (e *Engine) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return e.transition(ctx, rideID, ridestate.EventComplete, ridestate.Driver(driverID), 1)
}

// CancelRide is allowed from any non-terminal state, by the ride's rider or
// its assigned driver. If the ride moves on between read and write, the
// cancel is re-evaluated against the new state.
func (e *Engine) CancelRide(ctx context.Context, rideID string, actor ridestate.Actor) (*models.Ride, error) {
	return e.transition(ctx, rideID, ridestate.EventCancel, actor, cancelAttempts)
}

func (e *Engine) transition(ctx context.Context, rideID string, ev ridestate.EventKind, actor ridestate.Actor, attempts int) (*models.Ride, error) {
	for i := 0; ; i++ {
		cur, err := e.rides.Get(ctx, rideID)
		if err != nil {
			return nil, storageErr(rideID, err)
		}
		next, err := e.machine.Transition(cur, ev, actor)
		if err != nil {
			e.countTransition(ev, models.KindOf(err))
			return nil, err
		}
		saved, err := e.rides.ConditionalUpdate(ctx, rideID, storage.Expect(cur), next)
		if errors.Is(err, storage.ErrConditionMismatch) {
			if i+1 < attempts {
				continue
			}
			e.countTransition(ev, models.KindInvalidState)
			return nil, &models.Error{Kind: models.KindInvalidState, RideID: rideID, Field: "status", Msg: "ride changed concurrently", Err: models.ErrConditionMismatch}
		}
		if err != nil {
			e.log.Error("persist transition failed", "ride_id", rideID, "event", ev, "err", err)
			return nil, storageErr(rideID, err)
		}

		if saved.Status == models.StatusCancelled {
			e.retire(ctx, rideID)
		}
		e.countTransition(ev, "")
		e.log.Info("ride transitioned", "ride_id", rideID, "event", ev, "status", saved.Status, "actor", actor.ID)
		e.notify(ctx, rideID, "ride update", func(ctx context.Context) error {
			return e.sink.NotifyRideEvent(ctx, rideID, models.EventRideUpdate, saved)
		})
		return saved, nil
	}
}

// GetRide returns a ride to its rider or its assigned driver.
func (e *Engine) GetRide(ctx context.Context, rideID string, actor ridestate.Actor) (*models.Ride, error) {
	r, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return nil, storageErr(rideID, err)
	}
	if !canView(r, actor) {
		return nil, &models.Error{Kind: models.KindForbidden, RideID: rideID, Msg: "not a participant of this ride"}
	}
	return r, nil
}

func canView(r *models.Ride, a ridestate.Actor) bool {
	switch a.Role {
	case models.RoleRider:
		return a.ID != "" && a.ID == r.RiderID
	case models.RoleDriver:
		return a.ID != "" && a.ID == r.DriverID
	}
	return false
}

// RideHistory lists the actor's rides, newest first.
func (e *Engine) RideHistory(ctx context.Context, actor ridestate.Actor) ([]*models.Ride, error) {
	var (
		rides []*models.Ride
		err   error
	)
	switch actor.Role {
	case models.RoleRider:
		rides, err = e.rides.ListByRider(ctx, actor.ID)
	case models.RoleDriver:
		rides, err = e.rides.ListByDriver(ctx, actor.ID)
	default:
		return nil, &models.Error{Kind: models.KindForbidden, Msg: "unknown role"}
	}
	if err != nil {
		return nil, storageErr("", err)
	}
	return rides, nil
}

// Candidate is an open ride as seen from a driver's position.
type Candidate struct {
	Ride      *models.Ride `json:"ride"`
	DistanceM float64      `json:"distance_m"`
}

// ListAvailable returns open, immediate rides near the driver's registered
// position, nearest first. Index entries that no longer describe an open
// ride are dropped from the pool as they are found.
func (e *Engine) ListAvailable(ctx context.Context, driverID string) ([]Candidate, error) {
	d, ok, err := e.drivers.Get(ctx, driverID)
	if err != nil {
		return nil, indexErr("", err)
	}
	if !ok {
		return nil, &models.Error{Kind: models.KindNotFound, Field: "driver_id", Msg: "driver has no registered position"}
	}
	excluded := e.rejectedFor(driverID)
	hits, err := e.pickups.QueryNearest(ctx, geo.Query{
		Origin:  d.Position,
		RadiusM: e.cfg.DiscoveryRadiusM,
		Filter: func(p geo.Entity) bool {
			if _, no := excluded[p.ID]; no {
				return false
			}
			return e.cfg.CrossClassFallback || d.VehicleClass == "" || p.VehicleClass == d.VehicleClass
		},
	})
	if err != nil {
		return nil, indexErr("", err)
	}
	now := e.clock.Now()
	out := make([]Candidate, 0, e.cfg.AvailableLimit)
	for _, h := range hits {
		if len(out) == e.cfg.AvailableLimit {
			break
		}
		r, err := e.rides.Get(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			_ = e.pickups.Remove(ctx, h.ID)
			continue
		}
		if err != nil {
			return nil, storageErr(h.ID, err)
		}
		if !r.Open() {
			_ = e.pickups.Remove(ctx, h.ID)
			continue
		}
		if r.Scheduled(now) {
			continue
		}
		out = append(out, Candidate{Ride: r, DistanceM: h.DistanceM})
	}
	return out, nil
}

// ListScheduled returns open rides scheduled in the future, soonest first.
func (e *Engine) ListScheduled(ctx context.Context) ([]*models.Ride, error) {
	rides, err := e.rides.ListRequestedUnassigned(ctx, storage.RequestedFilter{
		Scope: storage.ScopeFuture,
		Now:   e.clock.Now(),
		Limit: e.cfg.ScheduledLimit,
	})
	if err != nil {
		return nil, storageErr("", err)
	}
	return rides, nil
}

// RejectRide records that a driver declined a ride. The ride itself does not
// change; the driver just stops being offered it.
func (e *Engine) RejectRide(ctx context.Context, rideID, driverID string) error {
	if driverID == "" {
		return &models.Error{Kind: models.KindForbidden, RideID: rideID, Msg: "only drivers can reject rides"}
	}
	r, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return storageErr(rideID, err)
	}
	if !r.Open() {
		return &models.Error{Kind: models.KindRideNoLongerAvailable, RideID: rideID, Msg: "ride is no longer available"}
	}
	e.mu.Lock()
	set, ok := e.rejected[rideID]
	if !ok {
		set = make(map[string]time.Time)
		e.rejected[rideID] = set
	}
	set[driverID] = e.clock.Now()
	e.mu.Unlock()
	e.log.Debug("ride rejected", "ride_id", rideID, "driver_id", driverID)
	return nil
}

func (e *Engine) activeRide(ctx context.Context, driverID string) (*models.Ride, error) {
	rides, err := e.rides.ListByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	for _, r := range rides {
		if !r.Status.Terminal() {
			return r, nil
		}
	}
	return nil, nil
}

// retire drops a ride that left the requested state from discovery.
func (e *Engine) retire(ctx context.Context, rideID string) {
	if err := e.pickups.Remove(ctx, rideID); err != nil {
		e.log.Warn("unindex pickup failed", "ride_id", rideID, "err", err)
	}
	e.mu.Lock()
	delete(e.rejected, rideID)
	delete(e.activated, rideID)
	e.mu.Unlock()
}

func (e *Engine) rejectedBy(rideID string) map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(e.rejected[rideID]))
	for d := range e.rejected[rideID] {
		out[d] = struct{}{}
	}
	return out
}

func (e *Engine) rejectedFor(driverID string) map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{})
	for rideID, set := range e.rejected {
		if _, ok := set[driverID]; ok {
			out[rideID] = struct{}{}
		}
	}
	return out
}

// PruneRejections forgets declines older than the rejection TTL, so rides
// that stay open are offered to those drivers again.
func (e *Engine) PruneRejections() int {
	cutoff := e.clock.Now().Add(-e.cfg.RejectionTTL)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for rideID, set := range e.rejected {
		for d, at := range set {
			if at.Before(cutoff) {
				delete(set, d)
				n++
			}
		}
		if len(set) == 0 {
			delete(e.rejected, rideID)
		}
	}
	return n
}

func (e *Engine) markActivated(rideID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.activated[rideID]; done {
		return false
	}
	e.activated[rideID] = struct{}{}
	return true
}

// notify runs one bounded delivery attempt. It is detached from the caller's
// cancellation so a client hanging up does not drop the event.
func (e *Engine) notify(ctx context.Context, rideID, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		observability.NotificationsFailed.Inc()
		e.log.Warn("notification failed", "ride_id", rideID, "what", what, "err", err)
	}
}

func (e *Engine) countTransition(ev ridestate.EventKind, kind models.ErrorKind) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	observability.RideTransitions.WithLabelValues(string(ev), result).Inc()
}

func storageErr(rideID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &models.Error{Kind: models.KindNotFound, RideID: rideID, Msg: "ride not found"}
	}
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	return &models.Error{Kind: models.KindStorageUnavailable, RideID: rideID, Msg: "ride store unavailable", Err: err}
}

// indexErr maps a spatial index failure onto the typed error callers see.
func indexErr(rideID string, err error) error {
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	return &models.Error{Kind: models.KindStorageUnavailable, RideID: rideID, Msg: "spatial index unavailable", Err: err}
}

func pickupEntity(r *models.Ride, now time.Time) geo.Entity {
	return geo.Entity{ID: r.ID, Position: r.Pickup.Point, VehicleClass: r.VehicleClass, Online: true, UpdatedAt: now}
}
