// Package eta prices trips. The dispatch core stores whatever quote it is
// given; this package is the collaborator that produces one.
package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nehadangwal2003/RideX/internal/geo"
	"github.com/nehadangwal2003/RideX/internal/models"
)

// average city speed used when no router answers
const fallbackSpeedKmh = 30.0

// pickupMinutes is added to every trip duration.
const pickupMinutes = 5.0

// Route is a road distance and driving duration between two points.
type Route struct {
	DistanceM float64
	DurationS float64
}

// Router is implemented by routing backends such as OSRM.
type Router interface {
	Route(ctx context.Context, from, to models.GeoPoint) (Route, error)
}

// Tariff is a base fare plus a per kilometre rate.
type Tariff struct {
	Base  float64
	PerKm float64
}

var DefaultTariffs = map[models.VehicleClass]Tariff{
	models.VehicleEconomy: {Base: 50, PerKm: 7},
	models.VehiclePremium: {Base: 80, PerKm: 10},
	models.VehicleSUV:     {Base: 100, PerKm: 12},
	models.VehicleXL:      {Base: 120, PerKm: 15},
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// Get returns the cached route and true if present and not expired.
func (c *Cache) Get(a, b models.GeoPoint) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.GeoPoint, v Route) {
	c.mu.Lock()
	c.store[keyFor(a, b)] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Estimator turns a pickup, dropoff and vehicle class into a FareQuote.
// Router and Cache are optional; without a router the straight line
// distance at city speed is used.
type Estimator struct {
	Router  Router
	Cache   *Cache
	Tariffs map[models.VehicleClass]Tariff
}

func (e *Estimator) Estimate(ctx context.Context, pickup, dropoff models.GeoPoint, class models.VehicleClass) (models.FareQuote, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return models.FareQuote{}, &models.Error{Kind: models.KindInvalidLocation, Field: "route", Msg: "coordinates out of range"}
	}
	r := e.route(ctx, pickup, dropoff)
	km := r.DistanceM / 1000
	return models.FareQuote{
		Fare:        Fare(e.tariff(class), km),
		DistanceKm:  math.Round(km*100) / 100,
		DurationMin: math.Round(r.DurationS/60) + pickupMinutes,
	}, nil
}

func (e *Estimator) route(ctx context.Context, from, to models.GeoPoint) Route {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Router != nil {
		if v, err := e.Router.Route(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return StraightLine(from, to)
}

func (e *Estimator) tariff(class models.VehicleClass) Tariff {
	tariffs := e.Tariffs
	if tariffs == nil {
		tariffs = DefaultTariffs
	}
	if t, ok := tariffs[class]; ok {
		return t
	}
	return tariffs[models.VehicleEconomy]
}

// Fare is base + km*rate, rounded to a whole unit.
func Fare(t Tariff, km float64) float64 {
	return math.Round(t.Base + km*t.PerKm)
}

// StraightLine is the haversine distance driven at fallbackSpeedKmh.
func StraightLine(from, to models.GeoPoint) Route {
	d := geo.Distance(from, to)
	return Route{DistanceM: d, DurationS: d / (fallbackSpeedKmh * 1000 / 3600)}
}
