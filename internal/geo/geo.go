package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nehadangwal2003/RideX/internal/models"
)

// EarthRadiusM is the spherical earth radius used for every distance in this package.
const EarthRadiusM = 6371000.0

// metres per degree of latitude on the sphere above
const metersPerDegree = EarthRadiusM * math.Pi / 180

// Entity is anything with a position that can be matched: an online driver
// or the pickup point of an open ride.
type Entity struct {
	ID           string              `json:"id"`
	Position     models.GeoPoint     `json:"position"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Online       bool                `json:"online"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Hit is a query result with its great-circle distance from the query origin.
type Hit struct {
	Entity
	DistanceM float64 `json:"distance_m"`
}

// Query selects entities within RadiusM of Origin that pass Filter, nearest
// first, at most Limit of them (Limit <= 0 means no limit).
type Query struct {
	Origin  models.GeoPoint
	RadiusM float64
	Limit   int
	Filter  func(Entity) bool
}

// Index is the contract every spatial index honours. Ranking is by haversine
// distance, ties broken by first insertion, so implementations are
// interchangeable for callers.
type Index interface {
	Upsert(ctx context.Context, e Entity) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Entity, bool, error)
	QueryNearest(ctx context.Context, q Query) ([]Hit, error)
}

type entry struct {
	e   Entity
	seq uint64
}

// MemoryIndex is a mutex-protected in-process Index. Upsert and Remove are
// O(1); queries scan with a latitude band prefilter.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64
}

func NewIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]*entry)}
}

func (g *MemoryIndex) Upsert(_ context.Context, e Entity) error {
	if e.ID == "" {
		return &models.Error{Kind: models.KindInvalidArgument, Field: "id", Msg: "entity id is required"}
	}
	if !e.Position.Valid() {
		return &models.Error{Kind: models.KindInvalidLocation, Field: "position", Msg: "coordinates out of range"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.entries[e.ID]; ok {
		cur.e = e
		return nil
	}
	g.nextSeq++
	g.entries[e.ID] = &entry{e: e, seq: g.nextSeq}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	delete(g.entries, id)
	g.mu.Unlock()
	return nil
}

func (g *MemoryIndex) Get(_ context.Context, id string) (Entity, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cur, ok := g.entries[id]
	if !ok {
		return Entity{}, false, nil
	}
	return cur.e, true, nil
}

func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *MemoryIndex) QueryNearest(_ context.Context, q Query) ([]Hit, error) {
	if !q.Origin.Valid() {
		return nil, &models.Error{Kind: models.KindInvalidLocation, Field: "origin", Msg: "coordinates out of range"}
	}
	if q.RadiusM < 0 {
		return nil, nil
	}
	band := q.RadiusM / metersPerDegree

	g.mu.RLock()
	ranked := make([]rankedHit, 0, 16)
	for _, cur := range g.entries {
		if math.Abs(cur.e.Position.Lat-q.Origin.Lat) > band {
			continue
		}
		if q.Filter != nil && !q.Filter(cur.e) {
			continue
		}
		d := Distance(q.Origin, cur.e.Position)
		if d > q.RadiusM {
			continue
		}
		ranked = append(ranked, rankedHit{Hit: Hit{Entity: cur.e, DistanceM: d}, seq: cur.seq})
	}
	g.mu.RUnlock()

	return finish(ranked, q.Limit), nil
}

type rankedHit struct {
	Hit
	seq uint64
}

// finish sorts by distance then insertion order and applies the limit.
func finish(ranked []rankedHit, limit int) []Hit {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].DistanceM != ranked[j].DistanceM {
			return ranked[i].DistanceM < ranked[j].DistanceM
		}
		return ranked[i].seq < ranked[j].seq
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Hit, len(ranked))
	for i, r := range ranked {
		out[i] = r.Hit
	}
	return out
}

// Distance is the haversine distance between two points in meters.
func Distance(a, b models.GeoPoint) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}
