package geo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/nehadangwal2003/RideX/internal/models"
)

func pt(lat, lng float64) models.GeoPoint { return models.GeoPoint{Lat: lat, Lng: lng} }

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Connaught Place to Delhi Junction-ish, roughly 14.5 km
	d := Distance(pt(28.6139, 77.2090), pt(28.7041, 77.1025))
	if d < 14000 || d > 15000 {
		t.Fatalf("unexpected distance %f", d)
	}
}

// indexContract is the behaviour every Index implementation must share.
var indexContract = []struct {
	name string
	run  func(*testing.T, Index)
}{
	{"radius and order", contractQueryNearestRadiusAndOrder},
	{"limit and filter", contractQueryNearestLimitAndFilter},
	{"ties by insertion order", contractTiesBrokenByInsertionOrder},
	{"idempotent upsert", contractUpsertIsIdempotent},
	{"upsert moves entity", contractUpsertMovesEntity},
	{"remove", contractRemove},
	{"invalid positions", contractRejectsInvalidPositions},
}

func TestMemoryIndexContract(t *testing.T) {
	for _, c := range indexContract {
		t.Run(c.name, func(t *testing.T) { c.run(t, NewIndex()) })
	}
}

func TestMemoryIndexUpsertKeepsOneEntry(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	e := Entity{ID: "d1", Position: pt(1, 1), Online: true}
	_ = idx.Upsert(ctx, e)
	_ = idx.Upsert(ctx, e)
	if idx.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", idx.Len())
	}
}

func contractQueryNearestRadiusAndOrder(t *testing.T, idx Index) {
	ctx := context.Background()
	origin := pt(28.6139, 77.2090)

	seed := []Entity{
		{ID: "far", Position: pt(28.9, 77.5), Online: true},
		{ID: "near", Position: pt(28.6150, 77.2100), Online: true},
		{ID: "mid", Position: pt(28.64, 77.23), Online: true},
		{ID: "same", Position: origin, Online: true},
	}
	for _, e := range seed {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}

	hits, err := idx.QueryNearest(ctx, Query{Origin: origin, RadiusM: 10000})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"same", "near", "mid"}
	if len(hits) != len(want) {
		t.Fatalf("expected %d hits, got %d", len(want), len(hits))
	}
	for i, h := range hits {
		if h.ID != want[i] {
			t.Fatalf("hit %d: expected %s got %s", i, want[i], h.ID)
		}
		if h.DistanceM > 10000 {
			t.Fatalf("hit %s outside radius: %f", h.ID, h.DistanceM)
		}
		if i > 0 && h.DistanceM < hits[i-1].DistanceM {
			t.Fatalf("results not sorted at %d", i)
		}
	}
}

func contractQueryNearestLimitAndFilter(t *testing.T, idx Index) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		class := models.VehicleEconomy
		if i%2 == 0 {
			class = models.VehicleSUV
		}
		_ = idx.Upsert(ctx, Entity{
			ID:           fmt.Sprintf("d%02d", i),
			Position:     pt(28.6+float64(i)*0.001, 77.2),
			VehicleClass: class,
			Online:       i != 3,
		})
	}

	hits, _ := idx.QueryNearest(ctx, Query{
		Origin:  pt(28.6, 77.2),
		RadiusM: 10000,
		Limit:   4,
		Filter:  func(e Entity) bool { return e.Online && e.VehicleClass == models.VehicleEconomy },
	})
	want := []string{"d01", "d05", "d07", "d09"}
	if len(hits) != len(want) {
		t.Fatalf("expected %d hits, got %d", len(want), len(hits))
	}
	for i := range want {
		if hits[i].ID != want[i] {
			t.Fatalf("hit %d: expected %s got %s", i, want[i], hits[i].ID)
		}
	}
}

func contractTiesBrokenByInsertionOrder(t *testing.T, idx Index) {
	ctx := context.Background()
	p := pt(10, 10)
	for _, id := range []string{"c", "a", "b"} {
		_ = idx.Upsert(ctx, Entity{ID: id, Position: p})
	}
	// re-upserting keeps the original slot
	_ = idx.Upsert(ctx, Entity{ID: "c", Position: p})

	hits, _ := idx.QueryNearest(ctx, Query{Origin: p, RadiusM: 1})
	got := ""
	for _, h := range hits {
		got += h.ID
	}
	if got != "cab" {
		t.Fatalf("expected insertion order cab, got %s", got)
	}
}

func contractUpsertIsIdempotent(t *testing.T, idx Index) {
	ctx := context.Background()
	e := Entity{ID: "d1", Position: pt(1, 1), Online: true}
	_ = idx.Upsert(ctx, e)
	_ = idx.Upsert(ctx, e)

	hits, _ := idx.QueryNearest(ctx, Query{Origin: pt(1, 1), RadiusM: 100})
	if len(hits) != 1 {
		t.Fatalf("expected entity once, got %d", len(hits))
	}
}

func contractUpsertMovesEntity(t *testing.T, idx Index) {
	ctx := context.Background()
	_ = idx.Upsert(ctx, Entity{ID: "d1", Position: pt(1, 1)})
	_ = idx.Upsert(ctx, Entity{ID: "d1", Position: pt(40, 40)})

	if hits, _ := idx.QueryNearest(ctx, Query{Origin: pt(1, 1), RadiusM: 1000}); len(hits) != 0 {
		t.Fatalf("stale position still indexed")
	}
	got, ok, _ := idx.Get(ctx, "d1")
	if !ok || got.Position != pt(40, 40) {
		t.Fatalf("unexpected entity %+v ok=%v", got, ok)
	}
}

func contractRemove(t *testing.T, idx Index) {
	ctx := context.Background()
	_ = idx.Upsert(ctx, Entity{ID: "d1", Position: pt(1, 1)})
	_ = idx.Remove(ctx, "d1")
	_ = idx.Remove(ctx, "missing")
	if _, ok, _ := idx.Get(ctx, "d1"); ok {
		t.Fatal("expected entity removed")
	}
}

func contractRejectsInvalidPositions(t *testing.T, idx Index) {
	ctx := context.Background()
	for _, p := range []models.GeoPoint{pt(91, 0), pt(0, -181), pt(math.NaN(), 0), pt(0, math.Inf(1))} {
		if err := idx.Upsert(ctx, Entity{ID: "x", Position: p}); err == nil {
			t.Fatalf("expected error for %+v", p)
		}
	}
	if _, err := idx.QueryNearest(ctx, Query{Origin: pt(100, 0), RadiusM: 10}); err == nil {
		t.Fatal("expected error for invalid origin")
	}
}

func TestConcurrentAccess(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("d%d-%d", w, i%10)
				_ = idx.Upsert(ctx, Entity{ID: id, Position: pt(float64(i%10)*0.001, 0)})
				_, _ = idx.QueryNearest(ctx, Query{Origin: pt(0, 0), RadiusM: 5000, Limit: 5})
				if i%7 == 0 {
					_ = idx.Remove(ctx, id)
				}
			}
		}(w)
	}
	wg.Wait()
	if idx.Len() > 80 {
		t.Fatalf("unexpected entry count %d", idx.Len())
	}
}

func BenchmarkQueryNearest(b *testing.B) {
	idx := NewIndex()
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		_ = idx.Upsert(ctx, Entity{ID: fmt.Sprintf("d%d", i), Position: pt(28+float64(i%100)*0.01, 77+float64(i/100)*0.01), Online: true})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.QueryNearest(ctx, Query{Origin: pt(28.5, 77.2), RadiusM: 10000, Limit: 10})
	}
}
