package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands, with a metadata hash
// per entity holding match attributes and its insertion sequence.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) metaKey(id string) string { return r.key + ":meta:" + id }
func (r *RedisIndex) seqKey() string           { return r.key + ":seq" }

func (r *RedisIndex) Upsert(ctx context.Context, e Entity) error {
	if e.ID == "" {
		return &models.Error{Kind: models.KindInvalidArgument, Field: "id", Msg: "entity id is required"}
	}
	if !e.Position.Valid() {
		return &models.Error{Kind: models.KindInvalidLocation, Field: "position", Msg: "coordinates out of range"}
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis geo seq: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: e.ID, Longitude: e.Position.Lng, Latitude: e.Position.Lat})
		p.HSetNX(ctx, r.metaKey(e.ID), "seq", seq)
		p.HSet(ctx, r.metaKey(e.ID), map[string]interface{}{
			"class":   string(e.VehicleClass),
			"online":  strconv.FormatBool(e.Online),
			"lat":     strconv.FormatFloat(e.Position.Lat, 'f', -1, 64),
			"lng":     strconv.FormatFloat(e.Position.Lng, 'f', -1, 64),
			"updated": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", e.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, id)
		p.Del(ctx, r.metaKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo remove %s: %w", id, err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, id string) (Entity, bool, error) {
	m, err := r.client.HGetAll(ctx, r.metaKey(id)).Result()
	if err != nil {
		return Entity{}, false, fmt.Errorf("redis geo get %s: %w", id, err)
	}
	if len(m) == 0 {
		return Entity{}, false, nil
	}
	e, _, _ := decodeMeta(id, m)
	return e, true, nil
}

func (r *RedisIndex) QueryNearest(ctx context.Context, q Query) ([]Hit, error) {
	if !q.Origin.Valid() {
		return nil, &models.Error{Kind: models.KindInvalidLocation, Field: "origin", Msg: "coordinates out of range"}
	}
	if q.RadiusM < 0 {
		return nil, nil
	}
	// Redis uses a slightly different earth radius, so search a little wider
	// and re-rank locally with haversine.
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Origin.Lng,
			Latitude:   q.Origin.Lat,
			Radius:     q.RadiusM*1.001 + 1,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(locs))
	for i, l := range locs {
		metas[i] = pipe.HGetAll(ctx, r.metaKey(l.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis geo meta: %w", err)
	}

	ranked := make([]rankedHit, 0, len(locs))
	for i, l := range locs {
		e, seq := searchEntity(l, metas[i].Val())
		if q.Filter != nil && !q.Filter(e) {
			continue
		}
		d := Distance(q.Origin, e.Position)
		if d > q.RadiusM {
			continue
		}
		ranked = append(ranked, rankedHit{Hit: Hit{Entity: e, DistanceM: d}, seq: seq})
	}
	return finish(ranked, q.Limit), nil
}

// searchEntity builds a hit from a GEOSEARCH row. The metadata hash holds the
// exact position; the GEO coordinates are geohash-quantized and only used
// when the hash is gone.
func searchEntity(l redis.GeoLocation, m map[string]string) (Entity, uint64) {
	e, seq, exact := decodeMeta(l.Name, m)
	if !exact {
		e.Position = models.GeoPoint{Lat: l.Latitude, Lng: l.Longitude}
	}
	return e, seq
}

func decodeMeta(id string, m map[string]string) (Entity, uint64, bool) {
	e := Entity{ID: id, VehicleClass: models.VehicleClass(m["class"]), Online: m["online"] == "true"}
	lat, latErr := strconv.ParseFloat(m["lat"], 64)
	lng, lngErr := strconv.ParseFloat(m["lng"], 64)
	exact := latErr == nil && lngErr == nil
	if exact {
		e.Position = models.GeoPoint{Lat: lat, Lng: lng}
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		e.UpdatedAt = t
	}
	seq, _ := strconv.ParseUint(m["seq"], 10, 64)
	return e, seq, exact
}
