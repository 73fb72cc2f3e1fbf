package matcher

import (
	"context"

	"github.com/nehadangwal2003/RideX/internal/geo"
	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/nehadangwal2003/RideX/internal/observability"
)

// UpdateDriverLocation records a driver's position and marks them online.
func (e *Engine) UpdateDriverLocation(ctx context.Context, driverID string, pos models.GeoPoint, class models.VehicleClass) (models.DriverAvailability, error) {
	if driverID == "" {
		return models.DriverAvailability{}, &models.Error{Kind: models.KindInvalidArgument, Field: "driver_id", Msg: "driver id is required"}
	}
	if !pos.Valid() {
		return models.DriverAvailability{}, &models.Error{Kind: models.KindInvalidLocation, Field: "position", Msg: "coordinates out of range"}
	}
	if class != "" && !class.Valid() {
		return models.DriverAvailability{}, &models.Error{Kind: models.KindInvalidArgument, Field: "vehicle_class", Msg: "unknown vehicle class " + string(class)}
	}
	e.driverMu.Lock()
	defer e.driverMu.Unlock()
	prev, known, err := e.drivers.Get(ctx, driverID)
	if err != nil {
		return models.DriverAvailability{}, indexErr("", err)
	}
	if class == "" {
		class = prev.VehicleClass
	}
	ent := geo.Entity{ID: driverID, Position: pos, VehicleClass: class, Online: true, UpdatedAt: e.clock.Now()}
	if err := e.drivers.Upsert(ctx, ent); err != nil {
		return models.DriverAvailability{}, indexErr("", err)
	}
	if !known || !prev.Online {
		observability.DriversOnline.Inc()
	}
	return availability(ent), nil
}

// SetDriverOnline toggles whether a driver is in the matching pool. The last
// known position is kept so a driver can come back online without moving.
func (e *Engine) SetDriverOnline(ctx context.Context, driverID string, online bool) (models.DriverAvailability, error) {
	e.driverMu.Lock()
	defer e.driverMu.Unlock()
	prev, known, err := e.drivers.Get(ctx, driverID)
	if err != nil {
		return models.DriverAvailability{}, indexErr("", err)
	}
	if !known {
		if online {
			return models.DriverAvailability{}, &models.Error{Kind: models.KindInvalidArgument, Field: "position", Msg: "report a location before going online"}
		}
		return models.DriverAvailability{DriverID: driverID}, nil
	}
	if prev.Online == online {
		return availability(prev), nil
	}
	next := prev
	next.Online = online
	next.UpdatedAt = e.clock.Now()
	if err := e.drivers.Upsert(ctx, next); err != nil {
		return models.DriverAvailability{}, indexErr("", err)
	}
	if online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	e.log.Debug("driver availability", "driver_id", driverID, "online", online)
	return availability(next), nil
}

// DriverDisconnected takes a driver out of the pool when their session drops.
func (e *Engine) DriverDisconnected(ctx context.Context, driverID string) {
	if _, err := e.SetDriverOnline(ctx, driverID, false); err != nil {
		e.log.Warn("mark driver offline failed", "driver_id", driverID, "err", err)
	}
}

// ApplyHeartbeat folds a driver heartbeat into the driver index.
func (e *Engine) ApplyHeartbeat(ctx context.Context, hb models.DriverHeartbeat) error {
	if !hb.Online {
		_, err := e.SetDriverOnline(ctx, hb.DriverID, false)
		return err
	}
	_, err := e.UpdateDriverLocation(ctx, hb.DriverID, hb.Position, hb.VehicleClass)
	return err
}

// NearbyDrivers lists online drivers around origin, optionally of one class.
func (e *Engine) NearbyDrivers(ctx context.Context, origin models.GeoPoint, class models.VehicleClass) ([]models.DriverAvailability, error) {
	hits, err := e.drivers.QueryNearest(ctx, geo.Query{
		Origin:  origin,
		RadiusM: e.cfg.DiscoveryRadiusM,
		Limit:   e.cfg.DiscoveryLimit,
		Filter: func(d geo.Entity) bool {
			return d.Online && (class == "" || d.VehicleClass == class)
		},
	})
	if err != nil {
		return nil, indexErr("", err)
	}
	out := make([]models.DriverAvailability, len(hits))
	for i, h := range hits {
		out[i] = availability(h.Entity)
	}
	return out, nil
}

func availability(e geo.Entity) models.DriverAvailability {
	return models.DriverAvailability{
		DriverID:     e.ID,
		Position:     e.Position,
		VehicleClass: e.VehicleClass,
		Online:       e.Online,
		LastUpdated:  e.UpdatedAt,
	}
}
