package matcher

import (
	"context"
	"time"

	"github.com/nehadangwal2003/RideX/internal/storage"
)

// ActivateDueRides offers scheduled rides whose time has come. Each ride is
// activated once per process.
func (e *Engine) ActivateDueRides(ctx context.Context) (int, error) {
	due, err := e.rides.ListRequestedUnassigned(ctx, storage.RequestedFilter{Scope: storage.ScopeDue, Now: e.clock.Now()})
	if err != nil {
		return 0, storageErr("", err)
	}
	n := 0
	for _, r := range due {
		if r.ScheduledAt == nil || !e.markActivated(r.ID) {
			continue
		}
		e.log.Info("scheduled ride due", "ride_id", r.ID, "scheduled_at", r.ScheduledAt)
		e.publish(ctx, r)
		n++
	}
	return n, nil
}

// Restore rebuilds the pickup pool from the repository after a restart.
// Rides restored here are not offered again.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	open, err := e.rides.ListRequestedUnassigned(ctx, storage.RequestedFilter{Scope: storage.ScopeDue, Now: e.clock.Now()})
	if err != nil {
		return 0, storageErr("", err)
	}
	now := e.clock.Now()
	for _, r := range open {
		if err := e.pickups.Upsert(ctx, pickupEntity(r, now)); err != nil {
			return 0, indexErr(r.ID, err)
		}
		if r.ScheduledAt != nil {
			e.markActivated(r.ID)
		}
	}
	e.log.Info("pickup pool restored", "rides", len(open))
	return len(open), nil
}

// RunScheduler calls ActivateDueRides every interval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := e.ActivateDueRides(ctx); err != nil {
				e.log.Error("activate scheduled rides failed", "err", err)
			} else if n > 0 {
				e.log.Info("scheduled rides activated", "count", n)
			}
			if n := e.PruneRejections(); n > 0 {
				e.log.Debug("expired ride rejections", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
