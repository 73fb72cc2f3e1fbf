package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nehadangwal2003/RideX/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const rideColumns = `id, rider_id, driver_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_class, fare, distance_km, duration_min, status,
	scheduled_at, created_at, accepted_at, started_at, completed_at, cancelled_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations in file name order. Each file is
// written to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		id, r.RiderID, nullString(r.DriverID),
		r.Pickup.Point.Lat, r.Pickup.Point.Lng, r.Pickup.Address,
		r.Dropoff.Point.Lat, r.Dropoff.Point.Lng, r.Dropoff.Address,
		string(r.VehicleClass), r.Fare, r.DistanceKm, r.DurationMin, string(r.Status),
		r.ScheduledAt, r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert ride: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

// ConditionalUpdate is a single UPDATE guarded on (status, driver_id), so two
// racing writers can never both observe success.
func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expected Expectation, next *models.Ride) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
			status = $1, driver_id = $2, accepted_at = $3, started_at = $4,
			completed_at = $5, cancelled_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9 AND driver_id IS NOT DISTINCT FROM $10::text
		RETURNING `+rideColumns,
		string(next.Status), nullString(next.DriverID), next.AcceptedAt, next.StartedAt,
		next.CompletedAt, next.CancelledAt, next.UpdatedAt,
		id, string(expected.Status), nullString(expected.DriverID))
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conditional update ride %s: %w", id, err)
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check ride %s: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConditionMismatch
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 ORDER BY created_at DESC, id`, riderID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id = $1 ORDER BY created_at DESC, id`, driverID)
}

func (p *PostgresStore) ListRequestedUnassigned(ctx context.Context, f RequestedFilter) ([]*models.Ride, error) {
	var (
		where = []string{"status = 'requested'", "driver_id IS NULL"}
		args  []any
		order = "created_at, id"
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	switch f.Scope {
	case ScopeDue:
		where = append(where, "(scheduled_at IS NULL OR scheduled_at <= "+arg(f.Now)+")")
	case ScopeFuture:
		where = append(where, "scheduled_at > "+arg(f.Now))
		order = "scheduled_at, created_at, id"
	}
	if f.VehicleClass != "" {
		where = append(where, "vehicle_class = "+arg(string(f.VehicleClass)))
	}
	q := `SELECT ` + rideColumns + ` FROM rides WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ` + order
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                                  models.Ride
		driver                                             sql.NullString
		class, status                                      string
		scheduled, accepted, started, completed, cancelled sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driver,
		&r.Pickup.Point.Lat, &r.Pickup.Point.Lng, &r.Pickup.Address,
		&r.Dropoff.Point.Lat, &r.Dropoff.Point.Lng, &r.Dropoff.Address,
		&class, &r.Fare, &r.DistanceKm, &r.DurationMin, &status,
		&scheduled, &r.CreatedAt, &accepted, &started, &completed, &cancelled, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driver.String
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.RideStatus(status)
	r.ScheduledAt = timePtr(scheduled)
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
