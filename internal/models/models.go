package models

import (
	"math"
	"time"
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both coordinates are finite and in range.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Place is a point with a human readable address.
type Place struct {
	Point   GeoPoint `json:"point"`
	Address string   `json:"address"`
}

type VehicleClass string

const (
	VehicleEconomy VehicleClass = "economy"
	VehiclePremium VehicleClass = "premium"
	VehicleSUV     VehicleClass = "suv"
	VehicleXL      VehicleClass = "xl"
	VehicleAuto    VehicleClass = "auto"
	VehicleBike    VehicleClass = "bike"
)

var vehicleClasses = []VehicleClass{VehicleEconomy, VehiclePremium, VehicleSUV, VehicleXL, VehicleAuto, VehicleBike}

func (c VehicleClass) Valid() bool {
	for _, v := range vehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in-progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role identifies on whose behalf an operation is performed.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Ride is a single transport request tracked through its lifecycle.
// DriverID is empty until a driver is assigned.
type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty"`
	Pickup       Place        `json:"pickup"`
	Dropoff      Place        `json:"dropoff"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Fare         float64      `json:"fare"`
	DistanceKm   float64      `json:"distance_km"`
	DurationMin  float64      `json:"duration_min"`
	Status       RideStatus   `json:"status"`
	ScheduledAt  *time.Time   `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	AcceptedAt   *time.Time   `json:"accepted_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Scheduled reports whether the ride is still waiting for its scheduled time.
func (r *Ride) Scheduled(now time.Time) bool {
	return r.ScheduledAt != nil && r.ScheduledAt.After(now)
}

// Open reports whether the ride can still be accepted.
func (r *Ride) Open() bool {
	return r.Status == StatusRequested && r.DriverID == ""
}

// Clone returns a deep copy so callers never share timestamp pointers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.ScheduledAt = cloneTime(r.ScheduledAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DriverAvailability is a driver's last reported position and online state.
type DriverAvailability struct {
	DriverID     string       `json:"driver_id"`
	Position     GeoPoint     `json:"position"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
	LastUpdated  time.Time    `json:"last_updated"`
}

// DriverHeartbeat is the message drivers publish with their location.
type DriverHeartbeat struct {
	DriverID     string       `json:"driver_id"`
	Position     GeoPoint     `json:"position"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
}

// FareQuote is the externally computed price for a trip.
type FareQuote struct {
	Fare        float64 `json:"fare"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

type EventType string

const (
	EventRideRequested EventType = "ride:requested"
	EventRideAccepted  EventType = "ride:accepted"
	EventRideUpdate    EventType = "ride:update"
	EventRideOffer     EventType = "ride:offer"
)
