// Package ridestate enforces the ride lifecycle:
//
//	requested -> accepted -> in-progress -> completed
//	requested | accepted | in-progress -> cancelled
//
// Transitions are pure: they take a ride snapshot and return a new one
// without touching the input.
package ridestate

import (
	"fmt"
	"time"

	"github.com/nehadangwal2003/RideX/internal/models"
)

type EventKind string

const (
	EventAccept   EventKind = "accept"
	EventStart    EventKind = "start"
	EventComplete EventKind = "complete"
	EventCancel   EventKind = "cancel"
)

// Actor is the caller on whose behalf an event is applied.
type Actor struct {
	ID   string
	Role models.Role
}

func Rider(id string) Actor  { return Actor{ID: id, Role: models.RoleRider} }
func Driver(id string) Actor { return Actor{ID: id, Role: models.RoleDriver} }

// Machine applies lifecycle events using the supplied clock for timestamps.
type Machine struct {
	clock Clock
}

func New(clock Clock) *Machine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Machine{clock: clock}
}

// Transition validates ev against the ride's current state and the actor's
// rights and returns the resulting snapshot.
func (m *Machine) Transition(ride *models.Ride, ev EventKind, actor Actor) (*models.Ride, error) {
	if ride == nil {
		return nil, &models.Error{Kind: models.KindNotFound, Msg: "ride is nil"}
	}
	switch ev {
	case EventAccept:
		return m.accept(ride, actor)
	case EventStart:
		return m.advance(ride, actor, models.StatusAccepted, models.StatusInProgress)
	case EventComplete:
		return m.advance(ride, actor, models.StatusInProgress, models.StatusCompleted)
	case EventCancel:
		return m.cancel(ride, actor)
	default:
		return nil, &models.Error{Kind: models.KindInvalidArgument, RideID: ride.ID, Field: "event", Msg: fmt.Sprintf("unknown event %q", ev)}
	}
}

func (m *Machine) accept(ride *models.Ride, actor Actor) (*models.Ride, error) {
	if actor.Role != models.RoleDriver || actor.ID == "" {
		return nil, &models.Error{Kind: models.KindForbidden, RideID: ride.ID, Msg: "only drivers can accept rides"}
	}
	if ride.DriverID != "" {
		return nil, &models.Error{Kind: models.KindAlreadyAssigned, RideID: ride.ID, Msg: "ride already has a driver"}
	}
	if ride.Status != models.StatusRequested {
		return nil, invalidState(ride, EventAccept)
	}
	next := ride.Clone()
	now := m.stamp(ride)
	next.DriverID = actor.ID
	next.Status = models.StatusAccepted
	next.AcceptedAt = &now
	next.UpdatedAt = now
	return next, nil
}

func (m *Machine) advance(ride *models.Ride, actor Actor, from, to models.RideStatus) (*models.Ride, error) {
	ev := EventStart
	if to == models.StatusCompleted {
		ev = EventComplete
	}
	if ride.Status != from {
		return nil, invalidState(ride, ev)
	}
	if actor.Role != models.RoleDriver || actor.ID == "" || actor.ID != ride.DriverID {
		return nil, &models.Error{Kind: models.KindNotAssignedDriver, RideID: ride.ID, Msg: "actor is not the assigned driver"}
	}
	next := ride.Clone()
	now := m.stamp(ride)
	next.Status = to
	if to == models.StatusInProgress {
		next.StartedAt = &now
	} else {
		next.CompletedAt = &now
	}
	next.UpdatedAt = now
	return next, nil
}

func (m *Machine) cancel(ride *models.Ride, actor Actor) (*models.Ride, error) {
	switch actor.Role {
	case models.RoleRider:
		if actor.ID == "" || actor.ID != ride.RiderID {
			return nil, &models.Error{Kind: models.KindForbidden, RideID: ride.ID, Msg: "rider did not create this ride"}
		}
	case models.RoleDriver:
		if ride.DriverID == "" || actor.ID != ride.DriverID {
			return nil, &models.Error{Kind: models.KindForbidden, RideID: ride.ID, Msg: "driver is not assigned to this ride"}
		}
	default:
		return nil, &models.Error{Kind: models.KindForbidden, RideID: ride.ID, Msg: "unknown role"}
	}
	if ride.Status.Terminal() {
		return nil, invalidState(ride, EventCancel)
	}
	next := ride.Clone()
	now := m.stamp(ride)
	next.Status = models.StatusCancelled
	next.CancelledAt = &now
	next.UpdatedAt = now
	return next, nil
}

// stamp returns the clock's time, never earlier than any lifecycle
// timestamp already on the ride.
func (m *Machine) stamp(ride *models.Ride) time.Time {
	now := m.clock.Now()
	latest := ride.CreatedAt
	for _, t := range []*time.Time{ride.AcceptedAt, ride.StartedAt, ride.CompletedAt, ride.CancelledAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	if now.Before(latest) {
		return latest
	}
	return now
}

func invalidState(ride *models.Ride, ev EventKind) error {
	return &models.Error{
		Kind:   models.KindInvalidState,
		RideID: ride.ID,
		Field:  "status",
		Msg:    fmt.Sprintf("cannot %s a ride that is %s", ev, ride.Status),
	}
}

// Allowed reports whether the lifecycle graph has an edge from -> to.
func Allowed(from, to models.RideStatus) bool {
	switch from {
	case models.StatusRequested:
		return to == models.StatusAccepted || to == models.StatusCancelled
	case models.StatusAccepted:
		return to == models.StatusInProgress || to == models.StatusCancelled
	case models.StatusInProgress:
		return to == models.StatusCompleted || to == models.StatusCancelled
	}
	return false
}
