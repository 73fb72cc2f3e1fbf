package models

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindInvalidLocation       ErrorKind = "invalid_location"
	KindInvalidArgument       ErrorKind = "invalid_argument"
	KindInvalidState          ErrorKind = "invalid_state"
	KindAlreadyAssigned       ErrorKind = "already_assigned"
	KindRideNoLongerAvailable ErrorKind = "ride_no_longer_available"
	KindNotAssignedDriver     ErrorKind = "not_assigned_driver"
	KindForbidden             ErrorKind = "forbidden"
	KindNotFound              ErrorKind = "not_found"
	KindDriverBusy            ErrorKind = "driver_busy"
	KindStorageUnavailable    ErrorKind = "storage_unavailable"
	KindConditionMismatch     ErrorKind = "condition_mismatch"
)

// Error is the single error type surfaced by the dispatch core. It carries
// enough structure for a transport layer to pick a status code and message.
type Error struct {
	Kind   ErrorKind
	RideID string
	Field  string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.RideID != "" {
		fmt.Fprintf(&b, " ride=%s", e.RideID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidLocation       = &Error{Kind: KindInvalidLocation}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrAlreadyAssigned       = &Error{Kind: KindAlreadyAssigned}
	ErrRideNoLongerAvailable = &Error{Kind: KindRideNoLongerAvailable}
	ErrNotAssignedDriver     = &Error{Kind: KindNotAssignedDriver}
	ErrForbidden             = &Error{Kind: KindForbidden}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrDriverBusy            = &Error{Kind: KindDriverBusy}
	ErrStorageUnavailable    = &Error{Kind: KindStorageUnavailable}
	ErrConditionMismatch     = &Error{Kind: KindConditionMismatch}
)

func NewError(kind ErrorKind, rideID, msg string) *Error {
	return &Error{Kind: kind, RideID: rideID, Msg: msg}
}

// KindOf returns the kind of a core error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
