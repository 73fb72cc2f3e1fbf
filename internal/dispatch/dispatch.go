// Package dispatch fans ride events out to connected clients. Every sink is
// best effort from the engine's point of view: a failed delivery is logged
// and counted by the caller, never turned into a failed ride operation.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nehadangwal2003/RideX/internal/models"
)

// Sink receives ride lifecycle events and driver discovery offers.
type Sink interface {
	NotifyRideEvent(ctx context.Context, rideID string, eventType models.EventType, ride *models.Ride) error
	NotifyDriverCandidates(ctx context.Context, ride *models.Ride, driverIDs []string) error
}

// Event is the payload every sink puts on the wire.
type Event struct {
	Type      models.EventType `json:"type"`
	RideID    string           `json:"ride_id"`
	Ride      *models.Ride     `json:"ride,omitempty"`
	DriverIDs []string         `json:"driver_ids,omitempty"`
	At        time.Time        `json:"at"`
}

func rideEvent(rideID string, t models.EventType, ride *models.Ride) Event {
	return Event{Type: t, RideID: rideID, Ride: ride, At: time.Now().UTC()}
}

func offerEvent(ride *models.Ride, driverIDs []string) Event {
	return Event{Type: models.EventRideOffer, RideID: ride.ID, Ride: ride, DriverIDs: driverIDs, At: time.Now().UTC()}
}

// Nop drops everything.
type Nop struct{}

func (Nop) NotifyRideEvent(context.Context, string, models.EventType, *models.Ride) error { return nil }
func (Nop) NotifyDriverCandidates(context.Context, *models.Ride, []string) error          { return nil }

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) NotifyRideEvent(ctx context.Context, rideID string, t models.EventType, ride *models.Ride) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyRideEvent(ctx, rideID, t, ride); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyDriverCandidates(ctx context.Context, ride *models.Ride, driverIDs []string) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyDriverCandidates(ctx, ride, driverIDs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookDispatcher posts events as JSON to a notification backend, for
// example a mobile push gateway. Key, when set, is sent as a bearer token.
type WebhookDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint, key string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *WebhookDispatcher) NotifyRideEvent(ctx context.Context, rideID string, t models.EventType, ride *models.Ride) error {
	return d.post(ctx, rideEvent(rideID, t, ride))
}

func (d *WebhookDispatcher) NotifyDriverCandidates(ctx context.Context, ride *models.Ride, driverIDs []string) error {
	if len(driverIDs) == 0 {
		return nil
	}
	return d.post(ctx, offerEvent(ride, driverIDs))
}

func (d *WebhookDispatcher) post(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Key != "" {
		req.Header.Set("Authorization", "Bearer "+d.Key)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", ev.Type, resp.StatusCode)
	}
	return nil
}
