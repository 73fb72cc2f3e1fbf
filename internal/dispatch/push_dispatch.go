package dispatch

import (
	"context"
	"errors"

	"github.com/nehadangwal2003/RideX/internal/models"
)

// PushDispatcher tries the live WebSocket session first and falls back to
// the webhook backend for users who are not connected.
type PushDispatcher struct {
	WS      *WSRegistry
	Webhook *WebhookDispatcher
}

func NewPushDispatcher(ws *WSRegistry, webhook *WebhookDispatcher) *PushDispatcher {
	return &PushDispatcher{WS: ws, Webhook: webhook}
}

func (p *PushDispatcher) NotifyRideEvent(ctx context.Context, rideID string, t models.EventType, ride *models.Ride) error {
	ev := rideEvent(rideID, t, ride)
	offline := false
	var errs []error
	for _, uid := range participants(ride) {
		err := p.WS.Send(uid, ev)
		switch {
		case errors.Is(err, ErrNoSession):
			offline = true
		case err != nil:
			errs = append(errs, err)
		}
	}
	if offline && p.Webhook != nil {
		errs = append(errs, p.Webhook.post(ctx, ev))
	}
	return errors.Join(errs...)
}

func (p *PushDispatcher) NotifyDriverCandidates(ctx context.Context, ride *models.Ride, driverIDs []string) error {
	ev := offerEvent(ride, nil)
	var (
		offline []string
		errs    []error
	)
	for _, id := range driverIDs {
		err := p.WS.Send(id, ev)
		switch {
		case errors.Is(err, ErrNoSession):
			offline = append(offline, id)
		case err != nil:
			errs = append(errs, err)
		}
	}
	if len(offline) > 0 && p.Webhook != nil {
		errs = append(errs, p.Webhook.NotifyDriverCandidates(ctx, ride, offline))
	}
	return errors.Join(errs...)
}
