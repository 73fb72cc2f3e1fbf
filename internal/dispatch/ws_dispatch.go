package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nehadangwal2003/RideX/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// wsConn is the part of *websocket.Conn a session writes through.
type wsConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one connected client. Writes are serialised because
// gorilla/websocket allows a single concurrent writer.
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the live session of each user, rider or driver alike.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log.With("component", "ws")}
}

// Add registers conn for userID, replacing and closing any previous session.
// The returned func removes the session if it is still the current one.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) func() {
	return r.add(userID, conn)
}

func (r *WSRegistry) add(userID string, conn wsConn) func() {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	return func() {
		r.mu.Lock()
		if r.sessions[userID] == s {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Send(userID string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.log.Warn("ws send failed", "user_id", userID, "err", err)
		return err
	}
	return nil
}

// WSSink delivers ride events to the rider and the assigned driver, and
// offers to every candidate driver that is connected. Users without a
// session are skipped.
type WSSink struct {
	Registry *WSRegistry
}

func (s WSSink) NotifyRideEvent(_ context.Context, rideID string, t models.EventType, ride *models.Ride) error {
	ev := rideEvent(rideID, t, ride)
	var errs []error
	for _, uid := range participants(ride) {
		if err := s.Registry.Send(uid, ev); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s WSSink) NotifyDriverCandidates(_ context.Context, ride *models.Ride, driverIDs []string) error {
	ev := offerEvent(ride, nil)
	var errs []error
	for _, id := range driverIDs {
		if err := s.Registry.Send(id, ev); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func participants(ride *models.Ride) []string {
	if ride == nil {
		return nil
	}
	out := make([]string, 0, 2)
	if ride.RiderID != "" {
		out = append(out, ride.RiderID)
	}
	if ride.DriverID != "" && ride.DriverID != ride.RiderID {
		out = append(out, ride.DriverID)
	}
	return out
}
