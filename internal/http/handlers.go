package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nehadangwal2003/RideX/internal/dispatch"
	"github.com/nehadangwal2003/RideX/internal/matcher"
	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/nehadangwal2003/RideX/internal/ridestate"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// FareEstimator quotes a trip when the client does not send one.
type FareEstimator interface {
	Estimate(ctx context.Context, pickup, dropoff models.GeoPoint, class models.VehicleClass) (models.FareQuote, error)
}

// HeartbeatPublisher hands driver locations to the ingest pipeline instead
// of writing the driver index inline.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, hb models.DriverHeartbeat) error
}

type Options struct {
	Engine    *matcher.Engine
	Estimator FareEstimator
	WS        *dispatch.WSRegistry
	Ingest    HeartbeatPublisher
	Ready     func(context.Context) error
	Logger    *slog.Logger
}

type Server struct {
	engine    *matcher.Engine
	estimator FareEstimator
	ws        *dispatch.WSRegistry
	ingest    HeartbeatPublisher
	ready     func(context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Server{
		engine:    o.Engine,
		estimator: o.Estimator,
		ws:        o.WS,
		ingest:    o.Ingest,
		ready:     o.Ready,
		logger:    o.Logger.With("component", "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/rides/available", s.handleAvailable).Methods(http.MethodGet)
	api.HandleFunc("/rides/scheduled", s.handleScheduled).Methods(http.MethodGet)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/reject", s.handleReject).Methods(http.MethodPatch)

	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/status", s.handleDriverStatus).Methods(http.MethodPatch)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	Pickup       models.Place        `json:"pickup"`
	Dropoff      models.Place        `json:"dropoff"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Fare         *float64            `json:"fare,omitempty"`
	DistanceKm   float64             `json:"distance_km"`
	DurationMin  float64             `json:"duration_min"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleRider)
	if !ok {
		return
	}
	var body rideRequestBody
	if !decode(w, r, &body) {
		return
	}
	req := matcher.RideRequest{
		RiderID:      actor.ID,
		Pickup:       body.Pickup,
		Dropoff:      body.Dropoff,
		VehicleClass: body.VehicleClass,
		ScheduledAt:  body.ScheduledAt,
	}
	if body.Fare != nil {
		req.Quote = models.FareQuote{Fare: *body.Fare, DistanceKm: body.DistanceKm, DurationMin: body.DurationMin}
	} else if s.estimator != nil {
		q, err := s.estimator.Estimate(r.Context(), body.Pickup.Point, body.Dropoff.Point, body.VehicleClass)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.Quote = q
	}
	ride, err := s.engine.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if s.estimator == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "unavailable", Message: "fare estimation is not configured"})
		return
	}
	var body rideRequestBody
	if !decode(w, r, &body) {
		return
	}
	q, err := s.estimator.Estimate(r.Context(), body.Pickup.Point, body.Dropoff.Point, body.VehicleClass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	out, err := s.engine.ListAvailable(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, models.RoleDriver); !ok {
		return
	}
	out, err := s.engine.ListScheduled(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	out, err := s.engine.RideHistory(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	ride, err := s.engine.GetRide(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.engine.AcceptRide)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.engine.StartRide)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.engine.CompleteRide)
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*models.Ride, error)) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := fn(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	ride, err := s.engine.CancelRide(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	if err := s.engine.RejectRide(r.Context(), mux.Vars(r)["id"], actor.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationBody struct {
	Lat          float64             `json:"lat"`
	Lng          float64             `json:"lng"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body locationBody
	if !decode(w, r, &body) {
		return
	}
	pos := models.GeoPoint{Lat: body.Lat, Lng: body.Lng}
	if s.ingest != nil {
		hb := models.DriverHeartbeat{DriverID: actor.ID, Position: pos, VehicleClass: body.VehicleClass, Online: true}
		if err := s.ingest.PublishHeartbeat(r.Context(), hb); err != nil {
			if models.KindOf(err) == "" {
				err = &models.Error{Kind: models.KindStorageUnavailable, Msg: "location ingest unavailable", Err: err}
			}
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, hb)
		return
	}
	av, err := s.engine.UpdateDriverLocation(r.Context(), actor.ID, pos, body.VehicleClass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Online == nil {
		s.writeError(w, r, &models.Error{Kind: models.KindInvalidArgument, Field: "online", Msg: "online is required"})
		return
	}
	av, err := s.engine.SetDriverOnline(r.Context(), actor.ID, *body.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, &models.Error{Kind: models.KindInvalidLocation, Field: "origin", Msg: "lat and lng query parameters are required"})
		return
	}
	out, err := s.engine.NearbyDrivers(r.Context(), models.GeoPoint{Lat: lat, Lng: lng}, models.VehicleClass(q.Get("vehicle_class")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("health check failed", "err", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a client session open for pushes. Inbound frames are read
// only to notice the disconnect; a driver whose last session drops goes
// offline. The caller must be the user named in the path.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, role := actor.ID, actor.Role
	if mux.Vars(r)["user_id"] != id {
		s.writeError(w, r, &models.Error{Kind: models.KindForbidden, Msg: "cannot open a session for another user"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "err", err)
		return
	}
	remove := s.ws.Add(id, conn)
	s.logger.Info("websocket connected", "user_id", id, "role", role)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		remove()
		_ = conn.Close()
		if role == models.RoleDriver && !s.ws.Connected(id) {
			s.engine.DriverDisconnected(context.WithoutCancel(r.Context()), id)
		}
		s.logger.Info("websocket disconnected", "user_id", id)
	}()
}

func (s *Server) actor(w http.ResponseWriter, r *http.Request) (ridestate.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole))))
	if id == "" || (role != models.RoleRider && role != models.RoleDriver) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing or invalid identity headers"})
		return ridestate.Actor{}, false
	}
	return ridestate.Actor{ID: id, Role: role}, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (ridestate.Actor, bool) {
	a, ok := s.actor(w, r)
	if !ok {
		return a, false
	}
	if a.Role != role {
		s.writeError(w, r, &models.Error{Kind: models.KindForbidden, Msg: "only " + string(role) + "s can do this"})
		return a, false
	}
	return a, true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidLocation, models.KindInvalidArgument:
		return http.StatusBadRequest
	case models.KindInvalidState, models.KindAlreadyAssigned, models.KindRideNoLongerAvailable,
		models.KindDriverBusy, models.KindConditionMismatch:
		return http.StatusConflict
	case models.KindForbidden, models.KindNotAssignedDriver:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var me *models.Error
	if !errors.As(err, &me) {
		s.logger.Error("unhandled error", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
		return
	}
	status := statusFor(me.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	msg := me.Msg
	if msg == "" {
		msg = string(me.Kind)
	}
	writeJSON(w, status, errorBody{Error: string(me.Kind), Message: msg, Field: me.Field})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(models.KindInvalidArgument), Message: "malformed JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
