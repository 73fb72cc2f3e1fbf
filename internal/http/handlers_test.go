package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nehadangwal2003/RideX/internal/dispatch"
	"github.com/nehadangwal2003/RideX/internal/eta"
	"github.com/nehadangwal2003/RideX/internal/logging"
	"github.com/nehadangwal2003/RideX/internal/matcher"
	"github.com/nehadangwal2003/RideX/internal/models"
	"github.com/nehadangwal2003/RideX/internal/storage"
)

type fakePublisher struct {
	mu  sync.Mutex
	got []models.DriverHeartbeat
	err error
}

func (f *fakePublisher) PublishHeartbeat(_ context.Context, hb models.DriverHeartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, hb)
	return nil
}

type harness struct {
	srv    *Server
	engine *matcher.Engine
	reg    *dispatch.WSRegistry
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	log := logging.Discard()
	reg := dispatch.NewWSRegistry(log)
	engine := matcher.New(matcher.Deps{
		Rides:  storage.NewMemoryStore(),
		Sink:   dispatch.WSSink{Registry: reg},
		Logger: log,
	}, matcher.DefaultConfig())
	opts := Options{
		Engine:    engine,
		Estimator: &eta.Estimator{},
		WS:        reg,
		Logger:    log,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{srv: NewServer(opts), engine: engine, reg: reg}
}

func (h *harness) do(t *testing.T, method, path, user string, role models.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(headerUserID, user)
		req.Header.Set(headerUserRole, string(role))
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	pickup  = models.Place{Point: models.GeoPoint{Lat: 28.6139, Lng: 77.2090}, Address: "Connaught Place"}
	dropoff = models.Place{Point: models.GeoPoint{Lat: 28.7041, Lng: 77.1025}, Address: "Delhi Junction"}
)

func rideBody() map[string]any {
	return map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicle_class": "economy"}
}

func locate(t *testing.T, h *harness, driver string, p models.GeoPoint) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/drivers/location", driver, models.RoleDriver,
		map[string]any{"lat": p.Lat, "lng": p.Lng, "vehicle_class": "economy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	locate(t, h, "d1", models.GeoPoint{Lat: 28.6150, Lng: 77.2100})
	locate(t, h, "d2", models.GeoPoint{Lat: 28.6160, Lng: 77.2110})

	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ride := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.StatusRequested, ride.Status)
	assert.Equal(t, "r1", ride.RiderID)
	assert.Greater(t, ride.Fare, 50.0, "fare should be estimated when not supplied")
	assert.Greater(t, ride.DistanceKm, 10.0)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/available", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decodeBody[[]matcher.Candidate](t, rec)
	require.Len(t, avail, 1)
	assert.Equal(t, ride.ID, avail[0].Ride.ID)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/accept", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "d1", decodeBody[models.Ride](t, rec).DriverID)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/accept", "d2", models.RoleDriver, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/start", "d2", models.RoleDriver, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/start", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/complete", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/cancel", "r1", models.RoleRider, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(models.KindInvalidState), decodeBody[errorBody](t, rec).Error)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/history", "r1", models.RoleRider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Ride](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, "d1", models.RoleDriver, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/rides/"+ride.ID, "r2", models.RoleRider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSuppliedFareIsKept(t *testing.T) {
	h := newHarness(t, nil)
	body := rideBody()
	body["fare"] = 99.0
	body["distance_km"] = 12.0
	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	ride := decodeBody[models.Ride](t, rec)
	assert.Equal(t, 99.0, ride.Fare)
	assert.Equal(t, 12.0, ride.DistanceKm)
}

func TestIdentityAndRoleChecks(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/rides", "", "", rideBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rides", "u1", "admin", rideBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rides", "d1", models.RoleDriver, rideBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/available", "r1", models.RoleRider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	body := rideBody()
	body["pickup"] = models.Place{Point: models.GeoPoint{Lat: 95, Lng: 0}}
	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.KindInvalidLocation), decodeBody[errorBody](t, rec).Error)

	rec = h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/nope/accept", "d1", models.RoleDriver, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/available", "ghost", models.RoleDriver, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/drivers/status", "d1", models.RoleDriver, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=abc", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[models.ErrorKind]int{
		models.KindInvalidLocation:       http.StatusBadRequest,
		models.KindInvalidArgument:       http.StatusBadRequest,
		models.KindInvalidState:          http.StatusConflict,
		models.KindAlreadyAssigned:       http.StatusConflict,
		models.KindRideNoLongerAvailable: http.StatusConflict,
		models.KindDriverBusy:            http.StatusConflict,
		models.KindForbidden:             http.StatusForbidden,
		models.KindNotAssignedDriver:     http.StatusForbidden,
		models.KindNotFound:              http.StatusNotFound,
		models.KindStorageUnavailable:    http.StatusServiceUnavailable,
		"":                               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestRejectHidesRideFromDriver(t *testing.T) {
	h := newHarness(t, nil)
	locate(t, h, "d1", models.GeoPoint{Lat: 28.6150, Lng: 77.2100})
	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, rideBody())
	ride := decodeBody[models.Ride](t, rec)

	rec = h.do(t, http.MethodPatch, "/api/v1/rides/"+ride.ID+"/reject", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/available", "d1", models.RoleDriver, nil)
	assert.Empty(t, decodeBody[[]matcher.Candidate](t, rec))
}

func TestScheduledRidesListed(t *testing.T) {
	h := newHarness(t, nil)
	body := rideBody()
	body["scheduled_at"] = time.Now().Add(2 * time.Hour).UTC()
	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/scheduled", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Ride](t, rec), 1)
}

func TestDriverStatusAndNearby(t *testing.T) {
	h := newHarness(t, nil)
	locate(t, h, "d1", models.GeoPoint{Lat: 28.6150, Lng: 77.2100})

	rec := h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=28.6139&lng=77.2090", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.DriverAvailability](t, rec), 1)

	rec = h.do(t, http.MethodPatch, "/api/v1/drivers/status", "d1", models.RoleDriver, map[string]any{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[models.DriverAvailability](t, rec).Online)

	rec = h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=28.6139&lng=77.2090", "", "", nil)
	assert.Empty(t, decodeBody[[]models.DriverAvailability](t, rec))
}

func TestLocationGoesThroughIngestWhenConfigured(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, func(o *Options) { o.Ingest = pub })

	rec := h.do(t, http.MethodPost, "/api/v1/drivers/location", "d1", models.RoleDriver,
		map[string]any{"lat": 28.6, "lng": 77.2, "vehicle_class": "suv"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "d1", pub.got[0].DriverID)
	assert.Equal(t, models.VehicleSUV, pub.got[0].VehicleClass)
	assert.True(t, pub.got[0].Online)

	pub.err = errors.New("broker down")
	rec = h.do(t, http.MethodPost, "/api/v1/drivers/location", "d1", models.RoleDriver,
		map[string]any{"lat": 28.6, "lng": 77.2})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEstimate(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/v1/rides/estimate", "", "", rideBody())
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[models.FareQuote](t, rec)
	assert.Greater(t, q.Fare, 0.0)
	assert.Greater(t, q.DurationMin, 5.0)

	h = newHarness(t, func(o *Options) { o.Estimator = nil })
	rec = h.do(t, http.MethodPost, "/api/v1/rides/estimate", "", "", rideBody())
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	h = newHarness(t, func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec = h.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebsocketOfferAndDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	locate(t, h, "d1", models.GeoPoint{Lat: 28.6150, Lng: 77.2100})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, identity("d1", models.RoleDriver))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.reg.Connected("d1") }, 2*time.Second, 10*time.Millisecond)

	rec := h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	ride := decodeBody[models.Ride](t, rec)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev dispatch.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventRideOffer, ev.Type)
	assert.Equal(t, ride.ID, ev.RideID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=28.6139&lng=77.2090", "", "", nil)
		var out []models.DriverAvailability
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code == http.StatusOK && len(out) == 0
	}, 2*time.Second, 20*time.Millisecond, "driver should go offline after the session drops")
	assert.False(t, h.reg.Connected("d1"))
}

func identity(user string, role models.Role) http.Header {
	h := http.Header{}
	h.Set(headerUserID, user)
	h.Set(headerUserRole, string(role))
	return h
}

func TestWebsocketRequiresMatchingIdentity(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	locate(t, h, "d1", models.GeoPoint{Lat: 28.6150, Lng: 77.2100})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"

	conn, _, err := websocket.DefaultDialer.Dial(url, identity("d1", models.RoleDriver))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.reg.Connected("d1") }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?role=driver", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url, identity("d2", models.RoleDriver))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.True(t, h.reg.Connected("d1"))
	rec := h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=28.6139&lng=77.2090", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nearby := decodeBody[[]models.DriverAvailability](t, rec)
	require.Len(t, nearby, 1)
	assert.Equal(t, "d1", nearby[0].DriverID)

	rec = h.do(t, http.MethodPost, "/api/v1/rides", "r1", models.RoleRider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev dispatch.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventRideOffer, ev.Type)
}
