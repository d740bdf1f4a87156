package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/expansion"
	"github.com/example/service-matching/internal/matcher"
	"github.com/example/service-matching/internal/mirror"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/queue"
	"github.com/example/service-matching/internal/requests"
	"github.com/example/service-matching/internal/storage"
)

type fixture struct {
	srv    *Server
	store  *storage.MemoryStore
	mirror *mirror.MemoryMirror
	lane   *queue.MemoryLane
}

func newFixture(t *testing.T, updates UpdatePublisher) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storage.NewMemoryStore()
	mm := mirror.NewMemoryMirror()
	wsreg := dispatch.NewWSRegistry()
	engine := &matcher.Engine{
		Store:  st,
		Push:   &dispatch.LogGateway{},
		Mirror: mirror.Fanout{mm, &mirror.WSMirror{Pusher: wsreg}},
		Logger: logger,
	}
	lane := queue.NewMemoryLane(func(ctx context.Context, t queue.Task) error { return nil }, queue.RetryPolicy{}, logger)
	t.Cleanup(func() { _ = lane.Close() })
	sched := &expansion.Scheduler{Requests: st, Matcher: engine, Lane: lane, Delay: time.Hour, Logger: logger}
	svc := &requests.Service{Store: st, Matcher: engine, Expansion: sched, FirstTier: 1, Logger: logger}
	return &fixture{
		srv:    NewServer(logger, svc, st, updates, wsreg),
		store:  st,
		mirror: mm,
		lane:   lane,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func seedProvider(t *testing.T, st *storage.MemoryStore, id string, lat, lon float64) {
	t.Helper()
	token := "tok-" + id
	require.NoError(t, st.UpsertProvider(context.Background(), models.Provider{
		ID:          id,
		ServiceType: "individual",
		Available:   true,
		Loc:         &models.Coord{Lat: lat, Lon: lon},
		DeviceToken: &token,
	}))
}

func createBody() requests.NewRequest {
	return requests.NewRequest{
		CustomerID: "cust-1",
		Loc:        models.Coord{Lat: 30.0444, Lon: 31.2357},
		LineItems:  []models.LineItem{{ServiceID: "svc-1", ServiceType: "individual", PriceCents: 5000, Quantity: 1}},
	}
}

func TestCreateRequestMatchesNearbyProvider(t *testing.T) {
	f := newFixture(t, nil)
	seedProvider(t, f.store, "p-near", 30.0500, 31.2357)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var created requests.Created
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Outcome.NotifiedCount)
	assert.False(t, created.ExpansionScheduled)

	_, ok := f.mirror.Document(mirror.IncomingRequestsPath("p-near"), created.Request.ID)
	assert.True(t, ok)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+created.Request.ID+"/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []models.NotificationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "p-near", recs[0].ProviderID)
	assert.Equal(t, 1, recs[0].RadiusKm)
}

func TestCreateRequestWithoutProvidersReturns503(t *testing.T) {
	f := newFixture(t, nil)
	seedProvider(t, f.store, "p-far", 30.0800, 31.2357)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", createBody())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body noProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no providers available", body.Error)
	assert.NotEmpty(t, body.RequestID)
	assert.True(t, body.ExpansionScheduled)
	assert.Equal(t, 1, f.lane.Pending())

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+body.RequestID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t, nil)
	in := createBody()
	in.LineItems = nil
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/requests", in).Code)

	in = createBody()
	in.LineItems[0].ServiceType = ""
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/requests", in).Code)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t, nil)
	seedProvider(t, f.store, "p-near", 30.0500, 31.2357)
	rec := f.do(t, http.MethodPost, "/api/v1/requests", createBody())
	var created requests.Created
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+created.Request.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req models.ServiceRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, models.StatusCancelled, req.Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/requests/"+created.Request.ID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/requests/missing/cancel", nil).Code)
}

func TestProviderRoutesApplyDirectly(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/internal/providers", models.Provider{ID: "p1", ServiceType: "individual"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/internal/providers/locations", models.ProviderUpdate{
		ProviderID: "p1", Loc: models.Coord{Lat: 30.05, Lon: 31.23}, Available: true,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/internal/providers/locations", models.ProviderUpdate{
		ProviderID: "ghost", Loc: models.Coord{Lat: 30.05, Lon: 31.23},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/internal/providers/locations", models.ProviderUpdate{
		ProviderID: "p1", Loc: models.Coord{Lat: 95, Lon: 31.23},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type recordingPublisher struct {
	updates []models.ProviderUpdate
	err     error
}

func (p *recordingPublisher) PublishProviderUpdate(ctx context.Context, u models.ProviderUpdate) error {
	if p.err != nil {
		return p.err
	}
	p.updates = append(p.updates, u)
	return nil
}

func TestProviderLocationPublishedWhenKafkaConfigured(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, pub)
	u := models.ProviderUpdate{ProviderID: "p1", Loc: models.Coord{Lat: 30.05, Lon: 31.23}, Available: true}

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/internal/providers/locations", u).Code)
	require.Len(t, pub.updates, 1)
	assert.Equal(t, "p1", pub.updates[0].ProviderID)

	pub.err = errors.New("broker down")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/internal/providers/locations", u).Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWebsocketReceivesIncomingRequest(t *testing.T) {
	f := newFixture(t, nil)
	seedProvider(t, f.store, "p-near", 30.0500, 31.2357)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/providers/p-near"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.WSReg.Len() == 1 }, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type       string            `json:"type"`
		DocumentID string            `json:"document_id"`
		Fields     map[string]string `json:"fields"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "incoming_request", msg.Type)
	assert.Equal(t, "individual", msg.Fields["service_type"])
	assert.Equal(t, "pending", msg.Fields["status"])
}

func TestWebsocketSessionKeyedByMirrorID(t *testing.T) {
	f := newFixture(t, nil)
	token := "tok-p-1"
	require.NoError(t, f.store.UpsertProvider(context.Background(), models.Provider{
		ID:          "p-1",
		ServiceType: "individual",
		Available:   true,
		Loc:         &models.Coord{Lat: 30.0500, Lon: 31.2357},
		DeviceToken: &token,
		MirrorID:    "m-1",
	}))
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/providers/m-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.WSReg.Len() == 1 }, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created requests.Created
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type       string `json:"type"`
		DocumentID string `json:"document_id"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "incoming_request", msg.Type)
	assert.Equal(t, created.Request.ID, msg.DocumentID)
}
