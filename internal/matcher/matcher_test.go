package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/mirror"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/storage"
)

type fakePush struct {
	mu     sync.Mutex
	sent   []dispatch.Message
	failOn map[string]dispatch.FailureReason // device token -> reason
}

func (f *fakePush) Send(ctx context.Context, msg dispatch.Message) dispatch.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if r, ok := f.failOn[msg.DeviceToken]; ok {
		return dispatch.SendResult{Reason: r}
	}
	return dispatch.SendResult{Success: true, ProviderMessageID: "m-" + msg.DeviceToken}
}

type flakyMirror struct {
	*mirror.MemoryMirror
	fail map[string]bool // collection path -> fail
}

func (f *flakyMirror) UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error {
	if f.fail[collectionPath] {
		return errors.New("mirror unavailable")
	}
	return f.MemoryMirror.UpsertDocument(ctx, collectionPath, documentID, fields)
}

// failingStore aborts the match transaction on the n-th insert.
type failingStore struct {
	*storage.MemoryStore
	failAfter int
}

type failingTx struct {
	storage.MatchTx
	left *int
}

func (f *failingTx) InsertNotification(ctx context.Context, rec models.NotificationRecord) error {
	if *f.left == 0 {
		return errors.New("connection reset")
	}
	*f.left--
	return f.MatchTx.InsertNotification(ctx, rec)
}

func (f *failingStore) InMatchTx(ctx context.Context, fn func(tx storage.MatchTx) error) error {
	left := f.failAfter
	return f.MemoryStore.InMatchTx(ctx, func(tx storage.MatchTx) error {
		return fn(&failingTx{MatchTx: tx, left: &left})
	})
}

func strptr(s string) *string { return &s }

// kmNorth offsets a latitude by roughly km kilometers.
func kmNorth(lat, km float64) float64 { return lat + km/111.195 }

func scenario(t *testing.T) (*storage.MemoryStore, models.ServiceRequest) {
	t.Helper()
	st := storage.NewMemoryStore()
	ctx := context.Background()
	req := models.ServiceRequest{
		ID:            "r1",
		RequesterName: "Mona",
		Gender:        "female",
		Loc:           models.Coord{Lat: 30.0, Lon: 31.0},
		Status:        models.StatusPending,
		LineItems:     []models.LineItem{{ServiceID: "cleaning", ServiceType: "individual", PriceCents: 20000, Quantity: 1}},
	}
	require.NoError(t, st.CreateRequest(ctx, &req))
	providers := []models.Provider{
		{ID: "near", ServiceType: "individual", Available: true, Loc: &models.Coord{Lat: kmNorth(30, 0.8), Lon: 31}, DeviceToken: strptr("tok-near")},
		{ID: "far", ServiceType: "individual", Available: true, Loc: &models.Coord{Lat: kmNorth(30, 4), Lon: 31}, DeviceToken: strptr("tok-far")},
		{ID: "off", ServiceType: "individual", Available: false, Loc: &models.Coord{Lat: kmNorth(30, 0.5), Lon: 31}, DeviceToken: strptr("tok-off")},
	}
	for _, p := range providers {
		require.NoError(t, st.UpsertProvider(ctx, p))
	}
	return st, req
}

func newEngine(st storage.MatchStore, push dispatch.Gateway, m mirror.Mirror) *Engine {
	return &Engine{
		Store:  st,
		Push:   push,
		Mirror: m,
		Now:    func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func TestMatch_ProgressiveTiers(t *testing.T) {
	st, req := scenario(t)
	push := &fakePush{}
	mem := mirror.NewMemoryMirror()
	e := newEngine(st, push, mem)
	ctx := context.Background()

	out := e.Match(ctx, req, 1)
	assert.Equal(t, 1, out.NotifiedCount)
	assert.Equal(t, ResultMatched, out.Diagnostics.Result)
	require.Len(t, out.Notified, 1)
	assert.Equal(t, "near", out.Notified[0].ProviderID)
	assert.InDelta(t, 0.8, out.Notified[0].DistanceKm, 0.01)
	assert.Equal(t, 2, out.Diagnostics.Candidates)
	assert.Equal(t, 1, out.Diagnostics.WithinRadius)

	out = e.Match(ctx, req, 3)
	assert.Equal(t, 0, out.NotifiedCount)
	assert.Equal(t, ResultNoneWithinRadius, out.Diagnostics.Result)
	assert.Equal(t, 1, out.Diagnostics.Candidates, "already notified provider is excluded by the directory")

	out = e.Match(ctx, req, 5)
	assert.Equal(t, 1, out.NotifiedCount)
	require.Len(t, out.Notified, 1)
	assert.Equal(t, "far", out.Notified[0].ProviderID)

	recs, err := st.ListNotifications(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	radii := map[string]int{}
	for _, r := range recs {
		radii[r.ProviderID] = r.RadiusKm
		assert.Equal(t, models.NotificationPending, r.Status)
	}
	assert.Equal(t, map[string]int{"near": 1, "far": 5}, radii)

	doc, ok := mem.Document(mirror.IncomingRequestsPath("near"), "r1")
	require.True(t, ok)
	assert.Equal(t, "Mona", doc["requester_name"])
	assert.Equal(t, "individual", doc["service_type"])
	assert.Equal(t, "pending", doc["status"])
	assert.Equal(t, "20000", doc["price_cents"])
	assert.Equal(t, "female", doc["gender"])
	assert.Equal(t, "2026-10-15T12:00:00Z", doc["timestamp"])
	assert.Len(t, push.sent, 2)
}

func TestMatch_NeverDuplicatesAcrossRepeatedPasses(t *testing.T) {
	st, req := scenario(t)
	e := newEngine(st, &fakePush{}, mirror.NewMemoryMirror())
	ctx := context.Background()

	total := 0
	for _, radius := range []int{5, 5, 1, 3, 5} {
		total += e.Match(ctx, req, radius).NotifiedCount
	}
	assert.Equal(t, 2, total)

	recs, err := st.ListNotifications(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestMatch_ConcurrentPassesDoNotDuplicate(t *testing.T) {
	st, req := scenario(t)
	e := newEngine(st, &fakePush{}, mirror.NewMemoryMirror())

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := e.Match(context.Background(), req, 5).NotifiedCount
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, total)
}

func TestMatch_NoEligibleProviders(t *testing.T) {
	st := storage.NewMemoryStore()
	req := models.ServiceRequest{ID: "r2", Status: models.StatusPending, Loc: models.Coord{Lat: 30, Lon: 31},
		LineItems: []models.LineItem{{ServiceType: "company"}}}
	require.NoError(t, st.UpsertProvider(context.Background(), models.Provider{ID: "p", ServiceType: "individual", Available: true, Loc: &models.Coord{Lat: 30, Lon: 31}}))

	out := newEngine(st, &fakePush{}, mirror.NewMemoryMirror()).Match(context.Background(), req, 5)
	assert.Equal(t, 0, out.NotifiedCount)
	assert.Equal(t, ResultNoEligibleCandidates, out.Diagnostics.Result)
	recs, _ := st.ListNotifications(context.Background(), "r2")
	assert.Empty(t, recs)
}

func TestMatch_NoServiceType(t *testing.T) {
	req := models.ServiceRequest{ID: "r3", Status: models.StatusPending}
	out := newEngine(storage.NewMemoryStore(), &fakePush{}, mirror.NewMemoryMirror()).Match(context.Background(), req, 1)
	assert.Equal(t, 0, out.NotifiedCount)
	assert.Equal(t, ResultNoServiceType, out.Diagnostics.Result)
}

func TestMatch_SkipsNonPendingRequest(t *testing.T) {
	st, req := scenario(t)
	req.Status = models.StatusCancelled
	out := newEngine(st, &fakePush{}, mirror.NewMemoryMirror()).Match(context.Background(), req, 5)
	assert.Equal(t, ResultRequestNotPending, out.Diagnostics.Result)
	recs, _ := st.ListNotifications(context.Background(), "r1")
	assert.Empty(t, recs)
}

func TestMatch_MissingCoordinatesAreSkipped(t *testing.T) {
	st, req := scenario(t)
	require.NoError(t, st.UpsertProvider(context.Background(), models.Provider{ID: "nowhere", ServiceType: "individual", Available: true}))

	out := newEngine(st, &fakePush{}, mirror.NewMemoryMirror()).Match(context.Background(), req, 5)
	assert.Equal(t, 2, out.NotifiedCount)
	assert.Equal(t, 1, out.Diagnostics.MissingCoordinates)
	assert.Equal(t, 3, out.Diagnostics.Processed)
}

func TestMatch_DeliveryFailuresAreIndependent(t *testing.T) {
	st, req := scenario(t)
	require.NoError(t, st.UpsertProvider(context.Background(), models.Provider{ID: "notoken", ServiceType: "individual", Available: true, Loc: &models.Coord{Lat: 30, Lon: 31}}))
	push := &fakePush{failOn: map[string]dispatch.FailureReason{"tok-near": dispatch.ReasonInvalidToken}}
	mem := &flakyMirror{MemoryMirror: mirror.NewMemoryMirror(), fail: map[string]bool{mirror.IncomingRequestsPath("far"): true}}

	out := newEngine(st, push, mem).Match(context.Background(), req, 5)
	assert.Equal(t, 3, out.NotifiedCount)

	d := out.Diagnostics
	assert.Equal(t, 3, d.Push.Attempted)
	assert.Equal(t, 1, d.Push.Succeeded)
	assert.Equal(t, 1, d.Push.Reasons[dispatch.ReasonInvalidToken])
	assert.Equal(t, 1, d.Push.Reasons[dispatch.ReasonNoDeviceToken])
	assert.Equal(t, 2, d.Mirror.Succeeded)
	assert.Equal(t, 1, d.Mirror.Reasons[MirrorWriteFailed])

	// push failed for "near" but its record exists and the mirror was still written
	_, ok := mem.Document(mirror.IncomingRequestsPath("near"), "r1")
	assert.True(t, ok)
	_, ok = mem.Document(mirror.IncomingRequestsPath("notoken"), "r1")
	assert.True(t, ok)
	recs, err := st.ListNotifications(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestMatch_StorageFailureRollsBackPass(t *testing.T) {
	mem, req := scenario(t)
	st := &failingStore{MemoryStore: mem, failAfter: 1}
	push := &fakePush{}

	out := newEngine(st, push, mirror.NewMemoryMirror()).Match(context.Background(), req, 5)
	assert.Equal(t, 0, out.NotifiedCount)
	assert.Equal(t, ResultStorageFailure, out.Diagnostics.Result)
	assert.NotEmpty(t, out.Diagnostics.Error)
	assert.Empty(t, push.sent, "nothing is delivered when the pass is rolled back")

	recs, err := mem.ListNotifications(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// a clean retry at the same tier succeeds
	out = newEngine(mem, push, mirror.NewMemoryMirror()).Match(context.Background(), req, 5)
	assert.Equal(t, 2, out.NotifiedCount)
}
