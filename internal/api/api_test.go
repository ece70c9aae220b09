package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/cluster"
	"github.com/civicmap/civicmap/server/internal/match"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
	"github.com/civicmap/civicmap/server/internal/tiles"
)

// --- In-memory store backing the whole router ---

type memStore struct {
	events *memEvents
	apps   *memApps
	subs   *memSubs
}

func (s *memStore) Events() store.Events               { return s.events }
func (s *memStore) Apps() store.Apps                   { return s.apps }
func (s *memStore) Subscriptions() store.Subscriptions { return s.subs }

type memEvents struct{ rows []*model.Event }

func (m *memEvents) Find(_ context.Context, q store.EventQuery, _ store.FindOptions) ([]*model.Event, error) {
	var out []*model.Event
	for _, ev := range m.rows {
		if !ev.Deleted() {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEvents) Create(_ context.Context, ev *model.Event) (*model.Event, error) {
	cp := *ev
	cp.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, &cp)
	return &cp, nil
}

func (m *memEvents) Update(_ context.Context, ev *model.Event) (*model.Event, error) {
	for i, row := range m.rows {
		if row.ID == ev.ID {
			cp := *ev
			m.rows[i] = &cp
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memEvents) SoftDeleteMany(_ context.Context, ids []int64, by string) error {
	now := time.Now()
	for _, id := range ids {
		for _, row := range m.rows {
			if row.ID == id {
				row.DeletedAt = &now
				row.DeletedBy = &by
			}
		}
	}
	return nil
}

func (m *memEvents) Count(_ context.Context, _ store.EventQuery) (int64, error) {
	var n int64
	for _, ev := range m.rows {
		if !ev.Deleted() {
			n++
		}
	}
	return n, nil
}

func (m *memEvents) List(_ context.Context, q store.EventQuery, page, pageSize int, _ string) (*model.Page[*model.Event], error) {
	var rows []*model.Event
	for _, ev := range m.rows {
		if ev.Deleted() {
			continue
		}
		if len(q.IDs) > 0 {
			for _, id := range q.IDs {
				if ev.ID == id {
					rows = append(rows, ev)
				}
			}
			continue
		}
		rows = append(rows, ev)
	}
	return &model.Page[*model.Event]{Rows: rows, Total: int64(len(rows)), Page: page, PageSize: pageSize, TotalPages: 1}, nil
}

type memApps struct{ byKey map[string]*model.App }

func (m *memApps) Find(context.Context) ([]*model.App, error) { return nil, nil }
func (m *memApps) FindByKey(_ context.Context, key string) (*model.App, error) {
	a, ok := m.byKey[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return a, nil
}

type memSubs struct{ byUser map[string][]*model.Subscription }

func (m *memSubs) Create(_ context.Context, s *model.Subscription) (*model.Subscription, error) {
	cp := *s
	cp.ID = 100
	m.byUser[s.UserID] = append(m.byUser[s.UserID], &cp)
	return &cp, nil
}

func (m *memSubs) FindActiveByUser(_ context.Context, userID string) ([]*model.Subscription, error) {
	return m.byUser[userID], nil
}

func (m *memSubs) FindByIDs(context.Context, []int64) ([]*model.Subscription, error) {
	return nil, nil
}

func (m *memSubs) Counts(_ context.Context, ids []int64, _ time.Time) ([]model.SubscriptionCounts, error) {
	out := make([]model.SubscriptionCounts, len(ids))
	for i, id := range ids {
		out[i] = model.SubscriptionCounts{SubscriptionID: id, AllTime: 3, New: 1}
	}
	return out, nil
}

// --- Fixtures ---

func fcPoint(lon, lat float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{lon, lat}))
	return fc
}

func newTestRouter(t *testing.T) (*memStore, *syncpkg.Service, http.Handler) {
	t.Helper()
	st := &memStore{
		events: &memEvents{rows: []*model.Event{
			{ID: 1, AppID: 1, Geom: fcPoint(14.42, 50.08), Name: "permit", StartAt: time.Now(), CreatedAt: time.Now()},
			{ID: 2, AppID: 1, Geom: fcPoint(14.43, 50.09), Name: "felling", StartAt: time.Now(), CreatedAt: time.Now()},
		}},
		apps: &memApps{byKey: map[string]*model.App{
			"prague-permits": {ID: 1, Key: "prague-permits", Type: "permits"},
		}},
		subs: &memSubs{byUser: map[string][]*model.Subscription{
			"u1": {{ID: 7, UserID: "u1", Geom: fcPoint(14.42, 50.08), GeomBufferSize: 1000, Frequency: model.FrequencyWeek, Active: true}},
		}},
	}

	b := bus.NewMemoryBus()
	log := zerolog.Nop()
	tileSvc := tiles.New(st, b, log, cluster.DefaultOptions())
	matcher := match.New(st, log)
	engine := syncpkg.NewEngine(st, b, log)
	syncSvc := syncpkg.NewService(engine, st, log)

	return st, syncSvc, NewRouter(st, tileSvc, matcher, syncSvc)
}

// --- Tests ---

func TestHealthEndpoint(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "status")
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestGetTile(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/tiles/10/553/351", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-protobuf", rr.Header().Get("Content-Type"))
}

func TestGetTile_OutOfRange(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/tiles/3/553/351", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetClusterItems_UnknownClusterIsEmptyPage(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/clusters/987654321/items", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"rows":[]`)
}

func TestNewsfeed(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/users/u1/newsfeed", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "permit")
}

func TestNewsfeed_BadPaging(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/users/u1/newsfeed?page=zero", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubscriptionCounts(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/users/u1/subscriptions/counts", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"subscriptionId":7`)
	assert.Contains(t, rr.Body.String(), `"allTime":3`)
}

func TestCreateSubscription(t *testing.T) {
	st, _, router := newTestRouter(t)
	body := `{"geom":{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[14.42,50.08]},"properties":{}}]},"frequency":"DAY"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/users/u2/subscriptions", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Len(t, st.subs.byUser["u2"], 1)
	assert.True(t, st.subs.byUser["u2"][0].Active)
}

func TestCreateSubscription_Invalid(t *testing.T) {
	_, _, router := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/users/u2/subscriptions", strings.NewReader(`{broken`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	body := `{"geom":{"type":"FeatureCollection","features":[]},"frequency":"DAY"}`
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/users/u2/subscriptions", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunSync(t *testing.T) {
	_, syncSvc, router := newTestRouter(t)
	syncSvc.Register("prague-permits", staticSource{[]syncpkg.Candidate{
		{ExternalID: strPtr("X-1"), Geom: fcPoint(14.42, 50.08), StartAt: time.Now(), Name: "new permit"},
	}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/sync/prague-permits", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"inserted":1`)
}

func TestRunSync_UnknownApp(t *testing.T) {
	_, _, router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/sync/unknown", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListIntegrations(t *testing.T) {
	_, syncSvc, router := newTestRouter(t)
	syncSvc.Register("prague-permits", staticSource{nil})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/sync", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "prague-permits")
}

type staticSource struct{ candidates []syncpkg.Candidate }

func (s staticSource) Fetch(context.Context) ([]syncpkg.Candidate, error) {
	return s.candidates, nil
}

func strPtr(s string) *string { return &s }
