package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// --- Fakes ---

type fakeStore struct{ events *fakeEvents }

func (f *fakeStore) Events() store.Events               { return f.events }
func (f *fakeStore) Apps() store.Apps                   { panic("unused") }
func (f *fakeStore) Subscriptions() store.Subscriptions { panic("unused") }

type fakeEvents struct {
	rows    []*model.Event
	nextID  int64
	creates int
	updates int
	finds   int
}

func (f *fakeEvents) matches(ev *model.Event, q store.EventQuery) bool {
	if !q.WithDeleted && ev.Deleted() {
		return false
	}
	if len(q.AppIDs) > 0 {
		ok := false
		for _, id := range q.AppIDs {
			if ev.AppID == id {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if len(q.ExternalIDs) > 0 {
		if ev.ExternalID == nil {
			return false
		}
		ok := false
		for _, x := range q.ExternalIDs {
			if *ev.ExternalID == x {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fakeEvents) Find(_ context.Context, q store.EventQuery, _ store.FindOptions) ([]*model.Event, error) {
	f.finds++
	var out []*model.Event
	for _, ev := range f.rows {
		if f.matches(ev, q) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) Create(_ context.Context, ev *model.Event) (*model.Event, error) {
	f.creates++
	f.nextID++
	cp := *ev
	cp.ID = f.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	f.rows = append(f.rows, &cp)
	return &cp, nil
}

func (f *fakeEvents) Update(_ context.Context, ev *model.Event) (*model.Event, error) {
	f.updates++
	for i, row := range f.rows {
		if row.ID == ev.ID {
			cp := *ev
			f.rows[i] = &cp
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeEvents) SoftDeleteMany(_ context.Context, ids []int64, deletedBy string) error {
	now := time.Now()
	for _, id := range ids {
		for _, row := range f.rows {
			if row.ID == id && !row.Deleted() {
				row.DeletedAt = &now
				by := deletedBy
				row.DeletedBy = &by
			}
		}
	}
	return nil
}

func (f *fakeEvents) Count(_ context.Context, q store.EventQuery) (int64, error) {
	var n int64
	for _, ev := range f.rows {
		if f.matches(ev, q) {
			n++
		}
	}
	return n, nil
}

func (f *fakeEvents) List(_ context.Context, q store.EventQuery, page, pageSize int, _ string) (*model.Page[*model.Event], error) {
	var all []*model.Event
	for _, ev := range f.rows {
		if f.matches(ev, q) {
			all = append(all, ev)
		}
	}
	total := int64(len(all))
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return &model.Page[*model.Event]{
		Rows:       all[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

// --- Helpers ---

func strPtr(s string) *string { return &s }

func pointGeom() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{14.42, 50.08}))
	return fc
}

func newTestEngine(fs *fakeStore) (*Engine, *bus.MemoryBus) {
	b := bus.NewMemoryBus()
	e := NewEngine(fs, b, zerolog.Nop())
	return e, b
}

var testApp = &model.App{ID: 7, Key: "prague-permits", Type: "permits"}

// --- Tests ---

func TestCreateOrUpdateEvents_RejectsMissingExternalID(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	cands := []Candidate{
		{ExternalID: nil, Geom: pointGeom(), StartAt: time.Now(), Name: "no id"},
		{ExternalID: strPtr(""), Geom: pointGeom(), StartAt: time.Now(), Name: "empty id"},
	}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, cands, false); err != nil {
		t.Fatal(err)
	}
	if fs.events.creates != 0 || fs.events.updates != 0 {
		t.Fatalf("store written for invalid candidates: creates=%d updates=%d", fs.events.creates, fs.events.updates)
	}
	if run.Invalid.Total != 2 || run.Total != 2 || run.Valid.Total != 0 {
		t.Fatalf("unexpected stats: %+v", run)
	}
	if run.SeenCount() != 0 {
		t.Fatal("invalid candidates must not be marked seen")
	}
}

func TestCreateOrUpdateEvents_DeduplicatesByExternalID(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	c := Candidate{ExternalID: strPtr("X-1"), Geom: pointGeom(), StartAt: time.Now(), Name: "first"}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, []Candidate{c}, false); err != nil {
		t.Fatal(err)
	}
	c.Name = "second"
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, []Candidate{c}, false); err != nil {
		t.Fatal(err)
	}

	if fs.events.creates != 1 || fs.events.updates != 1 {
		t.Fatalf("want 1 create + 1 update, got %d/%d", fs.events.creates, fs.events.updates)
	}
	if len(fs.events.rows) != 1 || fs.events.rows[0].Name != "second" {
		t.Fatalf("duplicate row or missing update: %+v", fs.events.rows)
	}
	if run.Valid.Inserted != 1 || run.Valid.Updated != 1 {
		t.Fatalf("unexpected stats: %+v", run.Valid)
	}
}

func TestCreateOrUpdateEvents_BatchPrefetchesOnce(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	cands := []Candidate{
		{ExternalID: strPtr("A"), Geom: pointGeom(), StartAt: time.Now()},
		{ExternalID: strPtr("B"), Geom: pointGeom(), StartAt: time.Now()},
		{ExternalID: strPtr("C"), Geom: pointGeom(), StartAt: time.Now()},
	}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, cands, false); err != nil {
		t.Fatal(err)
	}
	if fs.events.finds != 1 {
		t.Fatalf("batched form must prefetch existing rows in one query, got %d", fs.events.finds)
	}
}

func TestCreateOrUpdateEvents_OldCandidateForcedInitial(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	old := time.Now().Add(-40 * 24 * time.Hour)
	c := Candidate{ExternalID: strPtr("OLD"), Geom: pointGeom(), StartAt: old}
	// caller says not initial; the 30-day rule must override
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, []Candidate{c}, false); err != nil {
		t.Fatal(err)
	}
	if got := fs.events.rows[0].CreatedAt; !got.Equal(old) {
		t.Fatalf("createdAt must equal startAt for old candidates: %v != %v", got, old)
	}
}

func TestCreateOrUpdateEvents_OldCandidateBackdatesExistingRow(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)
	seedEvents(fs, testApp, "OLD")

	old := time.Now().Add(-40 * 24 * time.Hour)
	c := Candidate{ExternalID: strPtr("OLD"), Geom: pointGeom(), StartAt: old}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, []Candidate{c}, false); err != nil {
		t.Fatal(err)
	}
	if fs.events.updates != 1 {
		t.Fatalf("existing row must be updated, got %d updates", fs.events.updates)
	}
	if got := fs.events.rows[0].CreatedAt; !got.Equal(old) {
		t.Fatalf("update path must backdate createdAt to startAt: %v != %v", got, old)
	}
}

func TestCreateOrUpdateEvent_SingleInvalidReturnsError(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	c := Candidate{ExternalID: nil, Geom: pointGeom(), StartAt: time.Now()}
	err := e.CreateOrUpdateEvent(context.Background(), run, testApp, c, false)
	if !errors.Is(err, model.ErrInvalidCandidate) {
		t.Fatalf("want ErrInvalidCandidate, got %v", err)
	}
	if run.Invalid.Total != 1 || fs.events.creates != 0 {
		t.Fatalf("invalid candidate must be counted, never stored: %+v", run)
	}
}

func TestCreateOrUpdateEvents_NoCrossCandidateInitialLeak(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	old := time.Now().Add(-40 * 24 * time.Hour)
	recent := time.Now().Add(-2 * 24 * time.Hour)
	cands := []Candidate{
		{ExternalID: strPtr("OLD"), Geom: pointGeom(), StartAt: old},
		{ExternalID: strPtr("NEW"), Geom: pointGeom(), StartAt: recent},
	}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, cands, false); err != nil {
		t.Fatal(err)
	}
	var newRow *model.Event
	for _, r := range fs.events.rows {
		if *r.ExternalID == "NEW" {
			newRow = r
		}
	}
	if newRow.CreatedAt.Equal(recent) {
		t.Fatal("recent candidate inherited the initial flag from an older one")
	}
}

func TestRunScenario_ThreeCandidates(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	fiveDays := time.Now().Add(-5 * 24 * time.Hour)
	fortyDays := time.Now().Add(-40 * 24 * time.Hour)
	cands := []Candidate{
		{ExternalID: strPtr("A"), Geom: pointGeom(), StartAt: fiveDays},
		{ExternalID: strPtr("B"), Geom: pointGeom(), StartAt: fortyDays},
		{ExternalID: nil, Geom: pointGeom(), StartAt: time.Now()},
	}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, cands, false); err != nil {
		t.Fatal(err)
	}

	if run.Valid.Total != 2 || run.Valid.Inserted != 2 || run.Invalid.Total != 1 {
		t.Fatalf("unexpected stats: %+v", run)
	}
	if !run.Seen("A") || !run.Seen("B") {
		t.Fatal("A and B must both be seen")
	}
	for _, r := range fs.events.rows {
		if *r.ExternalID == "B" && !r.CreatedAt.Equal(fortyDays) {
			t.Fatalf("B must have createdAt == startAt, got %v", r.CreatedAt)
		}
	}
}

func seedEvents(fs *fakeStore, app *model.App, externalIDs ...string) {
	for _, x := range externalIDs {
		id := x
		fs.events.nextID++
		fs.events.rows = append(fs.events.rows, &model.Event{
			ID:         fs.events.nextID,
			AppID:      app.ID,
			ExternalID: &id,
			StartAt:    time.Now(),
			CreatedAt:  time.Now(),
		})
	}
}

func TestCleanupStaleEvents_RetiresUnseen(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)
	seedEvents(fs, testApp, "A", "B", "C")
	run.markSeen("A")

	retired, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	if retired != 2 {
		t.Fatalf("want 2 retired, got %d", retired)
	}
	for _, r := range fs.events.rows {
		switch *r.ExternalID {
		case "A":
			if r.Deleted() {
				t.Fatal("A was seen and must stay live")
			}
		case "B", "C":
			if !r.Deleted() {
				t.Fatalf("%s must be retired", *r.ExternalID)
			}
		}
	}
}

func TestCleanupStaleEvents_Idempotent(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)
	seedEvents(fs, testApp, "A", "B", "C")
	run.markSeen("A")

	first, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	if first != 2 || second != 0 {
		t.Fatalf("cleanup not idempotent: first=%d second=%d", first, second)
	}
}

func TestCleanupStaleEvents_SinglePassSpansPages(t *testing.T) {
	// The scan keeps deleted rows visible, so mid-scan soft deletes do
	// not shift later rows past the advancing page offset: one pass
	// retires every unseen row even when they span several pages.
	fs := &fakeStore{events: &fakeEvents{}}
	b := bus.NewMemoryBus()
	e := NewEngine(fs, b, zerolog.Nop(), WithCleanupPageSize(2))
	run := e.StartRun(testApp)
	seedEvents(fs, testApp, "A", "B", "C", "D", "E")
	run.markSeen("A")

	retired, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	if retired != 4 {
		t.Fatalf("want all 4 unseen rows retired in one pass, got %d", retired)
	}
	second, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	if second != 0 {
		t.Fatalf("second pass must retire nothing, got %d", second)
	}
	for _, r := range fs.events.rows {
		if *r.ExternalID == "A" && r.Deleted() {
			t.Fatal("seen row must stay live")
		}
	}
}

func TestCleanupStaleEvents_SkipsRowsWithoutExternalID(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, _ := newTestEngine(fs)
	run := e.StartRun(testApp)

	fs.events.nextID++
	fs.events.rows = append(fs.events.rows, &model.Event{
		ID: fs.events.nextID, AppID: testApp.ID, StartAt: time.Now(), CreatedAt: time.Now(),
	})
	retired, err := e.CleanupStaleEvents(context.Background(), run, testApp)
	if err != nil {
		t.Fatal(err)
	}
	if retired != 0 || fs.events.rows[0].Deleted() {
		t.Fatal("rows without externalId must never be retired")
	}
}

func TestFinishRun_BroadcastsStats(t *testing.T) {
	fs := &fakeStore{events: &fakeEvents{}}
	e, b := newTestEngine(fs)

	var payloads [][]byte
	_ = b.Subscribe(context.Background(), bus.SyncFinished, func(_ string, p []byte) {
		payloads = append(payloads, p)
	})

	run := e.StartRun(testApp)
	out := e.FinishRun(context.Background(), run)
	if out.EndTime.IsZero() || out.Duration == "" {
		t.Fatalf("run not finalized: %+v", out)
	}
	if len(payloads) != 1 {
		t.Fatalf("want 1 broadcast, got %d", len(payloads))
	}
}

func TestCreateOrUpdateEvents_StoreErrorsPropagate(t *testing.T) {
	inner := &fakeEvents{}
	seedEvents(&fakeStore{events: inner}, testApp, "Y")
	e := NewEngine(&fakeStoreWrap{&failingEvents{fakeEvents: inner}}, bus.NewMemoryBus(), zerolog.Nop())
	run := e.StartRun(testApp)

	c := Candidate{ExternalID: strPtr("Y"), Geom: pointGeom(), StartAt: time.Now()}
	if err := e.CreateOrUpdateEvents(context.Background(), run, testApp, []Candidate{c}, false); !errors.Is(err, errStoreDown) {
		t.Fatalf("store error must propagate, got %v", err)
	}
	if run.Seen("Y") {
		t.Fatal("failed update must not mark the externalId seen")
	}
}

var errStoreDown = errors.New("store down")

type failingEvents struct{ *fakeEvents }

func (f *failingEvents) Update(context.Context, *model.Event) (*model.Event, error) {
	return nil, errStoreDown
}

type fakeStoreWrap struct{ ev store.Events }

func (f *fakeStoreWrap) Events() store.Events               { return f.ev }
func (f *fakeStoreWrap) Apps() store.Apps                   { panic("unused") }
func (f *fakeStoreWrap) Subscriptions() store.Subscriptions { panic("unused") }
