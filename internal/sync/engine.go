// Package sync implements the shared upstream-to-store reconciliation
// discipline used by every integration: create or update events by
// their upstream identity, then retire events no longer present.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/metrics"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// initialAge is the threshold past which a candidate is treated as a
// historical backfill: its createdAt is forced to startAt so it does
// not surface as "new" in time-windowed views.
const initialAge = 30 * 24 * time.Hour

// Candidate is one upstream record mapped into the shared shape by an
// integration's field mapping.
type Candidate struct {
	ExternalID *string
	Geom       *geojson.FeatureCollection
	StartAt    time.Time
	EndAt      *time.Time
	IsFullDay  bool
	Name       string
	Body       string
	URL        string
	Tags       []int64
	TagsData   map[int64]float64
}

// Engine reconciles integration snapshots against the event store.
// The Engine itself is stateless across runs; all mutable run state
// lives in the Run value returned by StartRun.
type Engine struct {
	store           store.Store
	bus             bus.Bus
	log             zerolog.Logger
	cleanupPageSize int
	now             func() time.Time
}

// Option tunes an Engine.
type Option func(*Engine)

// WithCleanupPageSize overrides the cleanup page size (default 5000).
func WithCleanupPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cleanupPageSize = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, b bus.Bus, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		bus:             b,
		log:             log,
		cleanupPageSize: 5000,
		now:             time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// StartRun initializes the state for one integration invocation. It
// must be called exactly once before any other run-scoped method.
func (e *Engine) StartRun(app *model.App) *Run {
	run := newRun(app.Key, e.now())
	e.log.Info().Str("app", app.Key).Time("start", run.StartTime).Msg("sync run started")
	return run
}

// CreateOrUpdateEvent processes a single candidate. Unlike the batch
// form the rejection is surfaced: a candidate without an externalId is
// counted invalid and ErrInvalidCandidate is returned.
func (e *Engine) CreateOrUpdateEvent(ctx context.Context, run *Run, app *model.App, c Candidate, initial bool) error {
	if err := e.CreateOrUpdateEvents(ctx, run, app, []Candidate{c}, initial); err != nil {
		return err
	}
	if c.ExternalID == nil || *c.ExternalID == "" {
		return model.ErrInvalidCandidate
	}
	return nil
}

// CreateOrUpdateEvents processes a batch of candidates for one app.
// Existing events are prefetched by externalId set in a single store
// query. Candidates without an externalId can never be deduplicated
// and are counted invalid, never stored. Store errors propagate to the
// caller unmodified.
func (e *Engine) CreateOrUpdateEvents(ctx context.Context, run *Run, app *model.App, candidates []Candidate, initial bool) error {
	externalIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ExternalID != nil && *c.ExternalID != "" {
			externalIDs = append(externalIDs, *c.ExternalID)
		}
	}

	existing := make(map[string]*model.Event, len(externalIDs))
	if len(externalIDs) > 0 {
		found, err := e.store.Events().Find(ctx, store.EventQuery{
			AppIDs:      []int64{app.ID},
			ExternalIDs: externalIDs,
		}, store.FindOptions{})
		if err != nil {
			return err
		}
		for _, ev := range found {
			if ev.ExternalID != nil {
				existing[*ev.ExternalID] = ev
			}
		}
	}

	for _, c := range candidates {
		run.Total++

		if c.ExternalID == nil || *c.ExternalID == "" {
			run.Invalid.Total++
			metrics.SyncEventsCounter.WithLabelValues(app.Key, "invalid").Inc()
			e.log.Debug().Str("app", app.Key).Str("name", c.Name).Msg("candidate rejected: no external id")
			continue
		}

		// The 30-day rule is evaluated per candidate; one old record
		// must not flip the flag for the rest of the batch.
		candidateInitial := initial || e.now().Sub(c.StartAt) > initialAge

		if prev, ok := existing[*c.ExternalID]; ok {
			updated := applyCandidate(prev, c)
			if candidateInitial {
				updated.CreatedAt = c.StartAt
			}
			if _, err := e.store.Events().Update(ctx, updated); err != nil {
				return err
			}
			run.Valid.Total++
			run.Valid.Updated++
			metrics.SyncEventsCounter.WithLabelValues(app.Key, "updated").Inc()
		} else {
			ev := &model.Event{AppID: app.ID, ExternalID: c.ExternalID}
			ev = applyCandidate(ev, c)
			if candidateInitial {
				ev.CreatedAt = c.StartAt
			}
			created, err := e.store.Events().Create(ctx, ev)
			if err != nil {
				return err
			}
			existing[*c.ExternalID] = created
			run.Valid.Total++
			run.Valid.Inserted++
			metrics.SyncEventsCounter.WithLabelValues(app.Key, "inserted").Inc()
		}

		run.markSeen(*c.ExternalID)
	}
	return nil
}

func applyCandidate(ev *model.Event, c Candidate) *model.Event {
	out := *ev
	out.Geom = c.Geom
	out.StartAt = c.StartAt
	out.EndAt = c.EndAt
	out.IsFullDay = c.IsFullDay
	out.Name = c.Name
	out.Body = c.Body
	out.URL = c.URL
	out.Tags = c.Tags
	out.TagsData = c.TagsData
	return &out
}

// CleanupStaleEvents pages through all events of the given apps with
// the soft-delete scope bypassed, so rows retired mid-scan keep their
// position and page offsets stay stable, and soft-deletes every live
// row whose externalId was not seen this run. Rows without an
// externalId and already-deleted rows are never touched. Returns the
// number of retired events.
func (e *Engine) CleanupStaleEvents(ctx context.Context, run *Run, apps ...*model.App) (int, error) {
	appIDs := make([]int64, 0, len(apps))
	for _, a := range apps {
		appIDs = append(appIDs, a.ID)
	}
	q := store.EventQuery{AppIDs: appIDs, WithDeleted: true}

	total, err := e.store.Events().Count(ctx, q)
	if err != nil {
		return 0, err
	}

	retired := 0
	var scanned int64
	for page := 1; ; page++ {
		res, err := e.store.Events().List(ctx, q, page, e.cleanupPageSize, "id")
		if err != nil {
			return retired, err
		}
		if page > res.TotalPages {
			break
		}
		if len(res.Rows) == 0 {
			// empty page mid-scan: skip and continue with the next one
			continue
		}

		var stale []int64
		for _, ev := range res.Rows {
			if ev.Deleted() || ev.ExternalID == nil {
				continue
			}
			if !run.Seen(*ev.ExternalID) {
				stale = append(stale, ev.ID)
			}
		}
		if len(stale) > 0 {
			if err := e.store.Events().SoftDeleteMany(ctx, stale, "sync:"+run.AppKey); err != nil {
				return retired, err
			}
			retired += len(stale)
			metrics.SyncEventsCounter.WithLabelValues(run.AppKey, "retired").Add(float64(len(stale)))
		}

		scanned += int64(len(res.Rows))
		pct, eta := run.progress(scanned, total, e.now())
		e.log.Info().
			Str("app", run.AppKey).
			Int64("scanned", scanned).
			Int64("total", total).
			Float64("percentage", pct).
			Time("estimated_end", eta).
			Msg("cleanup progress")
	}
	return retired, nil
}

// FinishRun stamps the end time, broadcasts the final stats on the bus
// and returns the run snapshot.
func (e *Engine) FinishRun(ctx context.Context, run *Run) *Run {
	run.EndTime = e.now()
	run.Duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()

	payload, _ := json.Marshal(run)
	if err := e.bus.Emit(ctx, bus.SyncFinished, payload); err != nil {
		e.log.Warn().Err(err).Str("app", run.AppKey).Msg("sync finished broadcast failed")
	}
	metrics.SyncRunsCounter.WithLabelValues(run.AppKey, "ok").Inc()

	e.log.Info().
		Str("app", run.AppKey).
		Int("total", run.Total).
		Int("inserted", run.Valid.Inserted).
		Int("updated", run.Valid.Updated).
		Int("invalid", run.Invalid.Total).
		Str("duration", run.Duration).
		Msg("sync run finished")
	return run
}
