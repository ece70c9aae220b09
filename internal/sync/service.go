package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/metrics"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// Source produces the full current candidate snapshot of one upstream
// feed. A source is registered under the app key it feeds.
type Source interface {
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Service runs complete integration passes: fetch, reconcile, retire.
type Service struct {
	engine *Engine
	store  store.Store
	log    zerolog.Logger

	mu      sync.RWMutex
	sources map[string]Source
}

func NewService(engine *Engine, st store.Store, log zerolog.Logger) *Service {
	return &Service{
		engine:  engine,
		store:   st,
		log:     log,
		sources: make(map[string]Source),
	}
}

// Register binds a source to an app key. Re-registering replaces the
// previous source.
func (s *Service) Register(appKey string, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[appKey] = src
}

// AppKeys lists the registered integrations, sorted.
func (s *Service) AppKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sources))
	for k := range s.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run executes one full pass for an app: fetch the snapshot, create or
// update every candidate, retire events that disappeared upstream. A
// fetch failure aborts before any write, so the store keeps the
// previous snapshot intact.
func (s *Service) Run(ctx context.Context, appKey string) (*Run, error) {
	s.mu.RLock()
	src, ok := s.sources[appKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no integration registered for app %q: %w", appKey, model.ErrNotFound)
	}

	app, err := s.store.Apps().FindByKey(ctx, appKey)
	if err != nil {
		return nil, err
	}

	run := s.engine.StartRun(app)

	candidates, err := src.Fetch(ctx)
	if err != nil {
		metrics.SyncRunsCounter.WithLabelValues(appKey, "fetch_failed").Inc()
		s.log.Error().Err(err).Str("app", appKey).Msg("sync aborted: upstream fetch failed")
		return nil, err
	}

	if err := s.engine.CreateOrUpdateEvents(ctx, run, app, candidates, false); err != nil {
		metrics.SyncRunsCounter.WithLabelValues(appKey, "store_failed").Inc()
		return nil, err
	}
	if _, err := s.engine.CleanupStaleEvents(ctx, run, app); err != nil {
		metrics.SyncRunsCounter.WithLabelValues(appKey, "cleanup_failed").Inc()
		return nil, err
	}
	return s.engine.FinishRun(ctx, run), nil
}
