// Package civicservice wires the civic event engine together: store,
// bus, tile service, matcher, integrations and the HTTP server.
package civicservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/api"
	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/cluster"
	"github.com/civicmap/civicmap/server/internal/config"
	"github.com/civicmap/civicmap/server/internal/geocode"
	"github.com/civicmap/civicmap/server/internal/health"
	"github.com/civicmap/civicmap/server/internal/logger"
	"github.com/civicmap/civicmap/server/internal/match"
	"github.com/civicmap/civicmap/server/internal/store"
	"github.com/civicmap/civicmap/server/internal/store/postgres"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
	"github.com/civicmap/civicmap/server/internal/tiles"
	"github.com/civicmap/civicmap/server/internal/upstream"
)

// Run starts the civic event service HTTP server and blocks until
// shutdown or error.
func Run() error {
	log := logger.New("civic-service")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Int("http_port", cfg.HTTPPort).
		Str("redis_addr", cfg.RedisAddr).
		Float64("cluster_radius", cfg.ClusterRadius).
		Int("cluster_max_zoom", cfg.ClusterMaxZoom).
		Msg("Civic service starting")

	// Create cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := newServerContext()
	defer stop()

	st, b, err := initDependencies(cfg, log)
	if err != nil {
		return err
	}

	tileSvc := tiles.New(st, b, log, clusterOptions(cfg))
	matcher := match.New(st, log)
	engine := syncpkg.NewEngine(st, b, log, syncpkg.WithCleanupPageSize(cfg.SyncCleanupPageSize))
	syncSvc := syncpkg.NewService(engine, st, log)

	if err := registerIntegrations(ctx, cfg, log, st, b, syncSvc); err != nil {
		return err
	}
	if err := wireBusSignals(ctx, b, tileSvc, log); err != nil {
		return err
	}

	router := api.NewRouter(st, tileSvc, matcher, syncSvc)

	// Start health checkers and bind service health
	svcHealth := startHealthCheckers(ctx, cfg, log, st, b)

	// Block startup until dependencies report healthy; fail fast otherwise
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	// Eager default index build; development skips it to keep restarts fast.
	if !cfg.IsDevelopment() {
		if err := tileSvc.Warmup(ctx); err != nil {
			log.Warn().Err(err).Msg("default index warmup failed; first tile request will retry")
		}
	}

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	// Graceful shutdown on context cancel or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// initDependencies constructs the store and the bus, failing fast when
// either backing service is unreachable.
func initDependencies(cfg *config.Config, log zerolog.Logger) (store.Store, bus.Bus, error) {
	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Postgres unavailable")
		return nil, nil, err
	}
	st := postgres.NewWithDB(db)

	var b bus.Bus
	if cfg.IsTesting() {
		b = bus.NewMemoryBus()
	} else {
		rb, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Error().Stack().Err(err).Msg("Redis unavailable")
			return nil, nil, err
		}
		b = rb
	}
	return st, b, nil
}

func clusterOptions(cfg *config.Config) cluster.Options {
	opts := cluster.DefaultOptions()
	opts.Radius = cfg.ClusterRadius
	opts.Extent = float64(cfg.ClusterExtent)
	opts.MinZoom = cfg.ClusterMinZoom
	opts.MaxZoom = cfg.ClusterMaxZoom
	return opts
}

// registerIntegrations binds a feed source to every app that carries a
// feed URL. The geocode fallback is enabled when a geocode endpoint is
// configured.
func registerIntegrations(ctx context.Context, cfg *config.Config, log zerolog.Logger, st store.Store, b bus.Bus, syncSvc *syncpkg.Service) error {
	apps, err := st.Apps().Find(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Failed to list apps")
		return err
	}

	client := upstream.NewClient(log, cfg.SyncMaxAttempts)
	var srcOpts []upstream.SourceOption
	if cfg.GeocodeURL != "" {
		geo := geocode.NewClient(cfg.GeocodeURL, b,
			time.Duration(cfg.GeocodeCacheTTL)*time.Second, log, cfg.SyncMaxAttempts)
		srcOpts = append(srcOpts, upstream.WithGeocoder(geo))
	}

	registered := 0
	for _, app := range apps {
		if app.FeedURL == "" {
			continue
		}
		syncSvc.Register(app.Key, upstream.NewFeatureSource(client, app.FeedURL, app.FeedPaged, srcOpts...))
		registered++
	}
	log.Info().Int("integrations", registered).Msg("integrations registered")
	return nil
}

// wireBusSignals connects the tile service to the renew/clean channels
// and re-broadcasts finished sync runs as renew signals so every
// process rebuilds its indexes off the fresh data.
func wireBusSignals(ctx context.Context, b bus.Bus, tileSvc *tiles.Service, log zerolog.Logger) error {
	if err := tileSvc.Listen(ctx); err != nil {
		return err
	}
	return b.Subscribe(ctx, bus.SyncFinished, func(_ string, _ []byte) {
		if err := b.Emit(ctx, bus.EventsRenew, nil); err != nil {
			log.Warn().Err(err).Msg("renew broadcast after sync failed")
		}
	})
}

// startHealthCheckers starts component checkers and the service-level
// aggregator; binds service health for /api/health.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st store.Store, b bus.Bus) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	storeChecker := store.NewStoreHealthChecker(st, log, probeTimeout)
	go storeChecker.Start(ctx, interval)

	busChecker := bus.NewBusHealthChecker(b, log, probeTimeout)
	go busChecker.Start(ctx, interval)

	svcHealth := health.NewServiceHealthChecker(log, storeChecker, busChecker)
	go svcHealth.Start(ctx, interval)
	api.BindServiceHealth(svcHealth.IsHealthy)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns the startup health timeout in
// seconds, calculated as interval*2 with a minimum of 60 seconds.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
