package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicmap/civicmap/server/internal/api/recovery"
	"github.com/civicmap/civicmap/server/internal/match"
	"github.com/civicmap/civicmap/server/internal/store"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
	"github.com/civicmap/civicmap/server/internal/tiles"
)

// NewRouter wires every HTTP endpoint of the service.
func NewRouter(st store.Store, tileSvc *tiles.Service, matcher *match.Matcher, syncSvc *syncpkg.Service) *mux.Router {
	router := mux.NewRouter()

	// Global middlewares
	router.Use(recovery.Middleware)

	healthHandler := NewHealthHandler()
	tilesHandler := NewTilesHandler(tileSvc)
	subHandler := NewSubscriptionHandler(matcher, st)
	syncHandler := NewSyncHandler(syncSvc)

	// Health and metrics
	router.HandleFunc("/api/health", healthHandler.CheckHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Map surface
	router.HandleFunc("/api/tiles/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}", tilesHandler.GetTile).Methods("GET")
	router.HandleFunc("/api/clusters/{clusterId:[0-9]+}/items", tilesHandler.GetClusterItems).Methods("GET")

	// Per-user surface
	router.HandleFunc("/api/users/{userId}/newsfeed", subHandler.Newsfeed).Methods("GET")
	router.HandleFunc("/api/users/{userId}/subscriptions", subHandler.CreateSubscription).Methods("POST")
	router.HandleFunc("/api/users/{userId}/subscriptions/counts", subHandler.Counts).Methods("GET")

	// Integrations
	router.HandleFunc("/api/sync", syncHandler.ListIntegrations).Methods("GET")
	router.HandleFunc("/api/sync/{appKey}", syncHandler.RunSync).Methods("POST")

	return router
}
