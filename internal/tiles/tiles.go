// Package tiles serves the map surface: it keeps one cluster index per
// canonical query, builds indexes lazily with singleton in-flight
// builds, and encodes tile queries as Mapbox Vector Tiles.
package tiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/cluster"
	"github.com/civicmap/civicmap/server/internal/geomutil"
	"github.com/civicmap/civicmap/server/internal/metrics"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// DefaultKey is the canonical key of the unfiltered index.
const DefaultKey = "default"

// tileLayer is the single layer name in every emitted vector tile.
const tileLayer = "events"

// tileCacheTTL bounds how long an encoded tile may be served from the
// bus cache before the index is consulted again.
const tileCacheTTL = time.Hour

// Service owns the cluster index cache and the tile encoding pipeline.
type Service struct {
	store store.Store
	bus   bus.Bus
	log   zerolog.Logger
	opts  cluster.Options

	group   singleflight.Group
	mu      sync.Mutex        // serializes index-map and generation updates
	gen     map[string]uint64 // per-key renew generation, guarded by mu
	indexes atomic.Value      // map[string]*cluster.Index, copy on write
}

func New(st store.Store, b bus.Bus, log zerolog.Logger, opts cluster.Options) *Service {
	s := &Service{store: st, bus: b, log: log, opts: opts, gen: map[string]uint64{}}
	s.indexes.Store(map[string]*cluster.Index{})
	return s
}

// CanonicalKey normalizes the caller-supplied query into the cache key
// and the store query it stands for. An empty query is the default
// index; anything else must be a JSON event filter, re-serialized so
// equivalent filters share one key.
func CanonicalKey(query string) (string, store.EventQuery, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return DefaultKey, store.EventQuery{}, nil
	}
	var q store.EventQuery
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return "", store.EventQuery{}, fmt.Errorf("invalid query filter: %w", err)
	}
	canonical, err := json.Marshal(q)
	if err != nil {
		return "", store.EventQuery{}, err
	}
	return string(canonical), q, nil
}

// GetFeatureCollection fetches the geometry-only events matching the
// query and flattens them into one combined feature collection, each
// feature tagged with its entity id. This collection is the sole input
// to an index build.
func (s *Service) GetFeatureCollection(ctx context.Context, q store.EventQuery) (*geojson.FeatureCollection, error) {
	events, err := s.store.Events().Find(ctx, q, store.FindOptions{GeometryOnly: true})
	if err != nil {
		return nil, err
	}
	combined := geojson.NewFeatureCollection()
	for _, ev := range events {
		for _, f := range geomutil.Flatten(ev.Geom).Features {
			nf := geojson.NewFeature(f.Geometry)
			nf.Properties = geojson.Properties{"id": ev.ID}
			combined.Append(nf)
		}
	}
	return combined, nil
}

func (s *Service) snapshot() map[string]*cluster.Index {
	return s.indexes.Load().(map[string]*cluster.Index)
}

// buildGen records that a build for the key is starting and returns
// the key's current renew generation. A renew issued while the build
// runs advances the generation, which voids the build's result.
func (s *Service) buildGen(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.gen[key]
	s.gen[key] = g
	return g
}

// storeIndex publishes a completed build unless the key was renewed
// while it ran; a voided build's snapshot predates the renew and must
// not repopulate the cache. Reports whether the index was stored.
func (s *Service) storeIndex(key string, idx *cluster.Index, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[key] != gen {
		return false
	}
	old := s.snapshot()
	next := make(map[string]*cluster.Index, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = idx
	s.indexes.Store(next)
	return true
}

// invalidate advances the key's generation, drops the cached index and
// forgets the in-flight singleton so the next request starts a fresh
// build.
func (s *Service) invalidate(key string) {
	s.mu.Lock()
	s.gen[key]++
	old := s.snapshot()
	if _, ok := old[key]; ok {
		next := make(map[string]*cluster.Index, len(old))
		for k, v := range old {
			if k != key {
				next[k] = v
			}
		}
		s.indexes.Store(next)
	}
	s.mu.Unlock()
	s.group.Forget(key)
}

// index returns the ready index for a key, building it if absent. At
// most one build runs per key; concurrent callers share the result or
// the failure. Builds are never cancelled mid-flight: a caller that
// gives up still leaves a completed index behind for the next one.
func (s *Service) index(ctx context.Context, key string, q store.EventQuery) (*cluster.Index, error) {
	if idx, ok := s.snapshot()[key]; ok {
		return idx, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if idx, ok := s.snapshot()[key]; ok {
			return idx, nil
		}
		gen := s.buildGen(key)
		start := time.Now()
		fc, err := s.GetFeatureCollection(context.WithoutCancel(ctx), q)
		if err != nil {
			metrics.IndexBuildsCounter.WithLabelValues(key, "error").Inc()
			return nil, err
		}
		idx := cluster.New(pointsFromCollection(fc), s.opts)
		if !s.storeIndex(key, idx, gen) {
			s.log.Info().Str("query_key", key).Msg("index build voided by renew")
		}

		elapsed := time.Since(start)
		metrics.IndexBuildsCounter.WithLabelValues(key, "ok").Inc()
		metrics.IndexBuildDurationHistogram.WithLabelValues(key).Observe(elapsed.Seconds())
		s.log.Info().
			Str("query_key", key).
			Int("features", len(fc.Features)).
			Dur("elapsed", elapsed).
			Msg("cluster index built")
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cluster.Index), nil
}

// pointsFromCollection reduces each feature to one representative
// point: the geometry itself for points, the planar centroid otherwise.
func pointsFromCollection(fc *geojson.FeatureCollection) []cluster.Point {
	points := make([]cluster.Point, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		var c orb.Point
		if p, ok := f.Geometry.(orb.Point); ok {
			c = p
		} else {
			c = geomutil.GeometryCentroid(f.Geometry)
		}
		var id int64
		if v, ok := f.Properties["id"]; ok {
			switch n := v.(type) {
			case int64:
				id = n
			case float64:
				id = int64(n)
			}
		}
		points = append(points, cluster.Point{Lon: c.Lon(), Lat: c.Lat(), ID: id})
	}
	return points
}

// GetTile renders one vector tile for the query's index. The result is
// a protobuf-encoded MVT with a single "events" layer; a tile with no
// data encodes to an empty layer, not an error. Encoded tiles are
// cached on the bus until the next renew.
func (s *Service) GetTile(ctx context.Context, z, x, y int, query string) ([]byte, error) {
	key, q, err := CanonicalKey(query)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("tiles:%s:%d/%d/%d", key, z, x, y)
	if cached, err := s.bus.Get(ctx, cacheKey); err == nil {
		metrics.TilesServedCounter.WithLabelValues(key).Inc()
		return cached, nil
	}

	idx, err := s.index(ctx, key, q)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range idx.TileFeatures(z, x, y) {
		gf := geojson.NewFeature(orb.Point{f.Lon, f.Lat})
		if f.Cluster {
			gf.Properties = geojson.Properties{
				"cluster":     true,
				"cluster_id":  f.ClusterID,
				"point_count": f.PointCount,
			}
		} else {
			gf.Properties = geojson.Properties{"id": f.SourceID}
		}
		fc.Append(gf)
	}

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{tileLayer: fc})
	layers.ProjectToTile(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
	data, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("encode tile %d/%d/%d: %w", z, x, y, err)
	}

	if err := s.bus.Set(ctx, cacheKey, data, tileCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("tile cache write failed")
	}
	metrics.TilesServedCounter.WithLabelValues(key).Inc()
	return data, nil
}

// GetClusterItems expands a cluster to its leaf entities and returns
// the requested page of events. An unknown or leafless cluster id gets
// an empty page, not an error.
func (s *Service) GetClusterItems(ctx context.Context, clusterID int64, page, pageSize int, sort, query string) (*model.Page[*model.Event], error) {
	key, q, err := CanonicalKey(query)
	if err != nil {
		return nil, err
	}
	idx, err := s.index(ctx, key, q)
	if err != nil {
		return nil, err
	}

	leaves, err := idx.Leaves(clusterID, 0, 0)
	if err != nil {
		if errors.Is(err, cluster.ErrNoCluster) {
			return &model.Page[*model.Event]{Rows: []*model.Event{}, Page: page, PageSize: pageSize}, nil
		}
		return nil, err
	}

	seen := make(map[int64]struct{}, len(leaves))
	ids := make([]int64, 0, len(leaves))
	for _, leaf := range leaves {
		if _, ok := seen[leaf.ID]; ok {
			continue
		}
		seen[leaf.ID] = struct{}{}
		ids = append(ids, leaf.ID)
	}
	if len(ids) == 0 {
		return &model.Page[*model.Event]{Rows: []*model.Event{}, Page: page, PageSize: pageSize}, nil
	}
	return s.store.Events().List(ctx, store.EventQuery{IDs: ids}, page, pageSize, sort)
}

// Renew discards one index and any in-flight build of it so the next
// request rebuilds from a fresh snapshot, and clears its cached tiles.
func (s *Service) Renew(ctx context.Context, key string) {
	s.invalidate(key)
	if err := s.bus.Clean(ctx, "tiles:"+key+":*"); err != nil {
		s.log.Warn().Err(err).Str("query_key", key).Msg("tile cache clean failed")
	}
	s.log.Info().Str("query_key", key).Msg("cluster index renewed")
}

// RenewAll discards every index, every in-flight build and all cached
// tiles.
func (s *Service) RenewAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.gen))
	for k := range s.gen {
		s.gen[k]++
		keys = append(keys, k)
	}
	s.indexes.Store(map[string]*cluster.Index{})
	s.mu.Unlock()
	for _, k := range keys {
		s.group.Forget(k)
	}
	if err := s.bus.Clean(ctx, "tiles:*"); err != nil {
		s.log.Warn().Err(err).Msg("tile cache clean failed")
	}
	s.log.Info().Msg("all cluster indexes renewed")
}

// Warmup eagerly builds the default index so the first map view does
// not pay the build latency. Skipped by the caller in development.
func (s *Service) Warmup(ctx context.Context) error {
	_, err := s.index(ctx, DefaultKey, store.EventQuery{})
	return err
}

// Listen wires the service to the bus renew/clean signals. Handlers
// only dispatch; rebuild work runs on its own goroutine.
func (s *Service) Listen(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, bus.EventsRenew, func(_ string, payload []byte) {
		key := strings.TrimSpace(string(payload))
		go func() {
			if key == "" || key == "*" {
				s.RenewAll(ctx)
				if err := s.Warmup(ctx); err != nil {
					s.log.Error().Err(err).Msg("default index rebuild failed")
				}
				return
			}
			s.Renew(ctx, key)
		}()
	}); err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, bus.CacheCleanEvents, func(_ string, payload []byte) {
		pattern := strings.TrimSpace(string(payload))
		if pattern == "" {
			pattern = "tiles:*"
		}
		go func() {
			if err := s.bus.Clean(ctx, pattern); err != nil {
				s.log.Warn().Err(err).Str("pattern", pattern).Msg("cache clean failed")
			}
		}()
	})
}
