package store

import (
	"context"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/model"
)

// Store exposes persistence operations required by the engine.
// Implementations live under internal/store/<driver>/ (postgres).
type Store interface {
	Events() Events
	Apps() Apps
	Subscriptions() Subscriptions
}

// GeomClause is one spatial/attribute clause of an event filter:
// events owned by one of AppIDs (empty = unrestricted) whose geometry
// intersects Geom expanded by BufferMeters. BufferMeters is zero for
// polygonal geometries, which match as-is.
type GeomClause struct {
	AppIDs       []int64                    `json:"apps,omitempty"`
	Geom         *geojson.FeatureCollection `json:"geom,omitempty"`
	BufferMeters float64                    `json:"bufferMeters,omitempty"`
}

// EventQuery filters events. All set fields are combined with AND.
type EventQuery struct {
	IDs          []int64    `json:"ids,omitempty"`
	AppIDs       []int64    `json:"apps,omitempty"`
	ExternalIDs  []string   `json:"externalIds,omitempty"`
	Tags         []int64    `json:"tags,omitempty"`
	CreatedAfter *time.Time `json:"createdAfter,omitempty"`

	// Or is a conjunction of OR-groups: clauses within a group are
	// OR-ed, and every group must hold. A caller refining a query that
	// already carries a group appends its own instead of overwriting.
	Or [][]GeomClause `json:"or,omitempty"`

	// WithDeleted bypasses the default soft-delete scope so deleted
	// rows stay visible. The cleanup scan relies on this: rows
	// soft-deleted mid-scan keep their position and page offsets
	// stay stable.
	WithDeleted bool `json:"withDeleted,omitempty"`
}

// FindOptions tunes what Find populates.
type FindOptions struct {
	// GeometryOnly fetches only id and geometry columns; used by the
	// cluster index build where nothing else is needed.
	GeometryOnly bool
	// Limit caps the result set; zero means no limit.
	Limit int
}

type Events interface {
	Find(ctx context.Context, q EventQuery, opts FindOptions) ([]*model.Event, error)
	Create(ctx context.Context, e *model.Event) (*model.Event, error)
	Update(ctx context.Context, e *model.Event) (*model.Event, error)
	// SoftDeleteMany stamps deleted_at/deleted_by on the given rows.
	SoftDeleteMany(ctx context.Context, ids []int64, deletedBy string) error
	Count(ctx context.Context, q EventQuery) (int64, error)
	List(ctx context.Context, q EventQuery, page, pageSize int, sort string) (*model.Page[*model.Event], error)
}

type Apps interface {
	Find(ctx context.Context) ([]*model.App, error)
	FindByKey(ctx context.Context, key string) (*model.App, error)
}

type Subscriptions interface {
	// Create derives GeomBufferSize from the geometry before insert.
	Create(ctx context.Context, s *model.Subscription) (*model.Subscription, error)
	FindActiveByUser(ctx context.Context, userID string) ([]*model.Subscription, error)
	FindByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error)
	// Counts performs the batched spatial aggregation: for every
	// subscription id, the all-time count of intersecting events and
	// the count of those created after now-frequency window.
	Counts(ctx context.Context, ids []int64, now time.Time) ([]model.SubscriptionCounts, error)
}
