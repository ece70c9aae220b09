package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/geomutil"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity. The target database must have PostGIS installed.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a native Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

type pgStore struct{ db *sql.DB }

func (s *pgStore) Events() store.Events               { return &events{db: s.db} }
func (s *pgStore) Apps() store.Apps                   { return &apps{db: s.db} }
func (s *pgStore) Subscriptions() store.Subscriptions { return &subscriptions{db: s.db} }

// HealthPing implements health.HealthPinger for the Postgres-backed store.
func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Bootstrap performs a connectivity check to ensure Postgres is reachable.
// Schema setup is handled by compose migrations, so this is ping-only.
func Bootstrap(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.PingContext(ctx)
}

// geomColumns marshals a feature collection into its two stored forms:
// the raw GeoJSON (jsonb) and a GeometryCollection JSON consumed by
// ST_GeomFromGeoJSON for the projected spatial copy.
func geomColumns(fc *geojson.FeatureCollection) ([]byte, []byte, error) {
	if fc == nil {
		return nil, nil, fmt.Errorf("geometry is required")
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, nil, err
	}
	flat := geomutil.Flatten(fc)
	geoms := make([]interface{}, 0, len(flat.Features))
	for _, f := range flat.Features {
		geoms = append(geoms, geojson.NewGeometry(f.Geometry))
	}
	coll, err := json.Marshal(map[string]interface{}{
		"type":       "GeometryCollection",
		"geometries": geoms,
	})
	if err != nil {
		return nil, nil, err
	}
	return raw, coll, nil
}

// mercFromGeoJSON is the SQL expression producing the projected copy
// from a GeometryCollection JSON parameter.
const mercFromGeoJSON = `ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON($%d), 4326), 3857)`

// --- Events ---

type events struct{ db *sql.DB }

const eventColumns = `id, app_id, external_id, geom, start_at, end_at, is_full_day,
    name, body, url, tags, tags_data, created_at, updated_at, deleted_at, deleted_by`

func (e *events) scan(rows interface{ Scan(...interface{}) error }, geometryOnly bool) (*model.Event, error) {
	var out model.Event
	var geomRaw []byte
	if geometryOnly {
		if err := rows.Scan(&out.ID, &out.AppID, &geomRaw); err != nil {
			return nil, err
		}
	} else {
		var tagsRaw, tagsDataRaw []byte
		if err := rows.Scan(&out.ID, &out.AppID, &out.ExternalID, &geomRaw, &out.StartAt,
			&out.EndAt, &out.IsFullDay, &out.Name, &out.Body, &out.URL,
			&tagsRaw, &tagsDataRaw, &out.CreatedAt, &out.UpdatedAt,
			&out.DeletedAt, &out.DeletedBy); err != nil {
			return nil, err
		}
		if len(tagsRaw) > 0 {
			if err := json.Unmarshal(tagsRaw, &out.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		if len(tagsDataRaw) > 0 {
			if err := json.Unmarshal(tagsDataRaw, &out.TagsData); err != nil {
				return nil, fmt.Errorf("decode tagsData: %w", err)
			}
		}
	}
	if len(geomRaw) > 0 {
		fc, err := geojson.UnmarshalFeatureCollection(geomRaw)
		if err != nil {
			return nil, fmt.Errorf("decode geom: %w", err)
		}
		out.Geom = fc
	}
	return &out, nil
}

func (e *events) Find(ctx context.Context, q store.EventQuery, opts store.FindOptions) ([]*model.Event, error) {
	cols := eventColumns
	if opts.GeometryOnly {
		cols = "id, app_id, geom"
	}
	where, args := buildEventWhere(q)
	sqlText := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id`, cols, where)
	if opts.Limit > 0 {
		sqlText += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		ev, err := e.scan(rows, opts.GeometryOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (e *events) Create(ctx context.Context, ev *model.Event) (*model.Event, error) {
	raw, coll, err := geomColumns(ev.Geom)
	if err != nil {
		return nil, err
	}
	tagsRaw, _ := json.Marshal(ev.Tags)
	tagsDataRaw, _ := json.Marshal(ev.TagsData)

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := e.db.QueryRowContext(ctx, `
        INSERT INTO events (app_id, external_id, geom, geom_merc, start_at, end_at,
            is_full_day, name, body, url, tags, tags_data, created_at, updated_at)
        VALUES ($1,$2,$3,`+fmt.Sprintf(mercFromGeoJSON, 4)+`,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
        RETURNING id, created_at, updated_at
    `, ev.AppID, ev.ExternalID, raw, coll, ev.StartAt, ev.EndAt,
		ev.IsFullDay, ev.Name, ev.Body, ev.URL, tagsRaw, tagsDataRaw, createdAt)

	out := *ev
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

// eventUpdateSQL rewrites every mutable column including created_at:
// the engine backdates createdAt for historical candidates and the
// update must persist it. A zero CreatedAt keeps the stored value.
var eventUpdateSQL = `
        UPDATE events
        SET geom=$2, geom_merc=` + fmt.Sprintf(mercFromGeoJSON, 3) + `, start_at=$4, end_at=$5,
            is_full_day=$6, name=$7, body=$8, url=$9, tags=$10, tags_data=$11,
            created_at=COALESCE($12::timestamptz, created_at), updated_at=now()
        WHERE id=$1
        RETURNING created_at, updated_at`

func (e *events) Update(ctx context.Context, ev *model.Event) (*model.Event, error) {
	raw, coll, err := geomColumns(ev.Geom)
	if err != nil {
		return nil, err
	}
	tagsRaw, _ := json.Marshal(ev.Tags)
	tagsDataRaw, _ := json.Marshal(ev.TagsData)

	var createdAt interface{}
	if !ev.CreatedAt.IsZero() {
		createdAt = ev.CreatedAt
	}
	row := e.db.QueryRowContext(ctx, eventUpdateSQL,
		ev.ID, raw, coll, ev.StartAt, ev.EndAt, ev.IsFullDay,
		ev.Name, ev.Body, ev.URL, tagsRaw, tagsDataRaw, createdAt)

	out := *ev
	if err := row.Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (e *events) SoftDeleteMany(ctx context.Context, ids []int64, deletedBy string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `
        UPDATE events SET deleted_at=now(), deleted_by=$2
        WHERE id = ANY($1) AND deleted_at IS NULL
    `, ids, deletedBy)
	return err
}

func (e *events) Count(ctx context.Context, q store.EventQuery) (int64, error) {
	where, args := buildEventWhere(q)
	var n int64
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events `+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *events) List(ctx context.Context, q store.EventQuery, page, pageSize int, sort string) (*model.Page[*model.Event], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	total, err := e.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	where, args := buildEventWhere(q)
	order := orderClause(sort)
	sqlText := fmt.Sprintf(`SELECT %s FROM events %s %s LIMIT %d OFFSET %d`,
		eventColumns, where, order, pageSize, (page-1)*pageSize)
	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := &model.Page[*model.Event]{
		Rows:     []*model.Event{},
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for rows.Next() {
		ev, err := e.scan(rows, false)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.TotalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	return out, nil
}

// --- Apps ---

type apps struct{ db *sql.DB }

func (a *apps) Find(ctx context.Context) ([]*model.App, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, key, type, feed_url, feed_paged FROM apps ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.App
	for rows.Next() {
		var app model.App
		if err := rows.Scan(&app.ID, &app.Key, &app.Type, &app.FeedURL, &app.FeedPaged); err != nil {
			return nil, err
		}
		out = append(out, &app)
	}
	return out, rows.Err()
}

func (a *apps) FindByKey(ctx context.Context, key string) (*model.App, error) {
	var out model.App
	row := a.db.QueryRowContext(ctx, `SELECT id, key, type, feed_url, feed_paged FROM apps WHERE key=$1`, key)
	if err := row.Scan(&out.ID, &out.Key, &out.Type, &out.FeedURL, &out.FeedPaged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("app %q: %w", key, model.ErrNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// --- Subscriptions ---

type subscriptions struct{ db *sql.DB }

func (s *subscriptions) Create(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	raw, coll, err := geomColumns(sub.Geom)
	if err != nil {
		return nil, err
	}
	// Buffer size is derived from the geometry at write time; the
	// caller-provided value is ignored.
	buffer := geomutil.CollectionBufferSize(sub.Geom)
	appsRaw, _ := json.Marshal(sub.AppIDs)

	row := s.db.QueryRowContext(ctx, `
        INSERT INTO subscriptions (user_id, app_ids, geom, geom_merc, geom_buffer_size, frequency, active)
        VALUES ($1,$2,$3,`+fmt.Sprintf(mercFromGeoJSON, 4)+`,$5,$6,$7)
        RETURNING id, created_at
    `, sub.UserID, appsRaw, raw, coll, buffer, string(sub.Frequency), sub.Active)

	out := *sub
	out.GeomBufferSize = buffer
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

const subscriptionColumns = `id, user_id, app_ids, geom, geom_buffer_size, frequency, active, created_at`

func scanSubscription(rows interface{ Scan(...interface{}) error }) (*model.Subscription, error) {
	var out model.Subscription
	var appsRaw, geomRaw []byte
	var freq string
	if err := rows.Scan(&out.ID, &out.UserID, &appsRaw, &geomRaw,
		&out.GeomBufferSize, &freq, &out.Active, &out.CreatedAt); err != nil {
		return nil, err
	}
	out.Frequency = model.SubscriptionFrequency(freq)
	if len(appsRaw) > 0 {
		if err := json.Unmarshal(appsRaw, &out.AppIDs); err != nil {
			return nil, fmt.Errorf("decode app_ids: %w", err)
		}
	}
	if len(geomRaw) > 0 {
		fc, err := geojson.UnmarshalFeatureCollection(geomRaw)
		if err != nil {
			return nil, fmt.Errorf("decode geom: %w", err)
		}
		out.Geom = fc
	}
	return &out, nil
}

func (s *subscriptions) FindActiveByUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+subscriptionColumns+` FROM subscriptions
        WHERE user_id=$1 AND active ORDER BY id
    `, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *subscriptions) FindByIDs(ctx context.Context, ids []int64) ([]*model.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ANY($1) ORDER BY id
    `, ids)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// subscriptionCountsSQL aggregates all-time and windowed counts for a
// batch of subscriptions in one round trip. Buffering applies per
// geometry member: polygonal parts of a subscription's geometry match
// as drawn, everything else grows by geom_buffer_size.
var subscriptionCountsSQL = `
        SELECT s.id,
               COUNT(e.id) AS all_time,
               COUNT(e.id) FILTER (
                   WHERE e.created_at > $2::timestamptz - CASE s.frequency
                       WHEN 'DAY'  THEN interval '1 day'
                       WHEN 'WEEK' THEN interval '1 week'
                       ELSE interval '1 month'
                   END
               ) AS new
        FROM subscriptions s
        LEFT JOIN events e
          ON e.deleted_at IS NULL
         AND ST_Intersects(
               ST_Centroid(e.geom_merc),
               CASE WHEN s.geom_buffer_size > 0
                    THEN (SELECT ST_Collect(CASE WHEN GeometryType(d.geom) IN ('POLYGON','MULTIPOLYGON')
                                                 THEN d.geom
                                                 ELSE ST_Buffer(d.geom, s.geom_buffer_size) END)
                          FROM ST_Dump(s.geom_merc) AS d)
                    ELSE s.geom_merc
               END)
         AND (jsonb_array_length(s.app_ids) = 0
              OR e.app_id IN (SELECT value::bigint FROM jsonb_array_elements_text(s.app_ids)))
        WHERE s.id = ANY($1)
        GROUP BY s.id
        ORDER BY s.id`

// An event counts toward a subscription when its centroid intersects
// the subscription's effective geometry and its app is in the
// subscription's app set (empty set = all apps).
func (s *subscriptions) Counts(ctx context.Context, ids []int64, now time.Time) ([]model.SubscriptionCounts, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, subscriptionCountsSQL, ids, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SubscriptionCounts
	for rows.Next() {
		var c model.SubscriptionCounts
		if err := rows.Scan(&c.SubscriptionID, &c.AllTime, &c.New); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
