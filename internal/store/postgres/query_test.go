package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/store"
)

func TestBuildEventWhere_DefaultScope(t *testing.T) {
	where, args := buildEventWhere(store.EventQuery{})
	if where != "WHERE deleted_at IS NULL" {
		t.Fatalf("unexpected where: %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildEventWhere_CleanupScanKeepsDeletedVisible(t *testing.T) {
	// the cleanup scan pages with the scope bypassed so rows retired
	// mid-scan keep their position
	where, _ := buildEventWhere(store.EventQuery{WithDeleted: true, AppIDs: []int64{3}})
	if strings.Contains(where, "deleted_at") {
		t.Fatalf("scope bypass must not filter deleted rows: %q", where)
	}
	if !strings.Contains(where, "app_id = ANY($1)") {
		t.Fatalf("missing app filter: %q", where)
	}
}

func TestBuildEventWhere_OrClausesNumbering(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{14.4, 50.0}))

	after := time.Now()
	q := store.EventQuery{
		CreatedAfter: &after,
		Or: [][]store.GeomClause{{
			{AppIDs: []int64{1, 2}, Geom: fc, BufferMeters: 1000},
			{Geom: fc},
		}},
	}
	where, args := buildEventWhere(q)
	// createdAfter + (apps, geom, buffer) + (geom) = 5 args
	if len(args) != 5 {
		t.Fatalf("want 5 args, got %d (%q)", len(args), where)
	}
	for i := 1; i <= 5; i++ {
		if !strings.Contains(where, "$"+string(rune('0'+i))) {
			t.Fatalf("missing parameter $%d in %q", i, where)
		}
	}
	if !strings.Contains(where, "ST_Buffer") {
		t.Fatalf("buffered clause must use ST_Buffer: %q", where)
	}
	if !strings.Contains(where, " OR ") {
		t.Fatalf("clauses must be OR-joined: %q", where)
	}
}

func TestBuildEventWhere_UnrestrictedClauseCollapses(t *testing.T) {
	q := store.EventQuery{Or: [][]store.GeomClause{{{}}}}
	where, _ := buildEventWhere(q)
	if !strings.Contains(where, "(TRUE)") {
		t.Fatalf("empty clause should collapse to TRUE: %q", where)
	}
}

func TestBuildEventWhere_OrGroupsConjoined(t *testing.T) {
	q := store.EventQuery{Or: [][]store.GeomClause{
		{{AppIDs: []int64{1}}},
		{{AppIDs: []int64{2}}},
	}}
	where, args := buildEventWhere(q)
	if len(args) != 2 {
		t.Fatalf("want 2 args, got %d (%q)", len(args), where)
	}
	// each group is its own AND-ed conjunct
	if !strings.Contains(where, "((app_id = ANY($1))) AND ((app_id = ANY($2)))") {
		t.Fatalf("groups must be AND-ed: %q", where)
	}
}

func TestBuildEventWhere_BufferSkipsPolygonMembers(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{14.4, 50.0}))
	fc.Append(geojson.NewFeature(orb.Polygon{{{14, 50}, {15, 50}, {15, 51}, {14, 50}}}))

	q := store.EventQuery{Or: [][]store.GeomClause{{{Geom: fc, BufferMeters: 1000}}}}
	where, _ := buildEventWhere(q)
	// buffering is per member: polygons pass through unbuffered
	if !strings.Contains(where, "GeometryType(d.geom) IN ('POLYGON','MULTIPOLYGON')") {
		t.Fatalf("polygon members must be exempt from the buffer: %q", where)
	}
	if !strings.Contains(where, "ST_Dump") || !strings.Contains(where, "ST_Buffer(d.geom") {
		t.Fatalf("buffer must apply to dumped members only: %q", where)
	}
}

func TestEventUpdateStatement_PersistsCreatedAt(t *testing.T) {
	if !strings.Contains(eventUpdateSQL, "created_at=COALESCE($12::timestamptz, created_at)") {
		t.Fatalf("update must write a caller-set created_at: %s", eventUpdateSQL)
	}
}

func TestSubscriptionCountsStatement_BuffersPerMember(t *testing.T) {
	if !strings.Contains(subscriptionCountsSQL, "GeometryType(d.geom) IN ('POLYGON','MULTIPOLYGON')") {
		t.Fatalf("counts must leave polygon members unbuffered: %s", subscriptionCountsSQL)
	}
}

func TestOrderClause(t *testing.T) {
	cases := map[string]string{
		"":              "ORDER BY id ASC",
		"startAt desc":  "ORDER BY start_at DESC",
		"createdAt":     "ORDER BY created_at ASC",
		"drop table ;":  "ORDER BY id ASC",
		"name DESC":     "ORDER BY name DESC",
	}
	for in, want := range cases {
		if got := orderClause(in); got != want {
			t.Fatalf("orderClause(%q): want %q, got %q", in, want, got)
		}
	}
}
