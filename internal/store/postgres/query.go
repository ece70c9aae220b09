package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/store"
)

// buildEventWhere renders an EventQuery into a WHERE clause and its
// positional arguments. The soft-delete scope is applied by default;
// WithDeleted disables it.
func buildEventWhere(q store.EventQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.WithDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if len(q.IDs) > 0 {
		conds = append(conds, fmt.Sprintf("id = ANY(%s)", arg(q.IDs)))
	}
	if len(q.AppIDs) > 0 {
		conds = append(conds, fmt.Sprintf("app_id = ANY(%s)", arg(q.AppIDs)))
	}
	if len(q.ExternalIDs) > 0 {
		conds = append(conds, fmt.Sprintf("external_id = ANY(%s)", arg(q.ExternalIDs)))
	}
	if len(q.Tags) > 0 {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) t WHERE t.value::bigint = ANY(%s))",
			arg(q.Tags)))
	}
	if q.CreatedAfter != nil {
		conds = append(conds, fmt.Sprintf("created_at > %s", arg(*q.CreatedAfter)))
	}
	for _, group := range q.Or {
		if len(group) == 0 {
			continue
		}
		var ors []string
		for _, clause := range group {
			var parts []string
			if len(clause.AppIDs) > 0 {
				parts = append(parts, fmt.Sprintf("app_id = ANY(%s)", arg(clause.AppIDs)))
			}
			if clause.Geom != nil {
				collJSON := clauseGeometryJSON(clause)
				geomExpr := fmt.Sprintf(
					"ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(%s), 4326), 3857)", arg(collJSON))
				if clause.BufferMeters > 0 {
					// Only non-polygonal members grow by the buffer;
					// polygons participate as drawn.
					geomExpr = fmt.Sprintf(
						"(SELECT ST_Collect(CASE WHEN GeometryType(d.geom) IN ('POLYGON','MULTIPOLYGON') THEN d.geom ELSE ST_Buffer(d.geom, %s) END) FROM ST_Dump(%s) AS d)",
						arg(clause.BufferMeters), geomExpr)
				}
				parts = append(parts, fmt.Sprintf("ST_Intersects(geom_merc, %s)", geomExpr))
			}
			if len(parts) == 0 {
				// An unrestricted clause matches everything; the whole
				// group collapses to true.
				ors = []string{"TRUE"}
				break
			}
			ors = append(ors, "("+strings.Join(parts, " AND ")+")")
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// clauseGeometryJSON collects a clause's feature geometries into one
// GeometryCollection JSON for ST_GeomFromGeoJSON.
func clauseGeometryJSON(clause store.GeomClause) []byte {
	type rawGeom struct {
		Type       string        `json:"type"`
		Geometries []interface{} `json:"geometries"`
	}
	out := rawGeom{Type: "GeometryCollection"}
	for _, f := range clause.Geom.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		out.Geometries = append(out.Geometries, geojson.NewGeometry(f.Geometry))
	}
	b, _ := json.Marshal(out)
	return b
}

// orderClause maps a caller sort expression ("startAt desc") onto a
// safe ORDER BY. Unknown fields fall back to id.
func orderClause(sort string) string {
	field, dir := "id", "ASC"
	parts := strings.Fields(strings.TrimSpace(sort))
	if len(parts) > 0 {
		switch parts[0] {
		case "startAt":
			field = "start_at"
		case "createdAt":
			field = "created_at"
		case "name":
			field = "name"
		case "id", "":
			field = "id"
		}
	}
	if len(parts) > 1 && strings.EqualFold(parts[1], "desc") {
		dir = "DESC"
	}
	return fmt.Sprintf("ORDER BY %s %s", field, dir)
}
