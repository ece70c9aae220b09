package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/civicmap/civicmap/server/internal/geocode"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
)

// Geocoder resolves a free-form address to coordinates. Implemented by
// the geocode client.
type Geocoder interface {
	Lookup(ctx context.Context, address string) (*geocode.Result, error)
}

// FeatureSource adapts a GeoJSON feature feed into sync candidates.
// Every integration shares this mapping: the feed emits features whose
// properties carry the event fields under conventional names. Records
// without a geometry fall back to geocoding their address property
// when a geocoder is configured.
type FeatureSource struct {
	client   *Client
	url      string
	paged    bool
	geocoder Geocoder
}

// SourceOption tunes a FeatureSource.
type SourceOption func(*FeatureSource)

// WithGeocoder enables the address fallback for geometry-less records.
func WithGeocoder(g Geocoder) SourceOption {
	return func(s *FeatureSource) { s.geocoder = g }
}

func NewFeatureSource(client *Client, url string, paged bool, opts ...SourceOption) *FeatureSource {
	s := &FeatureSource{client: client, url: url, paged: paged}
	for _, o := range opts {
		o(s)
	}
	return s
}

// feedFeature is one upstream record: a GeoJSON feature with the feed's
// own id alongside.
type feedFeature struct {
	ID         json.RawMessage   `json:"_id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties struct {
		ExternalID string  `json:"externalId"`
		Name       string  `json:"name"`
		Body       string  `json:"body"`
		URL        string  `json:"url"`
		Address    string  `json:"address"`
		StartAt    string  `json:"startAt"`
		EndAt      *string `json:"endAt"`
		IsFullDay  bool    `json:"isFullDay"`
		Tags       []int64 `json:"tags"`
	} `json:"properties"`
}

// Fetch downloads the feed and maps every record. Records that fail to
// parse are dropped here only when structurally broken (not valid
// JSON); semantic rejection (missing externalId) is the engine's job,
// so its invalid counters stay authoritative.
func (s *FeatureSource) Fetch(ctx context.Context) ([]syncpkg.Candidate, error) {
	var records []json.RawMessage
	var err error
	if s.paged {
		records, err = s.client.FetchPaged(ctx, s.url)
	} else {
		records, err = s.client.FetchAll(ctx, s.url)
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]syncpkg.Candidate, 0, len(records))
	for _, raw := range records {
		var f feedFeature
		if err := json.Unmarshal(raw, &f); err != nil {
			s.client.log.Warn().Err(err).Str("url", s.url).Msg("malformed feed record dropped")
			continue
		}
		candidates = append(candidates, s.candidate(ctx, &f))
	}
	return candidates, nil
}

func (s *FeatureSource) candidate(ctx context.Context, f *feedFeature) syncpkg.Candidate {
	c := syncpkg.Candidate{
		Name:      f.Properties.Name,
		Body:      f.Properties.Body,
		URL:       f.Properties.URL,
		IsFullDay: f.Properties.IsFullDay,
		Tags:      f.Properties.Tags,
	}

	if ext := f.Properties.ExternalID; ext != "" {
		c.ExternalID = &ext
	} else if id, ok := idString(f.ID); ok {
		c.ExternalID = &id
	}

	if f.Geometry != nil {
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(f.Geometry.Geometry()))
		c.Geom = fc
	} else if s.geocoder != nil && f.Properties.Address != "" {
		if loc, err := s.geocoder.Lookup(ctx, f.Properties.Address); err == nil {
			fc := geojson.NewFeatureCollection()
			fc.Append(geojson.NewFeature(orb.Point{loc.Lon, loc.Lat}))
			c.Geom = fc
		} else {
			s.client.log.Warn().Err(err).Str("address", f.Properties.Address).Msg("geocode fallback failed")
		}
	}

	if t, err := time.Parse(time.RFC3339, f.Properties.StartAt); err == nil {
		c.StartAt = t
	}
	if f.Properties.EndAt != nil {
		if t, err := time.Parse(time.RFC3339, *f.Properties.EndAt); err == nil {
			c.EndAt = &t
		}
	}
	return c
}
