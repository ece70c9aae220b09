// Package geocode resolves free-form addresses to WGS84 coordinates
// during feed ingestion. Upstream feeds repeat the same addresses run
// after run, so results are cached on the bus under a TTL.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/model"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
)

// Result is one resolved address.
type Result struct {
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
	Label string  `json:"label"`
}

// Client looks up addresses against a Nominatim-style search endpoint.
type Client struct {
	http        *resty.Client
	bus         bus.Bus
	ttl         time.Duration
	log         zerolog.Logger
	maxAttempts int
}

func NewClient(baseURL string, b bus.Bus, ttl time.Duration, log zerolog.Logger, maxAttempts int) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)
	return &Client{http: c, bus: b, ttl: ttl, log: log, maxAttempts: maxAttempts}
}

// searchRow mirrors the Nominatim search response; coordinates arrive
// as strings.
type searchRow struct {
	Lon         string `json:"lon"`
	Lat         string `json:"lat"`
	DisplayName string `json:"display_name"`
}

// Lookup resolves an address, serving repeated lookups from the cache.
// Addresses the endpoint cannot resolve return model.ErrNotFound; the
// miss is not cached, so a later run retries.
func (c *Client) Lookup(ctx context.Context, address string) (*Result, error) {
	key := "geocode:" + address
	if cached, err := c.bus.Get(ctx, key); err == nil {
		var r Result
		if err := json.Unmarshal(cached, &r); err == nil {
			return &r, nil
		}
	}

	resp, err := syncpkg.RequestWithRetry(ctx, func() (*resty.Response, error) {
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("q", address).
			SetQueryParam("format", "json").
			SetQueryParam("limit", "1").
			Get("/search")
		if err != nil {
			return nil, err
		}
		if r.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", r.StatusCode(), r.String())
		}
		return r, nil
	}, c.maxAttempts)
	if err != nil {
		return nil, err
	}

	var rows []searchRow
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("address %q: %w", address, model.ErrNotFound)
	}

	lon, err := strconv.ParseFloat(rows[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lon %q: %w", rows[0].Lon, err)
	}
	lat, err := strconv.ParseFloat(rows[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lat %q: %w", rows[0].Lat, err)
	}

	result := &Result{Lon: lon, Lat: lat, Label: rows[0].DisplayName}
	if payload, err := json.Marshal(result); err == nil {
		if err := c.bus.Set(ctx, key, payload, c.ttl); err != nil {
			c.log.Warn().Err(err).Str("address", address).Msg("geocode cache write failed")
		}
	}
	return result, nil
}
