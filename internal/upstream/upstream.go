// Package upstream fetches integration feeds over HTTP. Municipal
// open-data endpoints come in two shapes: a wholesale JSON array, or a
// cursor-paged feed where the next page is requested by appending an
// `_id` lower-bound fragment to the same URL until an empty page comes
// back. Every page request goes through the shared retry discipline.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
)

// Client is a retrying JSON feed client shared by all integrations.
type Client struct {
	http        *resty.Client
	log         zerolog.Logger
	maxAttempts int
}

func NewClient(log zerolog.Logger, maxAttempts int) *Client {
	c := resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(2 * time.Minute)
	return &Client{http: c, log: log, maxAttempts: maxAttempts}
}

// SetBaseURL is used by tests to point the client at a local server.
func (c *Client) SetBaseURL(u string) { c.http.SetBaseURL(u) }

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := syncpkg.RequestWithRetry(ctx, func() (*resty.Response, error) {
		r, err := c.http.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, err
		}
		if r.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", r.StatusCode(), r.String())
		}
		return r, nil
	}, c.maxAttempts)
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Body(), out)
}

// FetchAll downloads a wholesale feed: one request, one JSON array.
func (c *Client) FetchAll(ctx context.Context, url string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := c.getJSON(ctx, url, &records); err != nil {
		return nil, err
	}
	c.log.Debug().Str("url", url).Int("records", len(records)).Msg("wholesale feed fetched")
	return records, nil
}

// FetchPaged walks a cursor-paged feed. Each page is requested from
// the base URL plus an `_id` lower-bound fragment carrying the last
// record id of the previous page; an empty page terminates the walk.
// Records without an `_id` end the walk too, since the cursor cannot
// advance past them.
func (c *Client) FetchPaged(ctx context.Context, url string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	pageURL := url
	for page := 1; ; page++ {
		var records []json.RawMessage
		if err := c.getJSON(ctx, pageURL, &records); err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}
		all = append(all, records...)

		lastID, ok := recordID(records[len(records)-1])
		if !ok {
			c.log.Warn().Str("url", url).Int("page", page).Msg("paged feed record missing _id, stopping")
			break
		}
		pageURL = fmt.Sprintf("%s&_id>'%s'", url, lastID)
		c.log.Debug().Str("url", url).Int("page", page).Int("records", len(all)).Msg("feed page fetched")
	}
	return all, nil
}

func recordID(raw json.RawMessage) (string, bool) {
	var probe struct {
		ID json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	return idString(probe.ID)
}

// idString decodes a feed id, which appears both as a string and as a
// bare number.
func idString(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
