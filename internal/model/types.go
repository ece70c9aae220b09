package model

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// App is a named upstream source. Its Key identifies the integration
// (e.g. "prague-permits"), Type is the coarser category used for stats
// grouping. FeedURL points at the upstream feed; FeedPaged selects the
// cursor-paged fetch mode. Apps are read by the sync engine and
// matcher, never written.
type App struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	FeedURL   string `json:"feedUrl,omitempty"`
	FeedPaged bool   `json:"feedPaged,omitempty"`
}

// Event is one geo-tagged civic record (permit, felling, stocking,
// planning notice) owned by exactly one App.
type Event struct {
	ID         int64                      `json:"id"`
	AppID      int64                      `json:"appId"`
	ExternalID *string                    `json:"externalId,omitempty"`
	Geom       *geojson.FeatureCollection `json:"geom,omitempty"`
	StartAt    time.Time                  `json:"startAt"`
	EndAt      *time.Time                 `json:"endAt,omitempty"`
	IsFullDay  bool                       `json:"isFullDay"`
	Name       string                     `json:"name"`
	Body       string                     `json:"body,omitempty"`
	URL        string                     `json:"url,omitempty"`
	Tags       []int64                    `json:"tags,omitempty"`
	TagsData   map[int64]float64          `json:"tagsData,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
	DeletedAt  *time.Time                 `json:"deletedAt,omitempty"`
	DeletedBy  *string                    `json:"deletedBy,omitempty"`
}

// Deleted reports whether the event has been soft-deleted.
func (e *Event) Deleted() bool { return e.DeletedAt != nil }

// SubscriptionFrequency controls the "new since" window of a subscription.
type SubscriptionFrequency string

const (
	FrequencyDay   SubscriptionFrequency = "DAY"
	FrequencyWeek  SubscriptionFrequency = "WEEK"
	FrequencyMonth SubscriptionFrequency = "MONTH"
)

// Window returns the look-back duration for the frequency.
func (f SubscriptionFrequency) Window() time.Duration {
	switch f {
	case FrequencyWeek:
		return 7 * 24 * time.Hour
	case FrequencyMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Subscription is a user's saved area of interest. GeomBufferSize is
// derived at write time from the feature's own bufferSize property and
// is only meaningful for point/line geometries; polygons match as-is.
type Subscription struct {
	ID             int64                      `json:"id"`
	UserID         string                     `json:"userId"`
	AppIDs         []int64                    `json:"apps,omitempty"`
	Geom           *geojson.FeatureCollection `json:"geom"`
	GeomBufferSize float64                    `json:"geomBufferSize"`
	Frequency      SubscriptionFrequency      `json:"frequency"`
	Active         bool                       `json:"active"`
	CreatedAt      time.Time                  `json:"createdAt"`
}

// SubscriptionCounts is the per-subscription result of the batched
// count aggregation.
type SubscriptionCounts struct {
	SubscriptionID int64 `json:"subscriptionId"`
	AllTime        int64 `json:"allTime"`
	New            int64 `json:"new"`
}

// Page is the shared paginated list envelope.
type Page[T any] struct {
	Rows       []T   `json:"rows"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalPages int   `json:"totalPages"`
}
