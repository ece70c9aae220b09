// Package match turns a user's active subscriptions into event store
// predicates: the newsfeed filter and the batched per-subscription
// counts.
package match

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// Matcher evaluates subscriptions against the event store. All spatial
// work happens store-side; the matcher only assembles queries.
type Matcher struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// Option tunes a Matcher.
type Option func(*Matcher)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func New(st store.Store, log zerolog.Logger, opts ...Option) *Matcher {
	m := &Matcher{store: st, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FilterForUser builds the newsfeed query for a user: one clause per
// active subscription (app set + geometry intersection, buffered for
// point/line geometries), OR-ed together within one group. The group
// is appended to base, so a caller-supplied OR-group survives and both
// are conjoined. The second return is false when the user has no
// active subscriptions, in which case the query must not be executed.
func (m *Matcher) FilterForUser(ctx context.Context, userID string, base store.EventQuery) (store.EventQuery, bool, error) {
	subs, err := m.store.Subscriptions().FindActiveByUser(ctx, userID)
	if err != nil {
		return base, false, err
	}
	if len(subs) == 0 {
		return base, false, nil
	}

	clauses := make([]store.GeomClause, 0, len(subs))
	for _, s := range subs {
		clauses = append(clauses, store.GeomClause{
			AppIDs:       s.AppIDs,
			Geom:         s.Geom,
			BufferMeters: s.GeomBufferSize,
		})
	}
	base.Or = append(base.Or, clauses)
	return base, true, nil
}

// NewsFeed returns the paginated events matching any of the user's
// active subscriptions, newest first. A user without subscriptions gets
// an empty page, not an error.
func (m *Matcher) NewsFeed(ctx context.Context, userID string, page, pageSize int) (*model.Page[*model.Event], error) {
	q, ok, err := m.FilterForUser(ctx, userID, store.EventQuery{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &model.Page[*model.Event]{Rows: []*model.Event{}, Page: page, PageSize: pageSize}, nil
	}
	return m.store.Events().List(ctx, q, page, pageSize, "createdAt desc")
}

// Counts runs the batched all-time/new aggregation for the given
// subscription ids.
func (m *Matcher) Counts(ctx context.Context, ids []int64) ([]model.SubscriptionCounts, error) {
	if len(ids) == 0 {
		return []model.SubscriptionCounts{}, nil
	}
	return m.store.Subscriptions().Counts(ctx, ids, m.now())
}

// CountsForUser aggregates over every active subscription of the user.
func (m *Matcher) CountsForUser(ctx context.Context, userID string) ([]model.SubscriptionCounts, error) {
	subs, err := m.store.Subscriptions().FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	return m.Counts(ctx, ids)
}
