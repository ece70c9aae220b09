package sync

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ValidStats splits successful candidates into inserts and updates.
type ValidStats struct {
	Total    int `json:"total"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// InvalidStats counts rejected candidates.
type InvalidStats struct {
	Total int `json:"total"`
}

// Run is the state of one integration run, created by StartRun and
// consumed by FinishRun. It is owned by a single invocation; nothing
// here is shared across concurrent runs.
type Run struct {
	ID        string       `json:"id"`
	AppKey    string       `json:"app"`
	Total     int          `json:"total"`
	Valid     ValidStats   `json:"valid"`
	Invalid   InvalidStats `json:"invalid"`
	StartTime time.Time    `json:"startTime"`
	EndTime   time.Time    `json:"endTime,omitempty"`
	Duration  string       `json:"duration,omitempty"`

	seen map[string]struct{}
}

func newRun(appKey string, now time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		AppKey:    appKey,
		StartTime: now,
		seen:      make(map[string]struct{}),
	}
}

// Seen reports whether an externalId was successfully processed this run.
func (r *Run) Seen(externalID string) bool {
	_, ok := r.seen[externalID]
	return ok
}

// SeenCount returns the number of distinct externalIds observed.
func (r *Run) SeenCount() int { return len(r.seen) }

func (r *Run) markSeen(externalID string) {
	r.seen[externalID] = struct{}{}
}

// progress estimates cleanup completion: percentage rounded to two
// decimals and the projected end time extrapolated from the elapsed
// time so far.
func (r *Run) progress(count, total int64, now time.Time) (float64, time.Time) {
	if total <= 0 {
		return 100, now
	}
	pct := math.Round(float64(count)/float64(total)*100*100) / 100
	if pct <= 0 {
		return 0, time.Time{}
	}
	elapsed := now.Sub(r.StartTime)
	eta := now.Add(time.Duration(float64(elapsed) / (pct / 100)))
	return pct, eta
}
