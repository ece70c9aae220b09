// Package bus is the cache/notification fabric shared by the sync
// engine and the tile service: a small key/value cache with TTLs plus
// named broadcast events used for index invalidation signals.
package bus

import (
	"context"
	"errors"
	"time"
)

// Well-known event names.
const (
	// EventsRenew asks the tile service to discard and rebuild indexes.
	EventsRenew = "events.renew"
	// CacheCleanEvents clears cached event artifacts by pattern.
	CacheCleanEvents = "cache.clean.events"
	// SyncFinished is broadcast with the final run stats of an
	// integration run.
	SyncFinished = "sync.finished"
)

// ErrCacheMiss is returned by Get for absent keys.
var ErrCacheMiss = errors.New("cache miss")

// Handler receives one broadcast event payload.
type Handler func(event string, payload []byte)

// Bus is implemented by the redis adapter and the in-memory adapter.
type Bus interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Clean removes cached keys matching a glob pattern.
	Clean(ctx context.Context, pattern string) error
	// Emit broadcasts an event to all subscribers, local and remote.
	Emit(ctx context.Context, event string, payload []byte) error
	// Subscribe registers a handler for an event name. Handlers run on
	// the bus's delivery goroutine and must not block.
	Subscribe(ctx context.Context, event string, h Handler) error
}
