package bus

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBus is an in-process Bus used in tests and the development
// profile. Delivery is synchronous.
type MemoryBus struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	handlers map[string][]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		entries:  make(map[string]memoryEntry),
		handlers: make(map[string][]Handler),
	}
}

func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = e
	return nil
}

func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (b *MemoryBus) Clean(_ context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(b.entries, k)
		}
	}
	return nil
}

func (b *MemoryBus) Emit(_ context.Context, event string, payload []byte) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(event, payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, event string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
	return nil
}
