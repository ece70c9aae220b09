package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_SetGetTTL(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.Set(ctx, "geocode:main st", []byte(`{"lat":50}`), 0); err != nil {
		t.Fatal(err)
	}
	v, err := b.Get(ctx, "geocode:main st")
	if err != nil || string(v) != `{"lat":50}` {
		t.Fatalf("get: %v %q", err, v)
	}

	_ = b.Set(ctx, "expired", []byte("x"), -time.Second)
	if _, err := b.Get(ctx, "expired"); err != ErrCacheMiss {
		t.Fatalf("want cache miss for expired key, got %v", err)
	}
	if _, err := b.Get(ctx, "absent"); err != ErrCacheMiss {
		t.Fatalf("want cache miss for absent key, got %v", err)
	}
}

func TestMemoryBus_CleanPattern(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	_ = b.Set(ctx, "events:tile:1", []byte("a"), 0)
	_ = b.Set(ctx, "events:tile:2", []byte("b"), 0)
	_ = b.Set(ctx, "other:1", []byte("c"), 0)

	if err := b.Clean(ctx, "events:*"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "events:tile:1"); err != ErrCacheMiss {
		t.Fatal("pattern keys not cleaned")
	}
	if _, err := b.Get(ctx, "other:1"); err != nil {
		t.Fatal("unrelated key was cleaned")
	}
}

func TestMemoryBus_EmitDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got []string
	_ = b.Subscribe(ctx, EventsRenew, func(event string, payload []byte) {
		got = append(got, event+":"+string(payload))
	})
	_ = b.Subscribe(ctx, SyncFinished, func(event string, payload []byte) {
		t.Fatal("wrong event delivered")
	})

	if err := b.Emit(ctx, EventsRenew, []byte("default")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "events.renew:default" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}
