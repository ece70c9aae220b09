package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicmap/civicmap/server/internal/bus"
	"github.com/civicmap/civicmap/server/internal/config"
)

// runRenew publishes the renew signal straight on the bus so every
// service process sharing the redis rebuilds its cluster indexes.
func runRenew(queryKey string, out io.Writer) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	b, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Emit(ctx, bus.EventsRenew, []byte(queryKey)); err != nil {
		return err
	}
	if queryKey == "" {
		fmt.Fprintln(out, "renew signal sent for all indexes")
	} else {
		fmt.Fprintf(out, "renew signal sent for %q\n", queryKey)
	}
	return nil
}
