package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/fugue/chat-server/internal/loadtest"
)

// runSaturate opens N connections and holds them idle for the given duration.
func runSaturate(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("saturate", pflag.ExitOnError)
	c.register(fs)
	conns := fs.Int("conns", 1000, "number of connections")
	hold := fs.Duration("hold", 30*time.Second, "how long to hold connections open")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tokens, cleanup, err := seedTokens(ctx, c, *conns)
	if err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}
	defer cleanup()

	collector := loadtest.NewCollector()
	fmt.Printf("Saturate: %d connections to %s (hold=%s)\n", *conns, c.url, *hold)

	clients := connectAll(ctx, c, tokens, collector)
	defer closeAll(clients)
	fmt.Printf("Connected %d/%d (%d errors)\n", collector.Count("connect"), *conns, collector.ErrorCount())

	select {
	case <-time.After(*hold):
	case <-ctx.Done():
		fmt.Println("Interrupted.")
	}

	collector.Report(os.Stdout)
	return nil
}
