package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/fugue/chat-server/internal/loadtest"
	"github.com/fugue/chat-server/internal/protocol"
)

// runPairs connects 2N users, has them all join one interest, then has each
// room exchange messages and leave. It measures pairing and relay latency.
func runPairs(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("pairs", pflag.ExitOnError)
	c.register(fs)
	pairs := fs.Int("pairs", 500, "number of user pairs")
	interest := fs.Int("interest", 1, "interest id every user joins")
	messages := fs.Int("messages", 10, "messages exchanged per room")
	timeout := fs.Duration("timeout", 30*time.Second, "per-step timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tokens, cleanup, err := seedTokens(ctx, c, *pairs*2)
	if err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}
	defer cleanup()

	collector := loadtest.NewCollector()
	fmt.Printf("Pairs: %d pairs on interest %d to %s (messages=%d)\n", *pairs, *interest, c.url, *messages)

	clients := connectAll(ctx, c, tokens, collector)
	defer closeAll(clients)

	// Phase 1: everyone joins; group clients by the room they land in.
	var mu sync.Mutex
	rooms := make(map[string][]*loadtest.Client)
	var wg sync.WaitGroup
	for _, cl := range clients {
		if cl == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			stepCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()

			start := time.Now()
			if err := cl.Join(*interest); err != nil {
				collector.AddError()
				return
			}
			f, err := cl.Wait(stepCtx, protocol.TypePaired)
			if err != nil {
				collector.AddError()
				return
			}
			collector.Add("pair", f.At.Sub(start))

			var ev protocol.PairedEvent
			if err := json.Unmarshal(f.Raw, &ev); err != nil {
				collector.AddError()
				return
			}
			mu.Lock()
			rooms[ev.RoomID] = append(rooms[ev.RoomID], cl)
			mu.Unlock()
		}()
	}
	wg.Wait()
	fmt.Printf("Paired into %d rooms (%d errors)\n", len(rooms), collector.ErrorCount())

	// Phase 2: each room chats, then one side leaves.
	for _, occupants := range rooms {
		if len(occupants) != 2 {
			collector.AddError()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := converse(ctx, occupants[0], occupants[1], *messages, *timeout, collector); err != nil {
				collector.AddError()
			}
		}()
	}
	wg.Wait()

	collector.Report(os.Stdout)
	return nil
}

func converse(ctx context.Context, a, b *loadtest.Client, messages int, timeout time.Duration, collector *loadtest.Collector) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i := range messages {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		sent := time.Now()
		if err := from.Chat("msg " + strconv.Itoa(i)); err != nil {
			return err
		}
		f, err := to.Wait(ctx, protocol.TypeChat)
		if err != nil {
			return err
		}
		collector.Add("relay", f.At.Sub(sent))
	}

	if err := a.Leave(); err != nil {
		return err
	}
	if _, err := a.Wait(ctx, protocol.TypeLeftRoom); err != nil {
		return err
	}
	_, err := b.Wait(ctx, protocol.TypePartnerLeft)
	return err
}
