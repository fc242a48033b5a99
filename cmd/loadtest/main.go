// Command loadtest drives a chat server with simulated users.
//
//	loadtest saturate [flags]   open N idle connections and hold them
//	loadtest pairs [flags]      pair users on one interest, chat, then leave
//
// Session tokens are seeded directly into the server's Redis, so the server
// must share --redis-addr. All clients connect from one address; run the
// server with RATE_LIMIT_ENABLED=false.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fugue/chat-server/internal/loadtest"
	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/session"
)

type common struct {
	url         string
	redisAddr   string
	userBase    int64
	concurrency int
}

func (c *common) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&c.redisAddr, "redis-addr", "localhost:6379", "Redis address used by the server")
	fs.Int64Var(&c.userBase, "user-base", 1_000_000, "first synthetic user id")
	fs.IntVar(&c.concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "saturate":
		err = runSaturate(ctx, os.Args[2:])
	case "pairs":
		err = runPairs(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle connections and hold them")
	fmt.Println("  pairs       pair users on one interest, exchange messages, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// seedTokens creates one session per synthetic user and returns the tokens.
func seedTokens(ctx context.Context, c common, n int) ([]string, func(), error) {
	store, err := session.NewStore(c.redisAddr, "loadtest", zerolog.Nop())
	if err != nil {
		return nil, nil, err
	}
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = "lt-" + uuid.NewString()
		id := matching.Identity{UserID: c.userBase + int64(i), DisplayName: fmt.Sprintf("load-%d", i)}
		if err := store.Create(ctx, tokens[i], id); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	cleanup := func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, tok := range tokens {
			_ = store.Delete(delCtx, tok)
		}
		store.Close()
	}
	return tokens, cleanup, nil
}

// connectAll dials one client per token, bounded by concurrency. Failed dials
// are counted as errors and leave a nil slot.
func connectAll(ctx context.Context, c common, tokens []string, collector *loadtest.Collector) []*loadtest.Client {
	clients := make([]*loadtest.Client, len(tokens))
	sem := make(chan struct{}, max(c.concurrency, 1))
	var wg sync.WaitGroup
	for i, tok := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			cl, err := loadtest.Dial(dialCtx, c.url, tok)
			if err != nil {
				collector.AddError()
				return
			}
			collector.Add("connect", cl.ConnectLatency)
			clients[i] = cl
		}()
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*loadtest.Client) {
	for _, cl := range clients {
		if cl != nil {
			cl.Close()
		}
	}
}
