// Command roomwatch subscribes to room lifecycle events published by chat
// servers and logs them, one line per event.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fugue/chat-server/internal/logx"
	"github.com/fugue/chat-server/internal/messaging"
)

func main() {
	natsURL := pflag.String("nats-url", envOr("NATS_URL", messaging.DefaultNATSConfig().URL), "NATS server URL")
	level := pflag.String("log-level", envOr("LOG_LEVEL", "info"), "log level")
	format := pflag.String("log-format", envOr("LOG_FORMAT", "console"), "log format (json or console)")
	pflag.Parse()

	logger := logx.Setup(*level, *format)

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = *natsURL
	natsConfig.Name = "chat-roomwatch"

	client, err := messaging.NewNATSClient(natsConfig, logx.Component("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer client.Close()

	err = client.SubscribeRooms(func(subject string, ev messaging.RoomEvent) {
		e := logger.Info().
			Str("subject", subject).
			Str("server", ev.Server).
			Str("room", ev.RoomID).
			Str("reason", ev.Reason).
			Int64("user_a", ev.UserIDs[0]).
			Int64("user_b", ev.UserIDs[1])
		if ev.InterestID != nil {
			e = e.Int("interest", *ev.InterestID)
		}
		if ev.ClosedAt != nil {
			e = e.Str("cause", ev.Cause).Int64("duration_ms", ev.DurationMs)
		}
		e.Msg("room event")
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to room events")
	}

	logger.Info().Str("nats_url", natsConfig.URL).Str("subject", messaging.SubjectRooms).Msg("watching rooms")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
