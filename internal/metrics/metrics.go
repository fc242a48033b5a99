// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections, queues and rooms read from the matching
// service at scrape time, counters for room and relay throughput, and
// histograms for wait time and room lifetime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts relayed chat messages, labeled by result:
	// "delivered" or "unreachable".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages relayed",
	}, []string{"result"})

	// MessageLatency records inbound frame handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_frame_latency_seconds",
		Help:    "Inbound frame handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchDuration records the time from entering a queue to being paired.
	MatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_match_wait_seconds",
		Help:    "Time from joining a queue to being paired",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"reason"})

	// RoomsTotal counts opened rooms by pairing reason.
	RoomsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rooms_total",
		Help: "Total number of rooms opened",
	}, []string{"reason"})

	// RoomDuration records room lifetime by close cause.
	RoomDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_room_duration_seconds",
		Help:    "Lifetime of closed rooms",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"cause"})

	// FramesRejected counts inbound frames answered with an error event.
	FramesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_frames_rejected_total",
		Help: "Inbound frames answered with an error event",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		MessageLatency,
		MatchDuration,
		RoomsTotal,
		RoomDuration,
		FramesRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
