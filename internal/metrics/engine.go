package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fugue/chat-server/internal/matching"
)

// SnapshotSource reports the current matching state.
type SnapshotSource interface {
	Snapshot() matching.Snapshot
}

var (
	connectionsDesc = prometheus.NewDesc(
		"chat_connections_total",
		"Current number of active WebSocket connections",
		nil, nil,
	)
	queueSizeDesc = prometheus.NewDesc(
		"chat_queue_size",
		"Current number of connections waiting, by queue",
		[]string{"queue"}, nil, // queue = "interest", "general"
	)
	activeRoomsDesc = prometheus.NewDesc(
		"chat_active_rooms",
		"Current number of open rooms",
		nil, nil,
	)
)

// EngineCollector exports connection, queue and room gauges straight from a
// matching snapshot on every scrape.
type EngineCollector struct {
	source SnapshotSource
}

// NewEngineCollector returns a collector reading from source. Register it
// once per process.
func NewEngineCollector(source SnapshotSource) *EngineCollector {
	return &EngineCollector{source: source}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectionsDesc
	ch <- queueSizeDesc
	ch <- activeRoomsDesc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	interest := 0
	for _, n := range snap.InterestQueues {
		interest += n
	}

	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.Connections))
	ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(interest), "interest")
	ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(snap.GeneralQueue), "general")
	ch <- prometheus.MustNewConstMetric(activeRoomsDesc, prometheus.GaugeValue, float64(snap.ActiveRooms))
}

// RegisterEngine registers a collector for source with the default registry.
func RegisterEngine(source SnapshotSource) error {
	return prometheus.Register(NewEngineCollector(source))
}
