package ws

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/fugue/chat-server/internal/protocol"
)

const serviceName = "Fugue Chat API"

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Timestamp   string `json:"timestamp"`
	WebSocket   string `json:"websocket"`
	Environment string `json:"environment"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

type queueInfo struct {
	InterestID   int    `json:"interestId"`
	InterestName string `json:"interestName"`
	Size         int    `json:"size"`
}

type infoResponse struct {
	WebSocketURL          string      `json:"websocket_url"`
	SupportedActions      []string    `json:"supported_actions"`
	ActiveConnections     int         `json:"active_connections"`
	WaitingInterestQueues []queueInfo `json:"waiting_interest_queues"`
	GeneralWaiting        int         `json:"general_waiting"`
	ActiveRooms           int         `json:"active_rooms"`
}

// handleHealth serves /health and /api/health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Service:     serviceName,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		WebSocket:   "active",
		Environment: s.config.Environment,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleInfo serves /websocket-info: queue and room counters read from the
// matching engine.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.NotFound(w, r)
		return
	}
	snap := s.stats.Snapshot()

	ids := make([]int, 0, len(snap.InterestQueues))
	for id := range snap.InterestQueues {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	queues := make([]queueInfo, 0, len(ids))
	for _, id := range ids {
		name := "Unknown"
		if s.names != nil {
			if n, ok := s.names.InterestName(id); ok {
				name = n
			}
		}
		queues = append(queues, queueInfo{InterestID: id, InterestName: name, Size: snap.InterestQueues[id]})
	}

	writeJSON(w, http.StatusOK, infoResponse{
		WebSocketURL:          websocketURL(r),
		SupportedActions:      protocol.SupportedActions,
		ActiveConnections:     snap.Connections,
		WaitingInterestQueues: queues,
		GeneralWaiting:        snap.GeneralQueue,
		ActiveRooms:           snap.ActiveRooms,
	})
}

func websocketURL(r *http.Request) string {
	scheme := "wss"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "ws"
	}
	return scheme + "://" + r.Host + "/ws"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
