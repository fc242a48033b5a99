// Package ws handles WebSocket connection management: it authenticates and
// upgrades HTTP requests, watches connections with epoll, and hands inbound
// frames and disconnects to the chat handler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/ban"
	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/metrics"
	"github.com/fugue/chat-server/internal/ratelimit"
	"github.com/fugue/chat-server/internal/session"
)

const (
	// maxFrameBytes caps a single inbound data frame.
	maxFrameBytes = 64 << 10

	upgradeTimeout = 3 * time.Second
	messageTimeout = 5 * time.Second
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendBuffer     int           // queued outbound frames per connection
	SessionCookie  string        // cookie carrying the session token
	Environment    string        // reported by the health endpoints
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		SessionCookie:  session.DefaultCookie,
		Environment:    "development",
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handler receives connection lifecycle callbacks. OnMessage is called from a
// worker goroutine; calls for one connection never overlap.
type Handler interface {
	OnConnectionEstablished(peer matching.Peer, id matching.Identity) error
	OnMessage(ctx context.Context, peer matching.Peer, raw []byte)
	OnDisconnect(peer matching.Peer)
}

// Authenticator resolves a session token to a verified identity.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (matching.Identity, error)
}

// BanChecker reports whether a user is banned.
type BanChecker interface {
	Check(ctx context.Context, userID int64) (ban.Status, error)
}

// Limiter throttles upgrade attempts per client address.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Stats exposes the engine counters shown by /websocket-info.
type Stats interface {
	Snapshot() matching.Snapshot
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithBans rejects banned users at upgrade.
func WithBans(b BanChecker) Option { return func(s *Server) { s.bans = b } }

// WithConnLimiter rate limits upgrades per client address.
func WithConnLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithStats enables /websocket-info. names may be nil.
func WithStats(stats Stats, names matching.NameResolver) Option {
	return func(s *Server) {
		s.stats = stats
		s.names = names
	}
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	handler    Handler
	auth       Authenticator
	bans       BanChecker
	limiter    Limiter
	stats      Stats
	names      matching.NameResolver
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer creates a Server. The HTTP routes are registered immediately so
// callers may add their own with Handle before Start.
func NewServer(config ServerConfig, auth Authenticator, handler Handler, opts ...Option) *Server {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultServerConfig().SendBuffer
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		handler:    handler,
		auth:       auth,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /websocket-info", s.handleInfo)
	return s
}

// Handle registers an additional HTTP route, e.g. /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// HTTPHandler returns the server's route multiplexer.
func (s *Server) HTTPHandler() http.Handler { return s.mux }

// Start initializes the epoll instance and serves HTTP until Shutdown. It
// starts the epoll event loop and heartbeat in background goroutines.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader. The connection is
// registered with the handler before epoll so no frame can arrive for an
// unknown connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upgradeTimeout)
	defer cancel()

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.auth.Resolve(ctx, session.TokenFromRequest(r, s.config.SessionCookie))
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		s.logger.Error().Err(err).Str("ip", ip).Msg("session lookup failed")
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	if s.bans != nil {
		st, err := s.bans.Check(ctx, id.UserID)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Int64("user", id.UserID).Msg("ban check failed, allowing")
		case st.Banned:
			s.logger.Info().Int64("user", id.UserID).Str("reason", st.Reason).Msg("banned user rejected")
			http.Error(w, "banned", http.StatusForbidden)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn, id, s.config.SendBuffer, s.config.WriteTimeout, s.logger)
	c.onClose = s.RemoveConnection
	s.conns.Add(c)
	go c.writePump()

	if err := s.handler.OnConnectionEstablished(c, id); err != nil {
		s.logger.Error().Err(err).Str("conn", c.id).Msg("handler rejected connection")
		s.conns.Remove(c.id)
		_ = c.release()
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn", c.id).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug().Str("conn", c.id).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connection opened")
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		fds, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				s.logger.Error().Err(err).Msg("epoll wait failed")
				continue
			}
		}

		for _, fd := range fds {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(fd)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are answered without blocking on
// a data frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(fd int) {
	c := s.conns.GetByFd(fd)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch);
		// the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		closed, err := c.handleControl(header, reader)
		if closed || err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > maxFrameBytes {
		s.logger.Warn().Str("conn", c.id).Int64("bytes", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	s.handler.OnMessage(ctx, c, data)
	cancel()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// RemoveConnection unregisters a connection from epoll and the connection
// manager, closes its socket and reports the disconnect to the handler. It is
// idempotent: the read loop, heartbeat and slow-consumer path may race to
// remove the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.id) {
		return
	}
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Fd)
	}
	_ = c.release()
	s.handler.OnDisconnect(c)

	s.logger.Debug().Str("conn", c.id).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager, used by the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection so the handler releases their queue slots and rooms.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	close(s.done)

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return err
}

// clientIP returns the first X-Forwarded-For hop, or the remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
