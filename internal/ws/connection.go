package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSlowConsumer     = errors.New("ws: send buffer full")
)

// Connection represents a single WebSocket client connection. Outbound
// events are queued on a buffered channel and written by a dedicated writer
// goroutine, so Send never blocks.
type Connection struct {
	id         string            // connection ID (UUID)
	Conn       net.Conn          // underlying TCP connection
	Fd         int               // file descriptor for epoll lookups
	CreatedAt  time.Time         // when the connection was established
	Identity   matching.Identity // verified at upgrade, never changes
	lastSeen   atomic.Int64      // unix nanos of the last frame read
	writeMu    sync.Mutex        // serializes writes to this connection
	processing int32             // atomic flag: 0 = idle, 1 = being read by handleConn

	send         chan []byte
	done         chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	writeTimeout time.Duration
	onClose      func(*Connection) // set by the server; tears the connection down
	logger       zerolog.Logger
}

func newConnection(id string, conn net.Conn, identity matching.Identity, sendBuffer int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	now := time.Now()
	c := &Connection{
		id:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		Identity:     identity,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("conn", id).Logger(),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// IsOpen reports whether the connection can still deliver events.
func (c *Connection) IsOpen() bool { return !c.closed.Load() }

// Send encodes ev and queues it for the writer. A full queue means the client
// is not reading; the connection is closed rather than letting it fall
// further behind.
func (c *Connection) Send(ev protocol.Event) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn().Str("event", ev.EventType()).Msg("send buffer full, closing")
		c.Close()
		return ErrSlowConsumer
	}
}

// writePump writes queued frames until the connection closes.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		}
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return ws.WriteFrame(c.Conn, f)
}

// handleControl consumes the payload of a control frame read from the
// client. A ping is answered with a pong carrying the same payload and a
// close is echoed with its status code. It reports whether the client asked
// to close.
func (c *Connection) handleControl(h ws.Header, r io.Reader) (bool, error) {
	if h.Length > ws.MaxControlFramePayloadSize {
		return false, ws.ErrProtocolControlPayloadOverflow
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return false, err
	}

	switch h.OpCode {
	case ws.OpPing:
		return false, c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		var body []byte
		if len(payload) >= 2 {
			code, _ := ws.ParseCloseFrameData(payload)
			body = ws.NewCloseFrameBody(code, "")
		}
		_ = c.writeFrame(ws.NewCloseFrame(body))
		return true, nil
	}
	return false, nil
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Close marks the connection closed and schedules its removal. It is safe to
// call more than once and from any goroutine, including while the matching
// lock is held: the teardown runs on its own goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		if c.onClose != nil {
			go c.onClose(c)
			return
		}
		_ = c.Conn.Close()
	})
	return nil
}

// release stops the writer and closes the socket.
func (c *Connection) release() error {
	c.closeOnce.Do(c.markClosed)
	return c.Conn.Close()
}

func (c *Connection) markClosed() {
	c.closed.Store(true)
	close(c.done)
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both connection ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID from both lookup maps. Returns true if
// the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
