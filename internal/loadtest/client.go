// Package loadtest provides a WebSocket client that speaks the chat protocol
// and a collector that aggregates latency samples from many clients.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fugue/chat-server/internal/protocol"
)

// ErrClosed is returned by Wait once the connection has gone away.
var ErrClosed = errors.New("loadtest: connection closed")

// Frame is one decoded server event.
type Frame struct {
	Type string
	Raw  json.RawMessage
	At   time.Time
}

// Client is a single simulated user. Server events are delivered in order on
// Events; the read loop stops when the connection closes.
type Client struct {
	conn           net.Conn
	ConnectLatency time.Duration

	writeMu   sync.Mutex
	events    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url presenting token as a bearer credential.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}

	c := newClient(conn)
	c.ConnectLatency = time.Since(start)
	go c.readLoop()
	return c, nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		events: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
}

// Join asks to be matched on interestID.
func (c *Client) Join(interestID int) error {
	return c.send(map[string]any{"type": protocol.TypeJoin, "interestId": interestID})
}

// Extend widens a waiting search to the general queue.
func (c *Client) Extend() error {
	return c.send(map[string]any{"type": protocol.TypeExtendSearch})
}

// Chat sends text to the current partner.
func (c *Client) Chat(text string) error {
	return c.send(map[string]any{"type": protocol.TypeChat, "text": text})
}

// Leave leaves the current room.
func (c *Client) Leave() error {
	return c.send(map[string]any{"type": protocol.TypeLeaveRoom})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Wait returns the next event of type eventType, discarding others. An error
// event received while waiting is returned as an error.
func (c *Client) Wait(ctx context.Context, eventType string) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case f, ok := <-c.events:
			if !ok {
				return Frame{}, ErrClosed
			}
			if f.Type == eventType {
				return f, nil
			}
			if f.Type == protocol.TypeError {
				var ev protocol.ErrorEvent
				_ = json.Unmarshal(f.Raw, &ev)
				return f, fmt.Errorf("loadtest: server error while waiting for %s: %s", eventType, ev.Message)
			}
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.events <- Frame{Type: env.Type, Raw: data, At: time.Now()}:
		case <-c.done:
			return
		}
	}
}
