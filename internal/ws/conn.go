// Package ws adapts gorilla websocket connections to the session transport.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/registry"
)

const (
	HeartbeatInterval = 30 * time.Second
	pongWait          = HeartbeatInterval + 10*time.Second
	writeWait         = 10 * time.Second
	sendBufferSize    = 100
	maxMessageSize    = 64 * 1024

	// CloseUnauthorized is sent when the handshake credential is rejected.
	CloseUnauthorized = 4001
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Inbound is one client frame.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewUpgrader accepts any origin when allowedOrigins is empty.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[u.Scheme+"://"+u.Host]
		},
	}
}

// Conn is a registry.Transport backed by a websocket. Outbound frames are
// queued and written by a single writer goroutine.
type Conn struct {
	conn      *websocket.Conn
	send      chan registry.Message
	done      chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
	writerWG  sync.WaitGroup
}

// NewConn starts the writer goroutine for conn.
func NewConn(conn *websocket.Conn) *Conn {
	c := &Conn{
		conn: conn,
		send: make(chan registry.Message, sendBufferSize),
		done: make(chan struct{}),
	}
	c.writerWG.Add(1)
	go c.writePump()
	return c
}

// Send queues msg without blocking.
func (c *Conn) Send(msg registry.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a normal close frame and tears down the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// Reject closes a connection whose handshake credential was refused.
func (c *Conn) Reject(reason string) error {
	return c.CloseWithCode(CloseUnauthorized, reason)
}

// CloseWithCode is Close with an explicit close frame. Only the first call's
// code is sent.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
	c.writerWG.Wait()
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadLoop decodes client frames and passes them to handle until the socket
// fails or is closed. Malformed frames are skipped.
func (c *Conn) ReadLoop(handle func(Inbound)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			log.Debug().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		handle(in)
	}
}

func (c *Conn) writePump() {
	defer c.writerWG.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			if c.closeMsg != nil {
				_ = c.conn.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(writeWait))
			}
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("event", msg.Event).Msg("websocket write failed")
				c.shutdown()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
