package connhub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps one upgraded websocket with the read/write pump pair and
// the role/identity it was authenticated under. Exported fields are
// read-only from the caller's perspective; mutate identity only through
// Hub.AuthenticateDevice/AuthenticateObserver/SubscribeGroup.
type Connection struct {
	hub *Hub
	ws  *websocket.Conn

	authenticated atomic.Bool

	role     Role
	deviceID string
	userID   string

	mu     sync.Mutex
	zones  []string
	groups []string

	send       chan frame
	closed     chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64 // unix nanos
}

type frameKind int

const (
	frameText frameKind = iota
	frameBinary
	frameClose
)

type frame struct {
	kind byte
	data []byte
	code int
	msg  string
}

func newConnection(h *Hub, ws *websocket.Conn) *Connection {
	c := &Connection{
		hub:    h,
		ws:     ws,
		send:   make(chan frame, sendBuffer),
		closed: make(chan struct{}),
	}
	c.lastActive.Store(time.Now().UnixNano())
	ws.SetReadLimit(readLimit)
	return c
}

// DeviceID returns the authenticated device id, or "" if this connection
// is not a device.
func (c *Connection) DeviceID() string { return c.deviceID }

// UserID returns the authenticated user id, if any.
func (c *Connection) UserID() string { return c.userID }

// Role returns the connection's current role.
func (c *Connection) Role() Role { return c.role }

// Authenticated reports whether this connection has completed the
// authenticate/register handshake. Handlers use it to reject writes from
// sockets that never identified themselves.
func (c *Connection) Authenticated() bool { return c.authenticated.Load() }

// Send enqueues msg as a text frame directly to this connection, for
// replies that must reach the sender regardless of its index state
// (auth acks, pong, per-request errors) rather than a fan-out target.
func (c *Connection) Send(msg any) bool { return c.enqueue(msg) }

func (c *Connection) addGroup(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		if g == groupID {
			return
		}
	}
	c.groups = append(c.groups, groupID)
}

func (c *Connection) groupList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.groups...)
}

// enqueue marshals msg and queues it for delivery. Returns false if the
// send buffer is full (slow consumer) or the connection is closed — the
// caller is expected to treat this as a best-effort fan-out failure, not
// a fatal error.
func (c *Connection) enqueue(msg any) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- frame{kind: byte(frameText), data: body}:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *Connection) enqueueBinary(data []byte) bool {
	select {
	case c.send <- frame{kind: byte(frameBinary), data: data}:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *Connection) closeWithReason(reason string) {
	select {
	case c.send <- frame{kind: byte(frameClose), code: websocket.CloseNormalClosure, msg: reason}:
	default:
	}
	c.closeOnce.Do(func() { close(c.closed) })
	c.ws.Close()
}

func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() { close(c.closed) })
	deadline := time.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.ws.Close()
}

// readPump reads frames until the socket errors or closes, dispatching
// each to the Hub's Handler. Deadline per frame, pong handler resets
// the deadline, idle watchdog closes stale sockets.
func (c *Connection) readPump() {
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.lastActive.Store(time.Now().UnixNano())
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.lastActive.Store(time.Now().UnixNano())
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		if time.Since(time.Unix(0, c.lastActive.Load())) > idleTimeout {
			return
		}

		if c.hub.handler == nil {
			continue
		}

		switch msgType {
		case websocket.TextMessage:
			c.dispatchText(data)
		case websocket.BinaryMessage:
			c.hub.handler.HandleBinary(c, data)
		}
	}
}

func (c *Connection) dispatchText(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.Send(map[string]any{"type": "error", "message": "invalid JSON"})
		return
	}
	c.hub.handler.HandleText(c, envelope.Type, json.RawMessage(data))
}

// writePump serializes all outbound writes onto the socket (gorilla
// requires a single writer goroutine) and injects periodic pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			switch frameKind(f.kind) {
			case frameText:
				if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return
				}
			case frameBinary:
				if err := c.ws.WriteMessage(websocket.BinaryMessage, f.data); err != nil {
					return
				}
			case frameClose:
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(f.code, f.msg), time.Now().Add(writeTimeout))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
