package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AgentEventType enumerates the lifecycle events an AgentConn delivers
// to its owning Session.
type AgentEventType string

const (
	AgentEventOpen    AgentEventType = "open"
	AgentEventMessage AgentEventType = "message"
	AgentEventClose   AgentEventType = "close"
	AgentEventError   AgentEventType = "error"
)

// AgentEvent is delivered to a Session's handleAgentEvent callback.
type AgentEvent struct {
	Type AgentEventType
	Text string
	Err  error
}

// AgentConn is the external conversational agent socket. One is opened
// per conversation turn, never reused across turns.
type AgentConn interface {
	Connect()
	SendAudioChunk(base64Chunk string)
	SendJSON(msg any)
	Close(code int, reason string)
	IsOpen() bool
}

// WSAgentOptions configures a websocket-backed AgentConn.
type WSAgentOptions struct {
	URL        string
	Header     http.Header
	DialTimeout time.Duration
	OnEvent    func(AgentEvent)
	Log        zerolog.Logger
}

// WSAgentConn is a gorilla/websocket implementation of AgentConn.
type WSAgentConn struct {
	opts WSAgentOptions

	connected atomic.Bool
	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex

	closeOnce sync.Once
}

// NewWSAgentConn creates an unconnected agent socket; call Connect to
// dial and begin the read loop.
func NewWSAgentConn(opts WSAgentOptions) *WSAgentConn {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &WSAgentConn{opts: opts}
}

// Connect dials the agent endpoint in the background and starts the
// read pump. Connection failures are reported through OnEvent as a
// close event rather than an error return.
func (c *WSAgentConn) Connect() {
	go c.run()
}

func (c *WSAgentConn) run() {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.Dial(c.opts.URL, c.opts.Header)
	if err != nil {
		c.opts.Log.Warn().Err(err).Str("url", c.opts.URL).Msg("agent socket dial failed")
		c.emit(AgentEvent{Type: AgentEventClose, Err: err})
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.emit(AgentEvent{Type: AgentEventOpen})

	c.readLoop(conn)
}

func (c *WSAgentConn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnectionLost(err)
			return
		}
		c.onMessage(data)
	}
}

func (c *WSAgentConn) onMessage(data []byte) {
	c.emit(AgentEvent{Type: AgentEventMessage, Text: string(data)})
}

func (c *WSAgentConn) onConnectionLost(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.opts.Log.Debug().Err(err).Msg("agent socket closed")
	c.emit(AgentEvent{Type: AgentEventClose, Err: err})
}

func (c *WSAgentConn) emit(ev AgentEvent) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// IsOpen reports whether the socket completed its handshake and has not
// since closed.
func (c *WSAgentConn) IsOpen() bool {
	return c.connected.Load()
}

// SendAudioChunk forwards one base64-encoded PCM16 chunk to the agent as
// a user_audio_chunk event.
func (c *WSAgentConn) SendAudioChunk(base64Chunk string) {
	c.SendJSON(map[string]any{
		"type":       "user_audio_chunk",
		"audio_chunk": base64Chunk,
	})
}

// SendJSON writes an arbitrary JSON message to the agent socket.
func (c *WSAgentConn) SendJSON(msg any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket once. Safe to call multiple times
// and from any goroutine.
func (c *WSAgentConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = conn.Close()
	})
}

// parsedAgentMessage is the subset of an incoming agent message's shape
// Session cares about. The agent protocol's full envelope is richer;
// unrecognized fields are ignored rather than rejected.
type parsedAgentMessage struct {
	Type       string
	Audio      []byte
	ToolName   string
	ToolCallID string
	Parameters map[string]any
	EventID    string
	PingMs     int
}

func parseAgentMessage(raw string) (parsedAgentMessage, bool) {
	var env struct {
		Type  string `json:"type"`
		Audio struct {
			Data []byte `json:"audio_base_64"`
		} `json:"audio_event"`
		ToolCall struct {
			ToolName   string         `json:"tool_name"`
			ToolCallID string         `json:"tool_call_id"`
			Parameters map[string]any `json:"parameters"`
		} `json:"client_tool_call"`
		Ping struct {
			EventID string `json:"event_id"`
			PingMs  int    `json:"ping_ms"`
		} `json:"ping_event"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return parsedAgentMessage{}, false
	}

	out := parsedAgentMessage{Type: env.Type}
	switch env.Type {
	case "audio":
		out.Audio = env.Audio.Data
	case "client_tool_call":
		out.ToolName = env.ToolCall.ToolName
		out.ToolCallID = env.ToolCall.ToolCallID
		out.Parameters = env.ToolCall.Parameters
	case "ping":
		out.EventID = env.Ping.EventID
		out.PingMs = env.Ping.PingMs
	}
	return out, true
}
