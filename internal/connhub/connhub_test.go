package connhub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type stubHandler struct {
	mu   sync.Mutex
	text []string
}

func (s *stubHandler) HandleText(conn *Connection, msgType string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = append(s.text, msgType)
}
func (s *stubHandler) HandleBinary(conn *Connection, data []byte) {}
func (s *stubHandler) OnDisconnect(conn *Connection)              {}

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(h.UpgradeHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestAuthenticateDeviceSupersedesOlderSocket(t *testing.T) {
	h := New(Options{AuthTimeout: time.Minute, Handler: &stubHandler{}})
	srv, url := newTestServer(t, h)
	defer srv.Close()

	first := dial(t, url)
	defer first.Close()
	second := dial(t, url)
	defer second.Close()

	waitForCount(t, func() int { return h.ActiveConnections() }, 2)

	var connA, connB *Connection
	h.mu.RLock()
	for c := range h.pending {
		if connA == nil {
			connA = c
		} else {
			connB = c
		}
	}
	h.mu.RUnlock()

	h.AuthenticateDevice(connA, "dev-1", "user-1", nil, nil)
	h.AuthenticateDevice(connB, "dev-1", "user-1", nil, nil)

	if h.ActiveDevices() != 1 {
		t.Fatalf("ActiveDevices() = %d, want 1", h.ActiveDevices())
	}

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Error("expected superseded connection to be closed")
	}
}

func TestBroadcastToZoneIsolatesFailures(t *testing.T) {
	h := New(Options{AuthTimeout: time.Minute, Handler: &stubHandler{}})
	srv, url := newTestServer(t, h)
	defer srv.Close()

	ws := dial(t, url)
	defer ws.Close()

	waitForCount(t, func() int { return h.ActiveConnections() }, 1)

	var conn *Connection
	h.mu.RLock()
	for c := range h.pending {
		conn = c
	}
	h.mu.RUnlock()

	h.AuthenticateDevice(conn, "dev-1", "user-1", []string{"zone-a"}, nil)
	h.BroadcastToZone("zone-a", map[string]string{"type": "alert"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("expected broadcast message, got err: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "alert" {
		t.Errorf("got %v, want type=alert", got)
	}
}

func TestMalformedJSONGetsErrorFrame(t *testing.T) {
	h := New(Options{AuthTimeout: time.Minute, Handler: &stubHandler{}})
	srv, url := newTestServer(t, h)
	defer srv.Close()

	ws := dial(t, url)
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame, got read err: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "error" {
		t.Errorf("got %v, want type=error", got)
	}
}

func TestSendToDeviceUnknownReturnsFalse(t *testing.T) {
	h := New(Options{Handler: &stubHandler{}})
	if h.SendToDevice("nope", map[string]string{"type": "x"}) {
		t.Error("expected false for unknown device")
	}
}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("count never reached %d, got %d", want, get())
}
