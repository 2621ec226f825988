// Package connhub implements the connection plane: an authenticated,
// multi-role socket fabric indexed by device, user, zone, group, and a
// dashboard-observer set, with best-effort fan-out.
package connhub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/vitalguard/internal/metrics"
)

// Role identifies what kind of peer a Connection represents.
type Role string

const (
	RoleDevice    Role = "device"
	RoleCaregiver Role = "caregiver"
	RoleDashboard Role = "dashboard"
	RoleWatch     Role = "watch"
	RoleMobile    Role = "mobile"
	RoleRelay     Role = "relay"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	idleTimeout  = 30 * time.Minute
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20 // 1 MiB, generous enough for a health_batch window
	sendBuffer   = 32

	// Close codes surfaced to clients.
	CloseAuthTimeout     = 4001
	ClosePairingCancelled = 4003
)

// Handler is implemented by the owner of the domain logic
// (internal/app) so connhub stays decoupled from the
// episode/session/aggregation packages.
type Handler interface {
	HandleText(conn *Connection, msgType string, raw json.RawMessage)
	HandleBinary(conn *Connection, data []byte)
	OnDisconnect(conn *Connection)
}

// Hub is the in-memory registry of every live Connection, indexed for
// selective fan-out.
type Hub struct {
	mu sync.RWMutex

	pending    map[*Connection]struct{}
	byDevice   map[string]*Connection
	byUser     map[string]map[string]struct{} // user_id -> set of device_id
	byZone     map[string]map[*Connection]struct{}
	byGroup    map[string]map[*Connection]struct{}
	dashboards map[*Connection]struct{}

	authTimeout time.Duration
	handler     Handler
	log         zerolog.Logger
}

// Options configures a Hub.
type Options struct {
	AuthTimeout time.Duration
	Handler     Handler
	Log         zerolog.Logger
}

// New creates an empty Hub.
func New(opts Options) *Hub {
	timeout := opts.AuthTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Hub{
		pending:     make(map[*Connection]struct{}),
		byDevice:    make(map[string]*Connection),
		byUser:      make(map[string]map[string]struct{}),
		byZone:      make(map[string]map[*Connection]struct{}),
		byGroup:     make(map[string]map[*Connection]struct{}),
		dashboards:  make(map[*Connection]struct{}),
		authTimeout: timeout,
		handler:     opts.Handler,
		log:         opts.Log,
	}
}

// ActiveConnections implements metrics.LiveStats.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending) + len(h.byDevice) + len(h.dashboards)
}

// ActiveDevices implements metrics.LiveStats.
func (h *Hub) ActiveDevices() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDevice)
}

// Accept registers ws as pending and starts its read/write pumps. Must be
// called from the HTTP upgrade handler's goroutine; Accept blocks until the
// connection closes.
func (h *Hub) Accept(ws *websocket.Conn) {
	conn := newConnection(h, ws)

	h.mu.Lock()
	h.pending[conn] = struct{}{}
	h.mu.Unlock()

	authTimer := time.AfterFunc(h.authTimeout, func() {
		if !conn.Authenticated() {
			conn.closeWithCode(CloseAuthTimeout, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	go conn.writePump()
	conn.readPump() // blocks until the socket closes

	h.disconnect(conn)
}

// AuthenticateDevice moves a pending connection into the device index.
// If another Connection already holds device_id, it is superseded:
// evicted and closed with reason "superseded", so at most one
// Connection is ever indexed per device id.
func (h *Hub) AuthenticateDevice(conn *Connection, deviceID, userID string, zoneIDs, groupIDs []string) {
	h.mu.Lock()
	var superseded *Connection
	if existing, ok := h.byDevice[deviceID]; ok && existing != conn {
		superseded = existing
	}

	delete(h.pending, conn)
	conn.role = RoleDevice
	conn.deviceID = deviceID
	conn.userID = userID
	conn.zones = append([]string(nil), zoneIDs...)
	conn.groups = append([]string(nil), groupIDs...)
	conn.authenticated.Store(true)

	h.byDevice[deviceID] = conn
	if userID != "" {
		if h.byUser[userID] == nil {
			h.byUser[userID] = make(map[string]struct{})
		}
		h.byUser[userID][deviceID] = struct{}{}
	}
	for _, z := range zoneIDs {
		h.indexConnLocked(h.byZone, z, conn)
	}
	for _, g := range groupIDs {
		h.indexConnLocked(h.byGroup, g, conn)
	}
	h.mu.Unlock()

	if superseded != nil {
		metrics.ConnectionsSupersededTotal.Inc()
		superseded.closeWithReason("superseded")
	}
	metrics.ConnectionsAuthenticatedTotal.WithLabelValues(string(RoleDevice)).Inc()

	h.BroadcastToDashboards(outbound{"type": "device_connected", "device_id": deviceID, "user_id": userID})
}

// AuthenticateObserver moves a pending connection into the dashboard,
// caregiver, mobile, or relay role without a device identity.
func (h *Hub) AuthenticateObserver(conn *Connection, role Role, userID string) {
	h.mu.Lock()
	delete(h.pending, conn)
	conn.role = role
	conn.userID = userID
	conn.authenticated.Store(true)
	if role == RoleDashboard {
		h.dashboards[conn] = struct{}{}
	}
	h.mu.Unlock()
	metrics.ConnectionsAuthenticatedTotal.WithLabelValues(string(role)).Inc()
}

// SubscribeGroup adds conn to a group's subscriber set. Idempotent;
// failures (e.g. unauthenticated conn) are silent.
func (h *Hub) SubscribeGroup(conn *Connection, groupID string) {
	if !conn.Authenticated() || groupID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexConnLocked(h.byGroup, groupID, conn)
	conn.addGroup(groupID)
}

func (h *Hub) indexConnLocked(index map[string]map[*Connection]struct{}, key string, conn *Connection) {
	if index[key] == nil {
		index[key] = make(map[*Connection]struct{})
	}
	index[key][conn] = struct{}{}
}

// Disconnect removes conn from every index. Exported so HTTP handlers or
// admin tooling can force-close a connection.
func (h *Hub) Disconnect(conn *Connection) {
	conn.closeWithReason("disconnect requested")
}

// CloseDeviceWithCode closes a device's current connection with an
// explicit close code, e.g. ClosePairingCancelled when its pairing is
// revoked. Index cleanup happens through the read pump's normal
// disconnect path.
func (h *Hub) CloseDeviceWithCode(deviceID string, code int, reason string) bool {
	h.mu.RLock()
	conn, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	conn.closeWithCode(code, reason)
	return true
}

func (h *Hub) disconnect(conn *Connection) {
	h.mu.Lock()
	delete(h.pending, conn)
	wasDevice := false
	if existing, ok := h.byDevice[conn.deviceID]; ok && existing == conn {
		delete(h.byDevice, conn.deviceID)
		wasDevice = true
	}
	if conn.userID != "" {
		if devs, ok := h.byUser[conn.userID]; ok {
			delete(devs, conn.deviceID)
			if len(devs) == 0 {
				delete(h.byUser, conn.userID)
			}
		}
	}
	for _, z := range conn.zones {
		if set, ok := h.byZone[z]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.byZone, z)
			}
		}
	}
	for _, g := range conn.groupList() {
		if set, ok := h.byGroup[g]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.byGroup, g)
			}
		}
	}
	delete(h.dashboards, conn)
	h.mu.Unlock()

	if wasDevice {
		h.BroadcastToDashboards(outbound{"type": "device_disconnected", "device_id": conn.deviceID})
	}
	if h.handler != nil {
		h.handler.OnDisconnect(conn)
	}
}

type outbound map[string]any

// DevicesInZone returns the device ids currently subscribed to zoneID.
// Implements aggregation.DeviceLister.
func (h *Hub) DevicesInZone(zoneID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byZone[zoneID]
	out := make([]string, 0, len(set))
	for c := range set {
		if c.deviceID != "" {
			out = append(out, c.deviceID)
		}
	}
	return out
}

// UserDeviceIDs returns every device id currently authenticated under userID.
// Implements aggregation.DeviceLister.
func (h *Hub) UserDeviceIDs(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devs := h.byUser[userID]
	out := make([]string, 0, len(devs))
	for d := range devs {
		out = append(out, d)
	}
	return out
}

// SendToDevice delivers a JSON message to the device's current
// connection. A send failure here is local to this target.
func (h *Hub) SendToDevice(deviceID string, msg any) bool {
	h.mu.RLock()
	conn, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.enqueue(msg)
}

// SendBinaryToDevice delivers a raw binary frame (PCM16 audio) to a device.
func (h *Hub) SendBinaryToDevice(deviceID string, data []byte) bool {
	h.mu.RLock()
	conn, ok := h.byDevice[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.enqueueBinary(data)
}

// SendToPairedCaregiver delivers msg to every device-index entry sharing
// the same user_id as deviceID, excluding the device itself — the paired
// mobile/caregiver client for that wearer.
func (h *Hub) SendToPairedCaregiver(deviceID string, msg any) {
	h.mu.RLock()
	conn, ok := h.byDevice[deviceID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	userID := conn.userID
	var targets []string
	if userID != "" {
		for d := range h.byUser[userID] {
			if d != deviceID {
				targets = append(targets, d)
			}
		}
	}
	h.mu.RUnlock()

	for _, d := range targets {
		h.SendToDevice(d, msg)
	}
}

// BroadcastToZone fans msg out to every connection subscribed to
// zoneID. A failing subscriber never affects delivery to the others.
func (h *Hub) BroadcastToZone(zoneID string, msg any) {
	h.fanout(h.snapshot(h.byZone, zoneID), msg, "zone")
}

// BroadcastToGroup fans msg out to every connection subscribed to groupID.
func (h *Hub) BroadcastToGroup(groupID string, msg any) {
	h.fanout(h.snapshot(h.byGroup, groupID), msg, "group")
}

// BroadcastToDashboards fans msg out to every observer connection.
func (h *Hub) BroadcastToDashboards(msg any) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.dashboards))
	for c := range h.dashboards {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	h.fanout(conns, msg, "dashboard")
}

func (h *Hub) snapshot(index map[string]map[*Connection]struct{}, key string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := index[key]
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) fanout(conns []*Connection, msg any, target string) {
	for _, c := range conns {
		if !c.enqueue(msg) {
			metrics.FanoutDroppedTotal.WithLabelValues(target).Inc()
		}
	}
}
