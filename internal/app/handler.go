package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snarg/vitalguard/internal/buffer"
	"github.com/snarg/vitalguard/internal/connhub"
	"github.com/snarg/vitalguard/internal/vitals"
)

// HandleText implements connhub.Handler, dispatching on the inbound
// message grammar's type discriminator. Messages other than the
// authentication handshake, ping, and dashboard registration require an
// authenticated connection.
func (a *App) HandleText(conn *connhub.Connection, msgType string, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msgType {
	case "authenticate", "register", "ping", "dashboard_subscribe":
	default:
		if !conn.Authenticated() {
			conn.Send(map[string]any{"type": "error", "message": "not authenticated"})
			return
		}
	}

	switch msgType {
	case "authenticate":
		a.handleAuthenticate(conn, raw)
	case "register":
		a.handleRegister(conn, raw)
	case "subscribe-group", "subscribe_group":
		a.handleSubscribeGroup(conn, raw)
	case "dashboard_subscribe":
		a.handleDashboardSubscribe(conn)
	case "ping":
		conn.Send(map[string]any{"type": "pong", "timestamp": time.Now().UTC()})
	case "health_data", "health-update":
		a.handleHealthData(ctx, conn, raw)
	case "health_batch":
		a.handleHealthBatch(ctx, conn, raw)
	case "command":
		a.handleCommand(ctx, conn, raw)
	case "caregiver-event":
		a.handleCaregiverEvent(conn, raw)
	case "caregiver-call-start":
		a.handleCaregiverCallStart(ctx, conn, raw)
	case "caregiver-call-end":
		a.handleCaregiverCallEnd(conn, raw)
	case "cancel-pairing":
		a.handleCancelPairing(conn, raw)
	case "reconnect-request":
		a.handleReconnectRequest(conn)
	case "reconnect-approve":
		a.handleReconnectDecision(conn, raw, true)
	case "reconnect-reject":
		a.handleReconnectDecision(conn, raw, false)
	case "deadman-cancel":
		a.handleDeadmanCancel(conn, raw)
	case "media-event":
		a.handleMediaEvent(conn, raw)
	case "tts-playback-complete":
		a.handleTTSComplete(conn)
	case "pulse-checkin":
		a.handlePulseCheckin(conn, raw)
	case "episode-start":
		a.handleEpisodeStart(conn, raw)
	case "calming-done":
		a.handleCalmingDone(conn, raw)
	case "presage-result":
		a.handlePresageResult(ctx, conn, raw)
	case "resolve":
		a.handleEpisodeResolve(conn, raw)
	default:
		a.log.Debug().Str("type", msgType).Msg("unhandled message type")
	}
}

// HandleBinary implements connhub.Handler. Binary frames from a watch are
// upstream PCM16 audio bound for the external conversational agent.
func (a *App) HandleBinary(conn *connhub.Connection, data []byte) {
	s := a.sessionFor(conn.DeviceID())
	if s == nil {
		return
	}
	s.HandleUserAudioChunk(context.Background(), data)
}

// OnDisconnect implements connhub.Handler.
func (a *App) OnDisconnect(conn *connhub.Connection) {
	if conn.DeviceID() == "" {
		return
	}
	if s := a.sessionFor(conn.DeviceID()); s != nil {
		s.OnWatchDisconnected(context.Background())
	}
}

type authenticateMsg struct {
	DeviceID string   `json:"device_id"`
	UserID   string   `json:"user_id"`
	ZoneIDs  []string `json:"zone_ids"`
	GroupIDs []string `json:"group_ids"`
}

func (a *App) handleAuthenticate(conn *connhub.Connection, raw json.RawMessage) {
	var m authenticateMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.DeviceID == "" || m.UserID == "" {
		conn.Send(map[string]any{"type": "auth_error", "message": "device_id and user_id required"})
		return
	}

	zoneIDs, groupIDs := a.resolveMembership(m.DeviceID, m.ZoneIDs, m.GroupIDs)
	a.hub.AuthenticateDevice(conn, m.DeviceID, m.UserID, zoneIDs, groupIDs)

	a.mu.Lock()
	if len(zoneIDs) > 0 {
		a.zones[m.DeviceID] = zoneIDs[0]
	}
	a.groups[m.DeviceID] = groupIDs
	a.users[m.DeviceID] = m.UserID
	a.mu.Unlock()

	if a.db != nil && len(zoneIDs) > 0 {
		go a.db.RegisterDevice(context.Background(), m.DeviceID, m.UserID, zoneIDs[0])
	}

	conn.Send(map[string]any{
		"type":      "authenticated",
		"device_id": m.DeviceID,
		"user_id":   m.UserID,
		"zone_ids":  zoneIDs,
	})
}

// resolveMembership prefers zone/group ids the device itself asserts,
// falling back to the external store's zone for the device. The file
// override cache is not consulted here, and group ids are never looked up.
func (a *App) resolveMembership(deviceID string, zoneIDs, groupIDs []string) ([]string, []string) {
	if len(zoneIDs) > 0 {
		return zoneIDs, groupIDs
	}
	if a.db != nil {
		if d, err := a.db.DeviceByID(context.Background(), deviceID); err == nil && d.ZoneID != "" {
			return []string{d.ZoneID}, groupIDs
		}
	}
	return zoneIDs, groupIDs
}

type registerMsg struct {
	Role   string `json:"role"`
	UserID string `json:"user_id"`
}

// handleRegister is the legacy relay shim: relays identify by role
// alone, without the full device authentication handshake.
func (a *App) handleRegister(conn *connhub.Connection, raw json.RawMessage) {
	var m registerMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	role := connhub.RoleRelay
	if m.Role == "watch" {
		role = connhub.RoleWatch
	} else if m.Role == "mobile" {
		role = connhub.RoleMobile
	}
	a.hub.AuthenticateObserver(conn, role, m.UserID)
	conn.Send(map[string]any{"type": "authenticated", "role": m.Role})
}

type subscribeGroupMsg struct {
	GroupID string `json:"groupId"`
}

func (a *App) handleSubscribeGroup(conn *connhub.Connection, raw json.RawMessage) {
	var m subscribeGroupMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	a.hub.SubscribeGroup(conn, m.GroupID)
}

func (a *App) handleDashboardSubscribe(conn *connhub.Connection) {
	a.hub.AuthenticateObserver(conn, connhub.RoleDashboard, "")
	conn.Send(map[string]any{
		"type":            "dashboard_subscribed",
		"active_devices":  a.hub.ActiveDevices(),
		"active_connections": a.hub.ActiveConnections(),
	})
}

func (a *App) handleHealthData(ctx context.Context, conn *connhub.Connection, raw json.RawMessage) {
	reading, err := vitals.ParseReading(raw)
	if err != nil || reading.DeviceID == "" {
		return
	}
	a.ingestReading(ctx, reading, conn)
}

type healthBatchMsg struct {
	DeviceID string      `json:"device_id"`
	Window   [][4]float64 `json:"window"`
}

func (a *App) handleHealthBatch(ctx context.Context, conn *connhub.Connection, raw json.RawMessage) {
	var m healthBatchMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.DeviceID == "" || len(m.Window) == 0 {
		return
	}
	score := a.inferProxy.Infer(ctx, buffer.Window(m.Window))
	a.registry.Set(m.DeviceID, score, time.Now())

	conn.Send(map[string]any{
		"type":       "anomaly_result",
		"device_id":  m.DeviceID,
		"score":      score.OverallScore,
		"is_anomaly": score.IsAnomaly,
	})
	a.hub.BroadcastToDashboards(map[string]any{
		"type":      "inference_result",
		"device_id": m.DeviceID,
		"result":    score,
	})

	a.recomputeAggregation(m.DeviceID)
	if score.IsAnomaly {
		a.triggerEpisode(m.DeviceID, conn.UserID(), map[string]any{"overall_score": score.OverallScore})
	}
}
