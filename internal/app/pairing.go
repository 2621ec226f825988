package app

import (
	"encoding/json"
	"time"

	"github.com/snarg/vitalguard/internal/connhub"
)

type pairingMsg struct {
	DeviceID string `json:"device_id"`
}

// targetDevice resolves which device a pairing/reconnect message refers
// to: the sender itself if it is a device, otherwise the explicit
// device_id in the payload (caregiver acting on the paired wearable).
func targetDevice(conn *connhub.Connection, raw json.RawMessage) string {
	if id := conn.DeviceID(); id != "" {
		return id
	}
	var m pairingMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.DeviceID
}

// handleCancelPairing revokes a device's pairing: its socket closes with
// the pairing-cancelled code and the paired caregiver client is told.
func (a *App) handleCancelPairing(conn *connhub.Connection, raw json.RawMessage) {
	deviceID := targetDevice(conn, raw)
	if deviceID == "" {
		conn.Send(map[string]any{"type": "error", "message": "device_id required"})
		return
	}

	a.hub.SendToPairedCaregiver(deviceID, map[string]any{
		"type":      "pairing-cancelled",
		"device_id": deviceID,
	})
	a.hub.CloseDeviceWithCode(deviceID, connhub.ClosePairingCancelled, "pairing cancelled")
	a.log.Info().Str("device_id", deviceID).Msg("pairing cancelled")
}

// handleReconnectRequest forwards a device's plea to re-pair to the
// caregiver client holding the approval decision.
func (a *App) handleReconnectRequest(conn *connhub.Connection) {
	deviceID := conn.DeviceID()
	if deviceID == "" {
		conn.Send(map[string]any{"type": "error", "message": "only devices may request reconnect"})
		return
	}
	a.hub.SendToPairedCaregiver(deviceID, map[string]any{
		"type":      "reconnect-requested",
		"device_id": deviceID,
		"user_id":   conn.UserID(),
		"at":        time.Now().UTC(),
	})
}

// handleReconnectDecision relays a caregiver's approve/reject verdict
// back to the waiting device.
func (a *App) handleReconnectDecision(conn *connhub.Connection, raw json.RawMessage, approved bool) {
	var m pairingMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.DeviceID == "" {
		conn.Send(map[string]any{"type": "error", "message": "device_id required"})
		return
	}
	msgType := "reconnect-rejected"
	if approved {
		msgType = "reconnect-approved"
	}
	a.hub.SendToDevice(m.DeviceID, map[string]any{"type": msgType, "device_id": m.DeviceID})
}
