package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snarg/vitalguard/internal/connhub"
	"github.com/snarg/vitalguard/internal/session"
)

// handleCommand is the watch-initiated conversation starter: the
// wearer presses the talk button, the paired caregiver is
// rung immediately, and the agent comes up listening rather than greeting.
func (a *App) handleCommand(ctx context.Context, conn *connhub.Connection, raw json.RawMessage) {
	var m struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	s := a.sessionFor(conn.DeviceID())
	if s == nil {
		conn.Send(map[string]any{"type": "error", "message": "conversational agent not configured"})
		return
	}
	switch m.Command {
	case "end_conversation":
		s.EndSession(ctx, "watch_command_end")
	default:
		if s.HasActiveSession() {
			return
		}
		// Ring the caregiver before any store or agent round-trip.
		a.hub.SendToPairedCaregiver(conn.DeviceID(), map[string]any{
			"type":         "ring-episode-alert",
			"device_id":    conn.DeviceID(),
			"member_name":  conn.UserID(),
			"trigger_type": "command",
			"phase":        "session_started",
		})

		s.SetMode(session.ModeNormal, "watch command")
		const reason = "The patient wanted to initially tell you something."
		if err := s.EnsureSessionStarted(ctx, reason, "command"); err != nil {
			conn.Send(map[string]any{"type": "error", "message": "could not start session"})
			return
		}
		s.SetDynamicVar("conversation_start_reason", reason)
		go s.EnsureConversationActive(context.Background(), true)
	}
}

type caregiverEventMsg struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// handleCaregiverEvent routes a caregiver-originated signal (check-in,
// noise report, health event, active-monitoring toggle) into the paired
// device's conversational session, and mirrors it to observer dashboards.
func (a *App) handleCaregiverEvent(conn *connhub.Connection, raw json.RawMessage) {
	var m caregiverEventMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.Event == "" {
		return
	}
	if !session.CaregiverEvents[m.Event] {
		conn.Send(map[string]any{"type": "error", "message": "Unknown caregiver event"})
		return
	}

	deviceID := a.pairedDeviceFor(conn, m.Payload)
	if deviceID == "" {
		conn.Send(map[string]any{"type": "error", "message": "No paired device found"})
		return
	}

	a.hub.BroadcastToDashboards(map[string]any{
		"type":      "caregiver-alert",
		"device_id": deviceID,
		"event":     m.Event,
		"payload":   m.Payload,
	})

	s := a.sessionFor(deviceID)
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.HandleCaregiverEvent(ctx, m.Event, m.Payload)
}

// pairedDeviceFor resolves which wearable a caregiver message targets:
// an explicit device_id in the payload, a live device sharing the
// caregiver's user id, or the store's pairing record.
func (a *App) pairedDeviceFor(conn *connhub.Connection, payload map[string]any) string {
	if id, _ := payload["device_id"].(string); id != "" {
		return id
	}
	if conn.UserID() != "" {
		if devices := a.hub.UserDeviceIDs(conn.UserID()); len(devices) > 0 {
			return devices[0]
		}
		if a.db != nil {
			if id, err := a.db.DeviceForUser(context.Background(), conn.UserID()); err == nil {
				return id
			}
		}
	}
	return ""
}

type pendingRefMsg struct {
	PendingID string `json:"pendingId"`
}

// handleCaregiverCallStart confirms the watch actually began the
// dead-man-armed caregiver call, committing the pending action.
func (a *App) handleCaregiverCallStart(ctx context.Context, conn *connhub.Connection, raw json.RawMessage) {
	var m pendingRefMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PendingID == "" {
		return
	}
	s := a.sessionFor(conn.DeviceID())
	if s == nil {
		return
	}
	s.CommitDeadman(m.PendingID)
	s.PauseConversation("caregiver_call_active", true)
}

// handleCaregiverCallEnd resumes the companion conversation once a
// caregiver call has ended.
func (a *App) handleCaregiverCallEnd(conn *connhub.Connection, raw json.RawMessage) {
	s := a.sessionFor(conn.DeviceID())
	if s == nil {
		return
	}
	go s.EnsureConversationActive(context.Background(), false)
}

// handleDeadmanCancel cancels a pending dead-man-armed action, e.g. the
// wearer dismissing an about-to-start caregiver call or media playback.
func (a *App) handleDeadmanCancel(conn *connhub.Connection, raw json.RawMessage) {
	var m pendingRefMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PendingID == "" {
		return
	}
	if s := a.sessionFor(conn.DeviceID()); s != nil {
		s.CancelDeadman(m.PendingID, session.CancelCancelled)
	}
}

type mediaEventMsg struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// handleMediaEvent forwards a watch-reported media lifecycle event
// (playlist exhausted, slideshow dismissed) into the session's media
// automation controller.
func (a *App) handleMediaEvent(conn *connhub.Connection, raw json.RawMessage) {
	var m mediaEventMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.Event == "" {
		return
	}
	if s := a.sessionFor(conn.DeviceID()); s != nil {
		s.NotifyMediaEvent(m.Event, m.Payload)
	}
}

// handleTTSComplete closes the session's wait on the watch confirming
// synthesized speech finished playing.
func (a *App) handleTTSComplete(conn *connhub.Connection) {
	if s := a.sessionFor(conn.DeviceID()); s != nil {
		s.NotifyTTSPlaybackComplete()
	}
}

type pulseCheckinMsg struct {
	Status string `json:"status"`
}

// handlePulseCheckin relays a scheduled wellness check-in result to the
// wearer's paired caregiver client.
func (a *App) handlePulseCheckin(conn *connhub.Connection, raw json.RawMessage) {
	var m pulseCheckinMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	a.hub.SendToPairedCaregiver(conn.DeviceID(), map[string]any{
		"type":      "ring-pulse-checkin",
		"device_id": conn.DeviceID(),
		"user_id":   conn.UserID(),
		"status":    m.Status,
		"at":        time.Now().UTC(),
	})
}
