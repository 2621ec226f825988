package session

import (
	"context"
	"strings"
)

// CaregiverEvents lists the caregiver-originated event names the session
// engine understands.
var CaregiverEvents = map[string]bool{
	"check_in":          true,
	"noise":             true,
	"health":            true,
	"active_monitoring": true,
}

// BuildEventContext translates a caregiver event into the contextual text
// handed to the conversational agent and the session mode the event
// implies ("" means leave the mode alone).
func BuildEventContext(event string, payload map[string]any) (string, Mode) {
	switch event {
	case "check_in":
		if instruction := trimmedString(payload, "instruction"); instruction != "" {
			return "Your job is to check in with the person about this: " + instruction + ".", ModeNormal
		}
		return "Your job is to check in with the person about this.", ModeNormal

	case "noise":
		mode := ModeNormal
		if distress, _ := payload["distress"].(bool); distress {
			mode = ModeDistress
		}
		if noise := trimmedString(payload, "noise"); noise != "" {
			return "This noise happened just now and you need to figure out if everything's alright: " + noise + ".", mode
		}
		return "This noise happened just now and you need to figure out if everything's alright.", mode

	case "health":
		mode := ModeNormal
		if distress, _ := payload["distress"].(bool); distress {
			mode = ModeDistress
		}
		if description := trimmedString(payload, "description"); description != "" {
			return "This health event just happened: " + description + ".", mode
		}
		return "This health event just happened", mode
	}

	return "New caregiver event received.", ""
}

func trimmedString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

// HandleCaregiverEvent routes a caregiver-originated event into the
// session: a live conversation gets a contextual update, an idle session
// gets a fresh conversation whose start reason explains the event, and no
// session at all gets one started in the event's implied mode.
func (s *Session) HandleCaregiverEvent(ctx context.Context, event string, payload map[string]any) {
	if event == "active_monitoring" {
		s.handleActiveMonitoring(ctx, payload)
		return
	}

	text, mode := BuildEventContext(event, payload)

	if s.HasActiveSession() {
		if s.HasActiveConversation() {
			s.sendContextualUpdate(text)
			if mode != "" && mode != s.currentMode() {
				s.TransferSession(mode, text, "")
			}
		} else {
			if mode != "" {
				s.SetMode(mode, text)
			}
			s.setConversationStartReason(text)
			go s.EnsureConversationActive(context.Background(), false)
		}
		s.logContextualUpdate(text)
		return
	}

	if mode != "" {
		s.SetMode(mode, text)
	}
	if err := s.EnsureSessionStarted(ctx, text, event); err != nil {
		return
	}
	s.logContextualUpdate(text)
	s.setConversationStartReason(text)
	go s.EnsureConversationActive(context.Background(), false)
}

func (s *Session) logContextualUpdate(text string) {
	sessionID := s.getSessionID()
	if sessionID == "" || s.events == nil {
		return
	}
	s.events.LogEvent(s.DeviceID, sessionID, "contextual_update", map[string]any{"text": text})
}

// handleActiveMonitoring toggles the per-device monitoring flag. Stopping
// monitoring while a session is open ends it.
func (s *Session) handleActiveMonitoring(ctx context.Context, payload map[string]any) {
	action, _ := payload["action"].(string)
	switch action {
	case "start":
		s.mu.Lock()
		s.monitoring = true
		s.mu.Unlock()
		if s.events != nil {
			s.events.LogEvent(s.DeviceID, s.getSessionID(), "monitoring_start", nil)
		}
	case "stop":
		if s.HasActiveSession() {
			s.EndSession(ctx, "Active monitoring ended by caregiver")
		}
		s.mu.Lock()
		s.monitoring = false
		s.mu.Unlock()
		if s.events != nil {
			s.events.LogEvent(s.DeviceID, "", "monitoring_end", nil)
		}
	}
}

// IsMonitored reports whether a caregiver has active monitoring enabled
// for this device.
func (s *Session) IsMonitored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring
}
