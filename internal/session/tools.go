package session

import "context"

// ToolContext is the narrow set of Session operations a tool handler
// needs, passed explicitly rather than the whole Session so tool
// handlers stay testable in isolation.
type ToolContext struct {
	DeviceID string

	StartMedia      func(action, vibe string, sendResult func(ok bool, message string))
	StopMedia       func(action string)
	TransferSession func(mode Mode, reason, firstMessage string)
	CallCaregiver   func(context string, sendResult func(ok bool, message string))
	SendResult      func(toolCallID, result string, isError bool)
}

func (s *Session) toolContext() ToolContext {
	return ToolContext{
		DeviceID:        s.DeviceID,
		StartMedia:      s.ArmMediaStart,
		StopMedia:       s.stopMediaAndDeadman,
		TransferSession: s.TransferSession,
		CallCaregiver:   s.ArmCaregiverCall,
		SendResult:      s.sendToolResult,
	}
}

// stopMediaAndDeadman cancels any pending media countdown for the action
// before stopping the playback itself.
func (s *Session) stopMediaAndDeadman(action string) {
	s.deadman.CancelIfAction(action, CancelStopped)
	s.media.Stop(action)
}

// HandleToolCall dispatches one client_tool_call event from the agent
// to the media, transfer, or caregiver-call handler it names.
func HandleToolCall(ctx context.Context, tc ToolContext, toolName, toolCallID string, params map[string]any) {
	switch toolName {
	case "media_control":
		handleMediaControl(tc, toolCallID, params)
	case "transfer_to_caregiver":
		callContext, _ := params["context"].(string)
		tc.CallCaregiver(callContext, func(ok bool, message string) {
			tc.SendResult(toolCallID, message, !ok)
		})
	case "transfer_to_regular":
		tc.TransferSession(ModeNormal, "", "")
		tc.SendResult(toolCallID, "Switched to regular support.", false)
	case "transfer_to_distress":
		tc.TransferSession(ModeDistress, "", "")
		tc.SendResult(toolCallID, "Switched to distress support.", false)
	case "start_media":
		handleMediaControl(tc, toolCallID, params)
	case "stop_media":
		action, _ := params["action"].(string)
		tc.StopMedia(action)
		tc.SendResult(toolCallID, "Stopped "+action, false)
	default:
		tc.SendResult(toolCallID, "Unknown tool: "+toolName, true)
	}
}

func handleMediaControl(tc ToolContext, toolCallID string, params map[string]any) {
	action, _ := params["action"].(string)
	vibe, _ := params["vibe"].(string)
	if action != MediaPlayMusic && action != MediaDisplayImages {
		tc.SendResult(toolCallID, "Unsupported media action: "+action, true)
		return
	}
	tc.StartMedia(action, vibe, func(ok bool, message string) {
		tc.SendResult(toolCallID, message, !ok)
	})
}
