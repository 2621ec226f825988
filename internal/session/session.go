// Package session implements the per-device conversational companion
// session: voice-activity gating, a dead-man switch around caregiver
// and media actions, media automation, and a socket to an external
// conversational agent. The controllers are composed through narrow
// capability closures rather than back-pointers, so each one sees only
// the slice of the session it needs.
package session

import (
	"context"
	"sync"
	"time"
)

// Mode is the conversational register a session is running in.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDistress Mode = "distress"
)

// AgentState tracks the external agent socket's lifecycle.
type AgentState string

const (
	AgentInactive   AgentState = "inactive"
	AgentConnecting AgentState = "connecting"
	AgentActive     AgentState = "active"
)

const maxPendingToolCalls = 100

// ttsAckTimeout caps how long the session waits for the watch to confirm
// TTS playback finished before proceeding anyway.
const ttsAckTimeout = 3 * time.Second

// TTSPlayer streams synthesized speech as raw PCM16 chunks. Implemented
// by internal/tts against the external voice endpoint; nil when no voice
// credentials are configured, in which case spoken announcements are
// silently skipped.
type TTSPlayer interface {
	Stream(ctx context.Context, text string, onChunk func([]byte)) error
}

// WatchSender is the narrow slice of the connection plane a Session needs
// to reach its device and that device's paired caregiver client.
type WatchSender interface {
	SendToDevice(deviceID string, msg any) bool
	SendBinaryToDevice(deviceID string, data []byte) bool
	SendToPairedCaregiver(deviceID string, msg any)
}

// SessionStore opens and closes the durable session record, backed by
// internal/store's session-id allocator.
type SessionStore interface {
	StartSession(ctx context.Context, deviceID, reason, triggerType string, mode Mode) (string, error)
	EndSession(ctx context.Context, sessionID, reason string, endingMode Mode) error
	ActiveSessionID(ctx context.Context, deviceID string) (string, bool)
}

// EventLogger records session events for later summarization
// (internal/sessionlog).
type EventLogger interface {
	LogEvent(deviceID, sessionID, eventType string, data map[string]any)
}

// AgentFactory creates a fresh connection to the external conversational
// agent for one conversation turn.
type AgentFactory func(agentID string, onEvent func(AgentEvent)) (AgentConn, error)

// Session is one device's conversational state machine. Exported methods
// are safe for concurrent use; internal state is guarded by mu.
type Session struct {
	DeviceID string
	UserID   string

	watch    WatchSender
	store    SessionStore
	events   EventLogger
	newAgent AgentFactory
	tts      TTSPlayer

	normalAgentID, distressAgentID string
	patientName, caregiverName     string

	mu sync.Mutex

	agent           AgentConn
	agentState      AgentState
	lastStartReason string

	sessionID       string
	mode            Mode
	hadConversation bool
	pendingFirstMsg string
	monitoring      bool

	// suppressEndOnClose marks the next agent-socket close as one we
	// asked for, so it does not tear down the logical session.
	suppressEndOnClose bool
	initPayload        map[string]any

	dynamicVars   map[string]any
	toolCallNames map[string]string
	toolCallOrder []string

	ttsComplete chan struct{}

	audio   *AudioGate
	vad     *VadProcessor
	deadman *DeadmanSwitch
	media   *MediaAutomation

	connReady chan struct{}
}

// Options configures a new Session.
type Options struct {
	DeviceID, UserID string
	Watch            WatchSender
	Store            SessionStore
	Events           EventLogger
	NewAgent         AgentFactory
	TTS              TTSPlayer
	NormalAgentID    string
	DistressAgentID  string
	PatientName      string
	CaregiverName    string
	VAD              VADClient
	DeadmanExpiry    time.Duration
}

// New builds a Session and wires its capability components, handing
// each controller closures in place of a back-pointer to the Session.
func New(opts Options) *Session {
	s := &Session{
		DeviceID:        opts.DeviceID,
		UserID:          opts.UserID,
		watch:           opts.Watch,
		store:           opts.Store,
		events:          opts.Events,
		newAgent:        opts.NewAgent,
		tts:             opts.TTS,
		normalAgentID:   opts.NormalAgentID,
		distressAgentID: opts.DistressAgentID,
		patientName:     opts.PatientName,
		caregiverName:   opts.CaregiverName,
		agentState:      AgentInactive,
		mode:            ModeNormal,
		dynamicVars:     make(map[string]any),
		toolCallNames:   make(map[string]string),
	}

	s.audio = NewAudioGate(AudioGateOptions{
		SendAudio:         s.sendAudioToAgent,
		IsAgentReady:      s.isAgentReady,
		OnIdleTimeout:     s.handleSpeechIdleTimeout,
		SendToWatchBinary: s.SendBinaryToWatch,
	})
	s.vad = NewVadProcessor(opts.VAD, s.processVadDecision)
	s.deadman = NewDeadmanSwitch(DeadmanOptions{
		SendToWatch:    s.SendToWatch,
		GetSessionID:   func() string { return s.getSessionID() },
		IsUserSpeaking: func() bool { return s.audio.SpeechActive() },
		Expiry:         opts.DeadmanExpiry,
	})
	s.media = NewMediaAutomation(MediaOptions{
		DeviceID:          opts.DeviceID,
		GetSessionID:      func() string { return s.getSessionID() },
		SendToWatch:       s.SendToWatch,
		PauseConversation: s.PauseConversation,
		IsUserSpeaking:    func() bool { return s.audio.SpeechActive() },
		IsDeadmanPending:  s.deadman.IsPending,
		OnMediaExhausted:  s.handleMediaExhausted,
		PlayTTS:           s.speakTTS,
	})

	return s
}

// HasActiveSession reports whether a durable session record is open.
func (s *Session) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != ""
}

func (s *Session) getSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// HasActiveConversation reports whether the agent socket is up or coming up.
func (s *Session) HasActiveConversation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentState == AgentActive || s.agentState == AgentConnecting
}

// SetMode switches normal/distress register, logging the transition.
func (s *Session) SetMode(mode Mode, reason string) {
	s.mu.Lock()
	previous := s.mode
	if previous == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID != "" && s.events != nil {
		s.events.LogEvent(s.DeviceID, sessionID, "session_mode_change", map[string]any{
			"from": previous, "to": mode, "reason": reason,
		})
	}
}

func (s *Session) setConversationStartReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicVars["conversation_start_reason"] = reason
}

// SetDynamicVar stores a key/value pair the next conversation-initiation
// payload should include, e.g. a precomputed session-log summary of the
// wearer's recent episode history.
func (s *Session) SetDynamicVar(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicVars[key] = value
}

func (s *Session) selectAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeDistress && s.distressAgentID != "" {
		return s.distressAgentID
	}
	return s.normalAgentID
}

// SendToWatch delivers a JSON message to this session's device.
func (s *Session) SendToWatch(msg any) {
	s.watch.SendToDevice(s.DeviceID, msg)
}

// SendBinaryToWatch delivers raw PCM16 audio to this session's device.
func (s *Session) SendBinaryToWatch(data []byte) {
	s.watch.SendBinaryToDevice(s.DeviceID, data)
}

// EnsureSessionStarted opens a durable session record if one is not
// already open or opening.
func (s *Session) EnsureSessionStarted(ctx context.Context, reason, triggerType string) error {
	s.mu.Lock()
	if s.sessionID != "" {
		s.mu.Unlock()
		return nil
	}
	mode := s.mode
	s.mu.Unlock()

	id, err := s.store.StartSession(ctx, s.DeviceID, reason, triggerType, mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	return nil
}

// EndSession tears down the agent socket, cancels any pending media
// dead-man action (a pending caregiver call stays armed), resets
// VAD/audio state, and closes the durable session record.
func (s *Session) EndSession(ctx context.Context, reason string) {
	s.watch.SendToPairedCaregiver(s.DeviceID, map[string]any{
		"type":        "ring-episode-resolved",
		"device_id":   s.DeviceID,
		"member_name": s.UserID,
		"resolution":  reason,
	})

	s.media.Deactivate()
	s.deadman.CancelIfAction("play_music", CancelStopped)
	s.deadman.CancelIfAction("display_images", CancelStopped)

	s.PauseConversation(reason, false)

	s.mu.Lock()
	sessionID := s.sessionID
	endingMode := s.mode
	s.sessionID = ""
	s.dynamicVars = make(map[string]any)
	s.mode = ModeNormal
	s.hadConversation = false
	s.pendingFirstMsg = ""
	s.toolCallNames = make(map[string]string)
	s.toolCallOrder = nil
	s.mu.Unlock()

	s.vad.Reset()
	s.audio.Reset()

	if sessionID == "" {
		if active, ok := s.store.ActiveSessionID(ctx, s.DeviceID); ok {
			sessionID = active
		}
	}
	if sessionID != "" {
		_ = s.store.EndSession(ctx, sessionID, reason, endingMode)
	}
}

// PauseConversation closes the agent socket without ending the durable
// session, optionally preserving audio already queued for the agent.
func (s *Session) PauseConversation(reason string, preservePending bool) {
	s.mu.Lock()
	agent := s.agent
	s.agent = nil
	s.agentState = AgentInactive
	s.suppressEndOnClose = true
	s.mu.Unlock()

	if agent != nil {
		agent.Close(1000, reason)
	}
	if !preservePending {
		s.audio.ClearPending()
	}
}

// ArmMediaStart arms a cancellable media start: the watch shows a
// countdown, and unless the wearer cancels, the media actually begins
// when the countdown commits. Fails with ErrPendingConflict while a
// caregiver call is pending.
func (s *Session) ArmMediaStart(action, vibe string, sendResult func(ok bool, message string)) {
	s.media.OnNewStartRequested()

	_, err := s.deadman.ArmStart(action,
		func() {
			s.media.StartMedia(action, vibe, sendResult)
		},
		func(reason DeadmanCancelReason) {
			switch reason {
			case CancelCancelled:
				sendResult(false, "User cancelled starting media.")
			case CancelSuperseded:
				sendResult(false, "Media request superseded.")
			case CancelStopped:
				sendResult(false, "Media request stopped.")
			}
		})
	if err != nil {
		sendResult(false, "Cannot start media while a caregiver call is pending.")
	}
}

// ArmCaregiverCall arms a cancellable caregiver handoff. On commit the
// paired caregiver is rung and the conversation pauses; on cancel the
// agent is told why. Fails with ErrPendingConflict while a media start is
// pending.
func (s *Session) ArmCaregiverCall(callContext string, sendResult func(ok bool, message string)) {
	resultMsg := "Notified the caregiver to step in."
	if callContext != "" {
		resultMsg = "Notified the caregiver to step in. Context: " + callContext
	}

	_, err := s.deadman.ArmStart("start_call",
		func() {
			s.logContextualUpdate("Asked the caregiver to step in.")
			s.watch.SendToPairedCaregiver(s.DeviceID, map[string]any{
				"type":         "ring-episode-alert",
				"device_id":    s.DeviceID,
				"member_name":  s.UserID,
				"trigger_type": "caregiver_call",
				"context":      callContext,
			})
			sendResult(true, resultMsg)
			go func() {
				time.Sleep(150 * time.Millisecond)
				s.PauseConversation("Handing off to caregiver", false)
			}()
		},
		func(reason DeadmanCancelReason) {
			switch reason {
			case CancelCancelled:
				sendResult(false, "User cancelled contacting caregiver.")
			case CancelSuperseded:
				sendResult(false, "Caregiver transfer superseded.")
			case CancelStopped:
				sendResult(false, "Caregiver transfer stopped.")
			}
		})
	if err != nil {
		sendResult(false, "Cannot contact the caregiver while media is starting.")
	}
}

// CommitDeadman confirms a pending dead-man-armed action (e.g. the watch
// reporting a caregiver call actually started), running its onCommit
// callback.
func (s *Session) CommitDeadman(pendingID string) bool {
	return s.deadman.Commit(pendingID)
}

// CancelDeadman cancels a pending dead-man-armed action for an explicit
// reason, running its onCancel callback.
func (s *Session) CancelDeadman(pendingID string, reason DeadmanCancelReason) bool {
	return s.deadman.Cancel(pendingID, reason)
}

// NotifyMediaEvent forwards a watch-reported media lifecycle event
// (playlist exhausted, slideshow dismissed) to the media automation
// controller.
func (s *Session) NotifyMediaEvent(event string, payload map[string]any) {
	s.media.OnMediaEvent(event, payload)
}

func (s *Session) isAgentReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent != nil && s.agent.IsOpen()
}

func (s *Session) sendAudioToAgent(base64Chunk string) {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent != nil && agent.IsOpen() {
		agent.SendAudioChunk(base64Chunk)
	}
}

func (s *Session) handleSpeechIdleTimeout() {
	if s.audio.SpeechActive() {
		s.EndSpeech(s.vad.LastProbability())
	}
}

func (s *Session) handleMediaExhausted(mediaType string) {
	sessionID := s.getSessionID()
	if sessionID != "" && s.events != nil {
		s.events.LogEvent(s.DeviceID, sessionID, "contextual_update", map[string]any{
			"text": "Media exhausted: " + mediaType,
		})
	}

	s.mu.Lock()
	ready := s.agent != nil && s.agent.IsOpen()
	s.mu.Unlock()

	if ready {
		s.sendContextualUpdate("The " + mediaType + " playlist has finished.")
		return
	}
	s.setConversationStartReason("The " + mediaType + " playlist has finished.")
	go s.EnsureConversationActive(context.Background(), false)
}

func (s *Session) sendContextualUpdate(text string) {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent == nil || !agent.IsOpen() {
		return
	}
	agent.SendJSON(map[string]any{"type": "contextual_update", "text": text})
}

// HandleUserAudioChunk starts a session on first audio if needed and
// forwards the chunk to the VAD pipeline.
func (s *Session) HandleUserAudioChunk(ctx context.Context, pcm16 []byte) {
	if !s.HasActiveSession() {
		_ = s.EnsureSessionStarted(ctx, "User audio received from the watch.", "user_audio")
	}
	if !s.HasActiveSession() || len(pcm16) == 0 {
		return
	}
	s.audio.MarkActivity()
	s.vad.Enqueue(pcm16)
}

// StartSpeech marks the beginning of a user speech segment, notifying
// media automation and (if needed) bringing the agent conversation up.
func (s *Session) StartSpeech(probability float64) {
	if s.audio.SpeechActive() || !s.HasActiveSession() {
		return
	}
	s.audio.SetSpeechActive(true)
	s.audio.StopSilenceFill()
	s.media.OnUserSpeechStart()

	if sessionID := s.getSessionID(); sessionID != "" && s.events != nil {
		s.events.LogEvent(s.DeviceID, sessionID, "user_speech_start", map[string]any{"vad": probability})
	}

	s.mu.Lock()
	active := s.agentState == AgentActive
	s.mu.Unlock()
	if !active {
		s.setConversationStartReason(defaultUserSpeechStartReason)
		go s.EnsureConversationActive(context.Background(), true)
	}
}

// EndSpeech marks the end of a user speech segment.
func (s *Session) EndSpeech(probability float64) {
	if !s.audio.SpeechActive() || !s.HasActiveSession() {
		return
	}
	s.audio.SetSpeechActive(false)
	s.vad.ResetStreaks()

	if sessionID := s.getSessionID(); sessionID != "" && s.events != nil {
		s.events.LogEvent(s.DeviceID, sessionID, "user_speech_end", map[string]any{"vad": probability})
	}

	s.audio.SendSilenceTail()
	s.audio.StartSilenceFill()
	s.media.OnUserSpeechEnd()
}

// OnWatchDisconnected cancels any pending dead-man action and closes the
// session — the watch going away is not a graceful end.
func (s *Session) OnWatchDisconnected(ctx context.Context) {
	s.deadman.CancelAny(CancelStopped)
	s.EndSession(ctx, defaultWatchDisconnectedReason)
}

const (
	defaultUserSpeechStartReason  = "User started speaking."
	defaultWatchDisconnectedReason = "Watch disconnected."
	defaultDistressStartReason    = "Distress event detected."
	defaultRegularStartReason     = "Returning to regular support."
)

// EnsureConversationActive opens the agent socket if it is not already
// up or coming up, waiting for the open handshake to complete. The
// conversation-initiation payload is computed before dialing so the
// agent's opening turn is never delayed by context assembly.
func (s *Session) EnsureConversationActive(ctx context.Context, silenceOnInit bool) bool {
	if !s.HasActiveSession() {
		return false
	}

	s.mu.Lock()
	if s.agentState == AgentActive || s.agentState == AgentConnecting {
		ready := s.connReady
		s.mu.Unlock()
		if ready != nil {
			<-ready
		}
		s.mu.Lock()
		active := s.agentState == AgentActive
		s.mu.Unlock()
		return active
	}
	s.agentState = AgentConnecting
	s.suppressEndOnClose = false
	s.connReady = make(chan struct{})
	ready := s.connReady
	s.mu.Unlock()

	payload := s.precomputeInitPayload(silenceOnInit)
	s.mu.Lock()
	s.initPayload = payload
	s.mu.Unlock()

	conn, err := s.newAgent(s.selectAgentID(), s.handleAgentEvent)
	if err != nil {
		s.mu.Lock()
		s.agent = nil
		s.agentState = AgentInactive
		s.mu.Unlock()
		close(ready)
		return false
	}

	s.mu.Lock()
	s.agent = conn
	s.mu.Unlock()
	conn.Connect()

	<-ready
	s.mu.Lock()
	active := s.agentState == AgentActive
	s.mu.Unlock()
	return active
}

// TransferSession switches the session's mode (normal/distress),
// interrupting any in-progress conversation and restarting it under the
// new mode.
func (s *Session) TransferSession(mode Mode, reason, firstMessage string) {
	target := ModeNormal
	if mode == ModeDistress {
		target = ModeDistress
	}
	if target == s.currentMode() && !s.HasActiveConversation() {
		return
	}

	effective := reason
	if effective == "" {
		if target == ModeDistress {
			effective = defaultDistressStartReason
		} else {
			effective = defaultRegularStartReason
		}
	}

	s.SetMode(target, effective)
	s.setConversationStartReason(effective)

	if firstMessage != "" {
		s.mu.Lock()
		s.pendingFirstMsg = firstMessage
		s.mu.Unlock()
	}

	if s.HasActiveConversation() {
		closeReason := "Switching to regular support"
		if target == ModeDistress {
			closeReason = "Switching to distress support"
		}
		s.PauseConversation(closeReason, true)
	}

	go s.EnsureConversationActive(context.Background(), false)
}

func (s *Session) currentMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) processVadDecision(pcm16 []byte, base64Chunk string, probability float64, isSpeech bool) {
	if !s.audio.SpeechActive() {
		s.audio.QueuePreRoll(base64Chunk, len(pcm16))
	}

	streak, started := s.vad.RecordFrame(isSpeech)
	_ = streak

	if started && !s.audio.SpeechActive() {
		s.StartSpeech(probability)
		s.audio.FlushPreRoll()
		return
	}

	if s.audio.SpeechActive() {
		s.mu.Lock()
		notActive := s.agentState != AgentActive && s.agentState != AgentConnecting
		s.mu.Unlock()
		if notActive {
			s.setConversationStartReason(defaultUserSpeechStartReason)
			go s.EnsureConversationActive(context.Background(), true)
		}
		s.audio.QueueAudioToAgent(base64Chunk)

		if s.vad.SilenceStreak() >= VADStopFrames {
			s.EndSpeech(probability)
		}
	}
}

// precomputeInitPayload assembles the conversation_initiation_client_data
// frame before the agent socket is dialed, so the open handler only has
// to write pre-built JSON. silenceOnInit forces an empty first message so
// the agent listens instead of greeting.
func (s *Session) precomputeInitPayload(silenceOnInit bool) map[string]any {
	s.mu.Lock()
	vars := make(map[string]any, len(s.dynamicVars)+5)
	for k, v := range s.dynamicVars {
		vars[k] = v
	}
	firstMsg := s.pendingFirstMsg
	s.pendingFirstMsg = ""
	s.mu.Unlock()

	if _, ok := vars["patient_name"]; !ok {
		name := s.patientName
		if name == "" {
			name = s.UserID
		}
		vars["patient_name"] = name
	}
	if _, ok := vars["caregiver_name"]; !ok {
		vars["caregiver_name"] = s.caregiverName
	}
	vars["music_playing"] = s.media.IsMusicPlaying()
	vars["images_displaying"] = s.media.IsImagesDisplaying()
	if reason, ok := vars["conversation_start_reason"].(string); !ok || reason == "" || reason == "unknown" {
		vars["conversation_start_reason"] = defaultUserSpeechStartReason
	}
	s.mu.Lock()
	s.lastStartReason, _ = vars["conversation_start_reason"].(string)
	s.mu.Unlock()
	if _, ok := vars["session_logs"]; !ok {
		vars["session_logs"] = "(no recent events)"
	}

	payload := map[string]any{
		"type":                    "conversation_initiation_client_data",
		"user_input_audio_format": "pcm_s16le_16000",
		"dynamic_variables":       vars,
	}
	if silenceOnInit {
		firstMsg = ""
		payload["conversation_config_override"] = map[string]any{
			"agent": map[string]any{"first_message": ""},
		}
	} else if firstMsg != "" {
		payload["conversation_config_override"] = map[string]any{
			"agent": map[string]any{"first_message": firstMsg},
		}
	}
	return payload
}

// handleAgentEvent is the AgentConn callback invoked on open/message/close/error.
func (s *Session) handleAgentEvent(ev AgentEvent) {
	switch ev.Type {
	case AgentEventOpen:
		s.mu.Lock()
		s.agentState = AgentActive
		s.hadConversation = true
		agent := s.agent
		payload := s.initPayload
		s.initPayload = nil
		delete(s.dynamicVars, "conversation_start_reason")
		ready := s.connReady
		s.mu.Unlock()
		if agent != nil && payload != nil {
			agent.SendJSON(payload)
		}
		s.audio.FlushPendingAudio()
		if ready != nil {
			closeOnce(ready)
		}
	case AgentEventMessage:
		s.handleAgentMessage(ev.Text)
	case AgentEventClose:
		s.mu.Lock()
		s.agentState = AgentInactive
		s.agent = nil
		suppressed := s.suppressEndOnClose
		sessionID := s.sessionID
		ready := s.connReady
		s.mu.Unlock()
		s.audio.StopSilenceFill()
		s.audio.ClearPending()
		if ready != nil {
			closeOnce(ready)
		}
		// A close we did not request is a soft failure: the agent went
		// away mid-session, so the logical session ends too.
		if !suppressed && sessionID != "" {
			go s.EndSession(context.Background(), "Agent connection closed.")
		}
	case AgentEventError:
		s.audio.StopSilenceFill()
	}
}

// speakTTS streams a synthesized announcement to the watch, then waits up
// to ttsAckTimeout for the watch to acknowledge playback before returning.
func (s *Session) speakTTS(text string) {
	if s.tts == nil || text == "" {
		return
	}
	s.mu.Lock()
	s.ttsComplete = make(chan struct{})
	done := s.ttsComplete
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.tts.Stream(ctx, text, s.SendBinaryToWatch); err != nil {
		return
	}
	s.SendToWatch(map[string]any{"type": "tts-end-marker"})

	select {
	case <-done:
	case <-time.After(ttsAckTimeout):
	}
	s.mu.Lock()
	s.ttsComplete = nil
	s.mu.Unlock()
}

// NotifyTTSPlaybackComplete closes the current TTS wait, if any; called
// when the watch reports tts-playback-complete.
func (s *Session) NotifyTTSPlaybackComplete() {
	s.mu.Lock()
	done := s.ttsComplete
	s.ttsComplete = nil
	s.mu.Unlock()
	if done != nil {
		closeOnce(done)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *Session) handleAgentMessage(text string) {
	ev, ok := parseAgentMessage(text)
	if !ok {
		return
	}

	switch ev.Type {
	case "audio":
		if len(ev.Audio) == 0 {
			return
		}
		s.SendBinaryToWatch(ev.Audio)
		s.media.OnAgentAudioChunk()
	case "client_tool_call":
		s.dispatchToolCall(ev.ToolName, ev.ToolCallID, ev.Parameters)
	case "ping":
		s.mu.Lock()
		agent := s.agent
		s.mu.Unlock()
		if agent != nil && agent.IsOpen() && ev.EventID != "" {
			go func() {
				if ev.PingMs > 0 {
					time.Sleep(time.Duration(ev.PingMs) * time.Millisecond)
				}
				agent.SendJSON(map[string]any{"type": "pong", "event_id": ev.EventID})
			}()
		}
	}
}

func (s *Session) dispatchToolCall(toolName, toolCallID string, params map[string]any) {
	if toolName == "" || toolCallID == "" {
		return
	}

	s.mu.Lock()
	if len(s.toolCallNames) >= maxPendingToolCalls {
		// Evict the oldest half so a misbehaving agent cannot grow the
		// map without bound.
		half := len(s.toolCallOrder) / 2
		for _, old := range s.toolCallOrder[:half] {
			delete(s.toolCallNames, old)
		}
		s.toolCallOrder = append([]string(nil), s.toolCallOrder[half:]...)
	}
	if _, exists := s.toolCallNames[toolCallID]; !exists {
		s.toolCallOrder = append(s.toolCallOrder, toolCallID)
	}
	s.toolCallNames[toolCallID] = toolName
	s.mu.Unlock()

	go HandleToolCall(context.Background(), s.toolContext(), toolName, toolCallID, params)
}

func (s *Session) sendToolResult(toolCallID, result string, isError bool) {
	s.mu.Lock()
	toolName := s.toolCallNames[toolCallID]
	delete(s.toolCallNames, toolCallID)
	sessionID := s.sessionID
	agent := s.agent
	s.mu.Unlock()

	if !isError && sessionID != "" && loggedToolCalls[toolName] && s.events != nil {
		s.events.LogEvent(s.DeviceID, sessionID, "tool_result", map[string]any{
			"toolName": toolName, "toolCallId": toolCallID, "result": result,
		})
	}

	if agent == nil || !agent.IsOpen() {
		return
	}
	agent.SendJSON(map[string]any{
		"type":          "client_tool_result",
		"tool_call_id":  toolCallID,
		"result":        result,
		"is_error":      isError,
	})
}

var loggedToolCalls = map[string]bool{
	"media_control":        true,
	"transfer_to_caregiver": true,
	"transfer_to_regular":  true,
	"transfer_to_distress": true,
}
