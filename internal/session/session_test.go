package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeWatch struct {
	mu    sync.Mutex
	sent  []any
	binary [][]byte
}

func (f *fakeWatch) SendToDevice(deviceID string, msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}
func (f *fakeWatch) SendBinaryToDevice(deviceID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return true
}
func (f *fakeWatch) SendToPairedCaregiver(deviceID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

type fakeStore struct {
	mu      sync.Mutex
	started int
	ended   int
}

func (f *fakeStore) StartSession(ctx context.Context, deviceID, reason, triggerType string, mode Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "sess-1", nil
}
func (f *fakeStore) EndSession(ctx context.Context, sessionID, reason string, endingMode Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}
func (f *fakeStore) ActiveSessionID(ctx context.Context, deviceID string) (string, bool) {
	return "", false
}

type fakeEvents struct {
	mu   sync.Mutex
	logs []string
}

func (f *fakeEvents) LogEvent(deviceID, sessionID, eventType string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, eventType)
}

type fakeAgentConn struct {
	mu      sync.Mutex
	open    bool
	sent    []any
	onEvent func(AgentEvent)
}

func (a *fakeAgentConn) Connect() {
	a.mu.Lock()
	fire := a.onEvent
	a.mu.Unlock()
	if fire != nil {
		fire(AgentEvent{Type: AgentEventOpen})
	}
}
func (a *fakeAgentConn) SendAudioChunk(chunk string) {}
func (a *fakeAgentConn) SendJSON(msg any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
}
func (a *fakeAgentConn) Close(code int, reason string) {
	a.mu.Lock()
	a.open = false
	a.mu.Unlock()
}
func (a *fakeAgentConn) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func newTestSession(t *testing.T) (*Session, *fakeWatch, *fakeStore) {
	s, watch, store, _ := newTestSessionWithAgent(t)
	return s, watch, store
}

func newTestSessionWithAgent(t *testing.T) (*Session, *fakeWatch, *fakeStore, *fakeAgentConn) {
	t.Helper()
	watch := &fakeWatch{}
	store := &fakeStore{}
	events := &fakeEvents{}
	agent := &fakeAgentConn{open: true}

	s := New(Options{
		DeviceID: "dev-1",
		UserID:   "user-1",
		Watch:    watch,
		Store:    store,
		Events:   events,
		NewAgent: func(agentID string, onEvent func(AgentEvent)) (AgentConn, error) {
			agent.mu.Lock()
			agent.open = true
			agent.onEvent = onEvent
			agent.mu.Unlock()
			return agent, nil
		},
		NormalAgentID: "agent-normal",
	})
	return s, watch, store, agent
}

func TestEnsureSessionStartedOpensOnce(t *testing.T) {
	s, _, store := newTestSession(t)
	ctx := context.Background()

	if err := s.EnsureSessionStarted(ctx, "test", "trigger"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.EnsureSessionStarted(ctx, "test2", "trigger2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.started != 1 {
		t.Errorf("StartSession called %d times, want 1", store.started)
	}
}

func TestEndSessionClosesAgentAndStore(t *testing.T) {
	s, _, store := newTestSession(t)
	ctx := context.Background()
	_ = s.EnsureSessionStarted(ctx, "test", "trigger")

	s.EndSession(ctx, "manual")

	if s.HasActiveSession() {
		t.Error("session should be cleared after EndSession")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ended != 1 {
		t.Errorf("EndSession called %d times on store, want 1", store.ended)
	}
}

func TestSetModeLogsTransitionOnlyWhenChanged(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.SetMode(ModeNormal, "noop") // already normal, should be a no-op
	if s.currentMode() != ModeNormal {
		t.Fatalf("mode = %s, want normal", s.currentMode())
	}
	s.SetMode(ModeDistress, "escalated")
	if s.currentMode() != ModeDistress {
		t.Fatalf("mode = %s, want distress", s.currentMode())
	}
}

func TestVadStartStopStreakThresholds(t *testing.T) {
	var started int
	v := NewVadProcessor(nil, func(pcm16 []byte, b64 string, prob float64, isSpeech bool) {})

	for i := 0; i < VADStartFrames; i++ {
		_, didStart := v.RecordFrame(true)
		if didStart {
			started++
		}
	}
	if started != 1 {
		t.Errorf("speech-start decisions = %d, want exactly 1 at frame %d", started, VADStartFrames)
	}

	for i := 0; i < VADStopFrames; i++ {
		v.RecordFrame(false)
	}
	if got := v.SilenceStreak(); got != VADStopFrames {
		t.Errorf("silence streak = %d, want %d", got, VADStopFrames)
	}
}

func TestDeadmanArmStartSupersedesSameKind(t *testing.T) {
	d := NewDeadmanSwitch(DeadmanOptions{})

	var firstReason DeadmanCancelReason
	firstID, err := d.ArmStart("play_music", func() {}, func(r DeadmanCancelReason) { firstReason = r })
	if err != nil {
		t.Fatalf("first arm failed: %v", err)
	}
	secondID, err := d.ArmStart("display_images", func() {}, func(r DeadmanCancelReason) {})
	if err != nil {
		t.Fatalf("second arm failed: %v", err)
	}

	if firstReason != CancelSuperseded {
		t.Errorf("first action cancel reason = %s, want superseded", firstReason)
	}
	if d.PendingAction() != "display_images" {
		t.Errorf("pending action = %s, want display_images", d.PendingAction())
	}
	if d.Commit(firstID) {
		t.Error("committing the superseded id should fail")
	}
	if !d.Commit(secondID) {
		t.Error("committing the live pending id should succeed")
	}
	if d.IsPending() {
		t.Error("nothing should be pending after commit")
	}
}

func TestDeadmanCallAndMediaAreMutuallyExclusive(t *testing.T) {
	d := NewDeadmanSwitch(DeadmanOptions{})

	if _, err := d.ArmStart("start_call", func() {}, nil); err != nil {
		t.Fatalf("arming the call failed: %v", err)
	}
	if _, err := d.ArmStart("play_music", func() {}, nil); !errors.Is(err, ErrPendingConflict) {
		t.Errorf("arming media over a pending call: err = %v, want ErrPendingConflict", err)
	}
	if d.PendingAction() != "start_call" {
		t.Errorf("pending action = %s, want start_call untouched", d.PendingAction())
	}

	d.CancelAny(CancelStopped)
	if _, err := d.ArmStart("display_images", func() {}, nil); err != nil {
		t.Fatalf("arming media after cancel failed: %v", err)
	}
	if _, err := d.ArmStart("start_call", func() {}, nil); !errors.Is(err, ErrPendingConflict) {
		t.Errorf("arming a call over pending media: err = %v, want ErrPendingConflict", err)
	}
}

func TestDeadmanCommitsOnExpiry(t *testing.T) {
	d := NewDeadmanSwitch(DeadmanOptions{Expiry: 20 * time.Millisecond})

	committed := make(chan struct{})
	if _, err := d.ArmStart("start_call", func() { close(committed) }, nil); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("action did not commit after expiry")
	}
	if d.IsPending() {
		t.Error("nothing should be pending after expiry commit")
	}
}

func TestDeadmanArmNotifiesWatch(t *testing.T) {
	watch := &fakeWatch{}
	d := NewDeadmanSwitch(DeadmanOptions{
		SendToWatch: func(msg any) { watch.SendToDevice("dev-1", msg) },
	})

	id, err := d.ArmStart("start_call", func() {}, nil)
	if err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	watch.mu.Lock()
	defer watch.mu.Unlock()
	if len(watch.sent) != 1 {
		t.Fatalf("watch received %d messages, want 1", len(watch.sent))
	}
	m, ok := watch.sent[0].(map[string]any)
	if !ok || m["type"] != "deadman-pending" || m["pendingId"] != id {
		t.Errorf("unexpected watch notification: %#v", watch.sent[0])
	}
}

func TestMediaAutomationRefusesStartWhileDeadmanPending(t *testing.T) {
	watch := &fakeWatch{}
	m := NewMediaAutomation(MediaOptions{
		SendToWatch:       func(msg any) { watch.SendToDevice("dev-1", msg) },
		PauseConversation: func(string, bool) {},
		IsDeadmanPending:  func() bool { return true },
	})

	var ok bool
	var msg string
	m.StartMedia(MediaPlayMusic, "calm", func(o bool, m string) { ok = o; msg = m })

	if ok {
		t.Error("expected media start to be refused while deadman pending")
	}
	if msg == "" {
		t.Error("expected a refusal message")
	}
	if m.IsMusicPlaying() {
		t.Error("music should not be marked playing")
	}
}

func TestMediaAutomationStartAndStop(t *testing.T) {
	watch := &fakeWatch{}
	m := NewMediaAutomation(MediaOptions{
		SendToWatch:       func(msg any) { watch.SendToDevice("dev-1", msg) },
		PauseConversation: func(string, bool) {},
		IsDeadmanPending:  func() bool { return false },
	})

	var ok bool
	m.StartMedia(MediaPlayMusic, "calm", func(o bool, _ string) { ok = o })
	if !ok || !m.IsMusicPlaying() {
		t.Fatal("expected music to start")
	}

	m.Stop(MediaPlayMusic)
	if m.IsMusicPlaying() {
		t.Error("music should have stopped")
	}
}

func TestHandleToolCallMediaControlUnsupportedAction(t *testing.T) {
	var resultMsg string
	var isErr bool
	tc := ToolContext{
		StartMedia: func(action, vibe string, sendResult func(bool, string)) {
			sendResult(true, "started")
		},
		SendResult: func(toolCallID, result string, e bool) {
			resultMsg = result
			isErr = e
		},
	}

	HandleToolCall(context.Background(), tc, "media_control", "call-1", map[string]any{"action": "teleport"})
	if !isErr {
		t.Error("expected an error result for an unsupported media action")
	}
	if resultMsg == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestHandleToolCallTransferToDistress(t *testing.T) {
	var transferredMode Mode
	var resultMsg string
	tc := ToolContext{
		TransferSession: func(mode Mode, reason, firstMessage string) { transferredMode = mode },
		SendResult:      func(toolCallID, result string, e bool) { resultMsg = result },
	}

	HandleToolCall(context.Background(), tc, "transfer_to_distress", "call-1", nil)
	if transferredMode != ModeDistress {
		t.Errorf("transferred mode = %s, want distress", transferredMode)
	}
	if resultMsg == "" {
		t.Error("expected a confirmation result")
	}
}

func TestEnsureConversationActiveSendsInitPayloadOnOpen(t *testing.T) {
	s, _, _, agent := newTestSessionWithAgent(t)
	ctx := context.Background()
	_ = s.EnsureSessionStarted(ctx, "test", "trigger")
	s.SetDynamicVar("conversation_start_reason", "Caregiver asked for a check-in.")

	if !s.EnsureConversationActive(ctx, false) {
		t.Fatal("conversation should be active")
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.sent) == 0 {
		t.Fatal("no frames sent to agent on open")
	}
	payload, ok := agent.sent[0].(map[string]any)
	if !ok || payload["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first frame = %#v, want conversation_initiation_client_data", agent.sent[0])
	}
	vars, _ := payload["dynamic_variables"].(map[string]any)
	if vars == nil {
		t.Fatal("init payload missing dynamic_variables")
	}
	if vars["conversation_start_reason"] != "Caregiver asked for a check-in." {
		t.Errorf("conversation_start_reason = %v", vars["conversation_start_reason"])
	}
	if _, ok := vars["session_logs"]; !ok {
		t.Error("init payload missing session_logs")
	}
	if vars["patient_name"] != "user-1" {
		t.Errorf("patient_name = %v, want the user id fallback", vars["patient_name"])
	}
}

func TestUnexpectedAgentCloseEndsLogicalSession(t *testing.T) {
	s, _, store, _ := newTestSessionWithAgent(t)
	ctx := context.Background()
	_ = s.EnsureSessionStarted(ctx, "test", "trigger")
	if !s.EnsureConversationActive(ctx, false) {
		t.Fatal("conversation should be active")
	}

	s.handleAgentEvent(AgentEvent{Type: AgentEventClose})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		ended := store.ended
		store.mu.Unlock()
		if ended == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("an unrequested agent close should have ended the logical session")
}

func TestPauseConversationSuppressesSessionEnd(t *testing.T) {
	s, _, store, agent := newTestSessionWithAgent(t)
	ctx := context.Background()
	_ = s.EnsureSessionStarted(ctx, "test", "trigger")
	_ = s.EnsureConversationActive(ctx, false)

	s.PauseConversation("switching modes", true)
	// The socket close that follows a requested pause must not end the session.
	agent.mu.Lock()
	fire := agent.onEvent
	agent.mu.Unlock()
	fire(AgentEvent{Type: AgentEventClose})

	time.Sleep(30 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ended != 0 {
		t.Errorf("store.EndSession called %d times, want 0 after a requested pause", store.ended)
	}
	if !s.HasActiveSession() {
		t.Error("logical session should survive a requested pause")
	}
}

func TestBuildEventContext(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		payload  map[string]any
		wantMode Mode
		wantSub  string
	}{
		{"check-in with instruction", "check_in", map[string]any{"instruction": "ask about lunch"}, ModeNormal, "ask about lunch"},
		{"noise with distress", "noise", map[string]any{"noise": "glass shatter", "distress": true}, ModeDistress, "glass shatter"},
		{"noise without distress", "noise", map[string]any{"noise": "door slam"}, ModeNormal, "door slam"},
		{"health event", "health", map[string]any{"description": "fall detected", "distress": true}, ModeDistress, "fall detected"},
		{"unknown event", "unknown", nil, Mode(""), "New caregiver event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, mode := BuildEventContext(tt.event, tt.payload)
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
			if text == "" || !strings.Contains(text, tt.wantSub) {
				t.Errorf("text = %q, want it to mention %q", text, tt.wantSub)
			}
		})
	}
}

func TestHandleCaregiverEventStartsSessionWhenIdle(t *testing.T) {
	s, _, store, agent := newTestSessionWithAgent(t)

	s.HandleCaregiverEvent(context.Background(), "noise", map[string]any{
		"noise": "glass shatter", "distress": true,
	})

	store.mu.Lock()
	started := store.started
	store.mu.Unlock()
	if started != 1 {
		t.Fatalf("StartSession called %d times, want 1", started)
	}
	if s.currentMode() != ModeDistress {
		t.Errorf("mode = %s, want distress", s.currentMode())
	}

	// The conversation comes up asynchronously; the init payload should
	// carry the noise context as the start reason.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		agent.mu.Lock()
		n := len(agent.sent)
		agent.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("conversation never came up after caregiver event")
}

func TestHandleCaregiverEventSendsContextualUpdateWhenActive(t *testing.T) {
	s, _, _, agent := newTestSessionWithAgent(t)
	ctx := context.Background()
	_ = s.EnsureSessionStarted(ctx, "test", "trigger")
	_ = s.EnsureConversationActive(ctx, false)

	s.HandleCaregiverEvent(ctx, "check_in", map[string]any{"instruction": "ask about dinner"})

	agent.mu.Lock()
	defer agent.mu.Unlock()
	var sawUpdate bool
	for _, msg := range agent.sent {
		if m, ok := msg.(map[string]any); ok && m["type"] == "contextual_update" {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Error("expected a contextual_update frame on the live agent socket")
	}
}

func TestActiveMonitoringStopEndsSession(t *testing.T) {
	s, _, store, _ := newTestSessionWithAgent(t)
	ctx := context.Background()

	s.HandleCaregiverEvent(ctx, "active_monitoring", map[string]any{"action": "start"})
	if !s.IsMonitored() {
		t.Fatal("monitoring should be on after start")
	}

	_ = s.EnsureSessionStarted(ctx, "test", "trigger")
	s.HandleCaregiverEvent(ctx, "active_monitoring", map[string]any{"action": "stop"})
	if s.IsMonitored() {
		t.Error("monitoring should be off after stop")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ended != 1 {
		t.Errorf("EndSession called %d times on store, want 1", store.ended)
	}
}

type fakeTTS struct {
	chunks int
}

func (f *fakeTTS) Stream(ctx context.Context, text string, onChunk func([]byte)) error {
	for i := 0; i < f.chunks; i++ {
		onChunk(make([]byte, 3200))
	}
	return nil
}

func TestSpeakTTSStreamsAndWaitsForAck(t *testing.T) {
	watch := &fakeWatch{}
	s := New(Options{
		DeviceID: "dev-1",
		UserID:   "user-1",
		Watch:    watch,
		Store:    &fakeStore{},
		TTS:      &fakeTTS{chunks: 3},
	})

	done := make(chan struct{})
	go func() {
		s.speakTTS("hello there")
		close(done)
	}()

	// Wait for the end marker, then acknowledge like the watch would.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		watch.mu.Lock()
		n := len(watch.sent)
		watch.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.NotifyTTSPlaybackComplete()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("speakTTS did not return after ack")
	}

	watch.mu.Lock()
	defer watch.mu.Unlock()
	if len(watch.binary) != 3 {
		t.Errorf("watch received %d audio chunks, want 3", len(watch.binary))
	}
	if len(watch.sent) != 1 {
		t.Fatalf("watch received %d text frames, want 1 end marker", len(watch.sent))
	}
	if m, ok := watch.sent[0].(map[string]any); !ok || m["type"] != "tts-end-marker" {
		t.Errorf("unexpected end frame: %#v", watch.sent[0])
	}
}

func TestHandleUserAudioChunkStartsSessionOnFirstAudio(t *testing.T) {
	s, _, store := newTestSession(t)
	s.HandleUserAudioChunk(context.Background(), make([]byte, 320))

	// VAD scoring for low-energy silence; the session should have started
	// regardless of the speech/silence classification.
	time.Sleep(10 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.started != 1 {
		t.Errorf("StartSession called %d times, want 1", store.started)
	}
}
