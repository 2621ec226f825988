package session

import (
	"sync"
	"time"
)

// Media actions a tool call may start or stop.
const (
	MediaPlayMusic     = "play_music"
	MediaDisplayImages = "display_images"
)

// agentSpeechHold is how long after the last agent audio chunk music
// stays ducked before volume is restored.
const agentSpeechHold = 600 * time.Millisecond

// MediaOptions wires the narrow closures MediaAutomation needs.
type MediaOptions struct {
	DeviceID          string
	GetSessionID      func() string
	SendToWatch       func(msg any)
	PauseConversation func(reason string, preservePending bool)
	IsUserSpeaking    func() bool
	IsDeadmanPending  func() bool
	OnMediaExhausted  func(mediaType string)
	PlayTTS           func(text string)
}

// MediaAutomation tracks whether music or images are currently playing
// on the watch and mediates starting/stopping them against the
// conversation state, so media playback and agent speech never talk
// over each other.
type MediaAutomation struct {
	opts MediaOptions

	mu               sync.Mutex
	musicPlaying     bool
	imagesDisplaying bool
	activeAction     string
	agentDucked      bool
	unduckTimer      *time.Timer
}

// NewMediaAutomation builds a MediaAutomation controller.
func NewMediaAutomation(opts MediaOptions) *MediaAutomation {
	return &MediaAutomation{opts: opts}
}

// IsMusicPlaying reports whether music playback is believed active.
func (m *MediaAutomation) IsMusicPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.musicPlaying
}

// IsImagesDisplaying reports whether an image slideshow is active.
func (m *MediaAutomation) IsImagesDisplaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imagesDisplaying
}

// StartMedia begins a media action, reporting tool success back through
// sendToolResult. Refuses to start while a caregiver call is pending —
// the call always wins over media.
func (m *MediaAutomation) StartMedia(action, vibe string, sendToolResult func(ok bool, message string)) {
	if m.opts.IsDeadmanPending != nil && m.opts.IsDeadmanPending() {
		sendToolResult(false, "A caregiver call is already pending; cannot start media now.")
		return
	}

	m.opts.PauseConversation("Starting media", true)

	m.mu.Lock()
	m.activeAction = action
	switch action {
	case MediaPlayMusic:
		m.musicPlaying = true
	case MediaDisplayImages:
		m.imagesDisplaying = true
	}
	m.mu.Unlock()

	if m.opts.PlayTTS != nil && action == MediaPlayMusic {
		m.opts.PlayTTS("Here is some music for you.")
	}

	m.opts.SendToWatch(map[string]any{
		"type":   "media-start",
		"action": action,
		"vibe":   vibe,
	})
	sendToolResult(true, "Started "+action)
}

// Stop halts the named media action if it is the one currently active.
func (m *MediaAutomation) Stop(action string) {
	m.mu.Lock()
	if m.activeAction != action {
		m.mu.Unlock()
		return
	}
	m.activeAction = ""
	switch action {
	case MediaPlayMusic:
		m.musicPlaying = false
	case MediaDisplayImages:
		m.imagesDisplaying = false
	}
	m.mu.Unlock()

	m.opts.SendToWatch(map[string]any{"type": "media-stop", "action": action})
}

// OnMediaEvent processes a watch-reported media lifecycle event, such as
// a playlist finishing (which triggers OnMediaExhausted) or a user
// dismissing the slideshow.
func (m *MediaAutomation) OnMediaEvent(event string, payload map[string]any) {
	switch event {
	case "exhausted":
		mediaType, _ := payload["media_type"].(string)
		if mediaType == "" {
			mediaType = "media"
		}
		m.Stop(m.currentAction())
		if m.opts.OnMediaExhausted != nil {
			m.opts.OnMediaExhausted(mediaType)
		}
	case "dismissed":
		m.Stop(m.currentAction())
	}
}

func (m *MediaAutomation) currentAction() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAction
}

// OnNewStartRequested stops whatever media is currently active to make
// way for a newly requested action.
func (m *MediaAutomation) OnNewStartRequested() {
	m.Stop(m.currentAction())
}

// OnUserSpeechStart ducks music volume (an image slideshow is left
// alone) so the agent can hear the user clearly.
func (m *MediaAutomation) OnUserSpeechStart() {
	if m.IsMusicPlaying() {
		m.opts.SendToWatch(map[string]any{"type": "media-duck", "ducked": true})
	}
}

// OnUserSpeechEnd restores music volume after the user stops talking.
func (m *MediaAutomation) OnUserSpeechEnd() {
	if m.IsMusicPlaying() {
		m.opts.SendToWatch(map[string]any{"type": "media-duck", "ducked": false})
	}
}

// OnAgentAudioChunk ducks music while the agent is speaking, restoring
// volume once chunks stop arriving for agentSpeechHold.
func (m *MediaAutomation) OnAgentAudioChunk() {
	m.mu.Lock()
	if !m.musicPlaying {
		m.mu.Unlock()
		return
	}
	firstChunk := !m.agentDucked
	m.agentDucked = true
	if m.unduckTimer != nil {
		m.unduckTimer.Stop()
	}
	m.unduckTimer = time.AfterFunc(agentSpeechHold, m.unduckAfterAgentSpeech)
	m.mu.Unlock()

	if firstChunk {
		m.opts.SendToWatch(map[string]any{"type": "media-duck", "ducked": true})
	}
}

func (m *MediaAutomation) unduckAfterAgentSpeech() {
	m.mu.Lock()
	wasDucked := m.agentDucked
	m.agentDucked = false
	stillPlaying := m.musicPlaying
	m.mu.Unlock()

	if wasDucked && stillPlaying {
		m.opts.SendToWatch(map[string]any{"type": "media-duck", "ducked": false})
	}
}

// Deactivate stops whatever media is active, used at session end.
func (m *MediaAutomation) Deactivate() {
	m.mu.Lock()
	if m.unduckTimer != nil {
		m.unduckTimer.Stop()
	}
	m.agentDucked = false
	m.mu.Unlock()
	m.Stop(m.currentAction())
}
