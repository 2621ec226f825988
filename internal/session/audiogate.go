package session

import (
	"encoding/base64"
	"sync"
	"time"
)

const (
	preRollFrames   = 10
	idleWatchdog    = 90 * time.Second
	silenceFillTick = 200 * time.Millisecond
)

func encodeBase64(pcm16 []byte) string {
	return base64.StdEncoding.EncodeToString(pcm16)
}

// silenceTailFrame is 100ms of PCM16 silence: sent to the watch so its
// playback buffer does not starve between agent utterances, and to the
// agent as the periodic keep-alive fill while the user is quiet.
var silenceTailFrame = make([]byte, 3200)

// AudioGateOptions wires the narrow closures AudioGate needs from its
// owning Session, in place of a back-pointer.
type AudioGateOptions struct {
	SendAudio     func(base64Chunk string)
	IsAgentReady  func() bool
	OnIdleTimeout func()
	SendToWatchBinary func(data []byte)
}

// AudioGate buffers and forwards user audio to the agent, holding a
// short pre-roll so the first syllable of speech is not lost while the
// VAD streak is still confirming a speech start, and keeps the agent
// stream alive with periodic silence once the user stops talking.
type AudioGate struct {
	opts AudioGateOptions

	mu           sync.Mutex
	speechActive bool
	preRoll      []string
	pending      []string
	lastActivity time.Time

	silenceFillStop chan struct{}
	idleTimer       *time.Timer
}

// NewAudioGate builds an AudioGate and arms its idle watchdog.
func NewAudioGate(opts AudioGateOptions) *AudioGate {
	g := &AudioGate{opts: opts, lastActivity: time.Now()}
	g.armIdleTimer()
	return g
}

func (g *AudioGate) armIdleTimer() {
	g.idleTimer = time.AfterFunc(idleWatchdog, func() {
		if g.opts.OnIdleTimeout != nil {
			g.opts.OnIdleTimeout()
		}
	})
}

// MarkActivity resets the idle watchdog; called whenever audio arrives
// from the watch.
func (g *AudioGate) MarkActivity() {
	g.mu.Lock()
	g.lastActivity = time.Now()
	g.mu.Unlock()
	g.idleTimer.Reset(idleWatchdog)
}

// SpeechActive reports whether a user speech segment is currently open.
func (g *AudioGate) SpeechActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speechActive
}

// SetSpeechActive flips the speech-segment flag.
func (g *AudioGate) SetSpeechActive(active bool) {
	g.mu.Lock()
	g.speechActive = active
	if active {
		g.preRoll = nil
	}
	g.mu.Unlock()
}

// QueuePreRoll buffers a chunk while the VAD streak has not yet
// confirmed a speech start, capped at preRollFrames (oldest dropped).
func (g *AudioGate) QueuePreRoll(base64Chunk string, _ int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preRoll = append(g.preRoll, base64Chunk)
	if len(g.preRoll) > preRollFrames {
		g.preRoll = g.preRoll[len(g.preRoll)-preRollFrames:]
	}
}

// FlushPreRoll sends the buffered pre-roll frames to the agent (if
// ready) and clears the buffer.
func (g *AudioGate) FlushPreRoll() {
	g.mu.Lock()
	frames := g.preRoll
	g.preRoll = nil
	g.mu.Unlock()

	if g.opts.IsAgentReady == nil || !g.opts.IsAgentReady() {
		g.mu.Lock()
		g.pending = append(g.pending, frames...)
		g.mu.Unlock()
		return
	}
	for _, f := range frames {
		g.opts.SendAudio(f)
	}
}

// QueueAudioToAgent sends a chunk to the agent if ready, otherwise holds
// it in the pending queue to flush once the conversation comes up.
func (g *AudioGate) QueueAudioToAgent(base64Chunk string) {
	if g.opts.IsAgentReady != nil && g.opts.IsAgentReady() {
		g.opts.SendAudio(base64Chunk)
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, base64Chunk)
	g.mu.Unlock()
}

// FlushPendingAudio drains the pending queue to the agent; called once
// the agent socket opens.
func (g *AudioGate) FlushPendingAudio() {
	g.mu.Lock()
	frames := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, f := range frames {
		g.opts.SendAudio(f)
	}
}

// ClearPending discards any buffered audio without sending it.
func (g *AudioGate) ClearPending() {
	g.mu.Lock()
	g.pending = nil
	g.preRoll = nil
	g.mu.Unlock()
}

// SendSilenceTail sends one short burst of silence to the watch,
// smoothing the transition as the user stops talking.
func (g *AudioGate) SendSilenceTail() {
	if g.opts.SendToWatchBinary != nil {
		g.opts.SendToWatchBinary(silenceTailFrame)
	}
}

// StartSilenceFill begins a keep-alive ticker that pushes silent frames
// to the agent stream while the user is quiet, so the server-side voice
// stream does not close between utterances.
func (g *AudioGate) StartSilenceFill() {
	g.mu.Lock()
	if g.silenceFillStop != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	g.silenceFillStop = stop
	g.mu.Unlock()

	silence := encodeBase64(silenceTailFrame)
	go func() {
		ticker := time.NewTicker(silenceFillTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if g.opts.IsAgentReady != nil && g.opts.IsAgentReady() {
					g.opts.SendAudio(silence)
				}
			}
		}
	}()
}

// StopSilenceFill halts the keep-alive ticker started by StartSilenceFill.
func (g *AudioGate) StopSilenceFill() {
	g.mu.Lock()
	stop := g.silenceFillStop
	g.silenceFillStop = nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Reset clears all gate state for session teardown.
func (g *AudioGate) Reset() {
	g.StopSilenceFill()
	g.ClearPending()
	g.SetSpeechActive(false)
	g.idleTimer.Stop()
}
