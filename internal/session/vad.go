package session

import (
	"context"
	"sync"
	"time"
)

// VADStartFrames and VADStopFrames are the consecutive-frame thresholds
// for flipping the speech/silence streak counters into a start or end
// decision.
const (
	VADStartFrames = 3
	VADStopFrames  = 8
)

// VADClient scores one audio frame's probability of containing speech.
// An external voice-activity model can implement it; a threshold-on-RMS
// fallback (energyVAD) is used when none is configured, which is the case
// in the service's own session wiring.
type VADClient interface {
	Detect(ctx context.Context, pcm16 []byte) (probability float64, err error)
}

// energyVAD is a dependency-free fallback: frames whose RMS energy
// exceeds a fixed threshold are scored as likely speech. It exists so
// VadProcessor has a usable default when no external model is wired.
type energyVAD struct{}

func (energyVAD) Detect(_ context.Context, pcm16 []byte) (float64, error) {
	if len(pcm16) < 2 {
		return 0, nil
	}
	var sumSq float64
	samples := len(pcm16) / 2
	for i := 0; i+1 < len(pcm16); i += 2 {
		v := int16(uint16(pcm16[i]) | uint16(pcm16[i+1])<<8)
		f := float64(v)
		sumSq += f * f
	}
	rms := sumSq / float64(samples)
	const noiseFloor = 1_000_000.0 // ~1000 amplitude units squared
	if rms <= 0 {
		return 0, nil
	}
	prob := rms / (rms + noiseFloor)
	if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// vadDecisionFunc receives each enqueued frame along with the detector's
// probability and speech/silence classification.
type vadDecisionFunc func(pcm16 []byte, base64Chunk string, probability float64, isSpeech bool)

// VadProcessor runs incoming audio frames through a VADClient and tracks
// consecutive speech/silence streaks, deciding when a speech segment
// starts or ends.
type VadProcessor struct {
	client   VADClient
	decide   vadDecisionFunc
	threshold float64

	mu             sync.Mutex
	speechStreak   int
	silenceStreak  int
	lastProbability float64
}

// NewVadProcessor builds a VadProcessor. client may be nil, in which
// case energyVAD is used.
func NewVadProcessor(client VADClient, decide vadDecisionFunc) *VadProcessor {
	if client == nil {
		client = energyVAD{}
	}
	return &VadProcessor{client: client, decide: decide, threshold: 0.5}
}

// Enqueue scores one PCM16 frame and forwards the decision synchronously.
// It runs on the caller's goroutine; in the service that is the watch
// connection's read pump (via App.HandleBinary), so a slow detector
// delays reading that connection's next frame.
func (v *VadProcessor) Enqueue(pcm16 []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prob, err := v.client.Detect(ctx, pcm16)
	if err != nil {
		prob = 0
	}

	v.mu.Lock()
	v.lastProbability = prob
	v.mu.Unlock()

	isSpeech := prob >= v.threshold
	v.decide(pcm16, encodeBase64(pcm16), prob, isSpeech)
}

// RecordFrame updates the speech/silence streak counters for one frame's
// classification and reports whether this frame crossed VADStartFrames
// to begin a new speech segment.
func (v *VadProcessor) RecordFrame(isSpeech bool) (streak int, started bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if isSpeech {
		v.speechStreak++
		v.silenceStreak = 0
		if v.speechStreak == VADStartFrames {
			return v.speechStreak, true
		}
		return v.speechStreak, false
	}

	v.silenceStreak++
	v.speechStreak = 0
	return v.silenceStreak, false
}

// SilenceStreak returns the current consecutive-silence-frame count.
func (v *VadProcessor) SilenceStreak() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.silenceStreak
}

// ResetStreaks clears both streak counters, called when a speech segment
// ends.
func (v *VadProcessor) ResetStreaks() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speechStreak = 0
	v.silenceStreak = 0
}

// LastProbability returns the most recently scored frame's probability.
func (v *VadProcessor) LastProbability() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastProbability
}

// Reset clears all VAD state, called at session end.
func (v *VadProcessor) Reset() {
	v.ResetStreaks()
	v.mu.Lock()
	v.lastProbability = 0
	v.mu.Unlock()
}
