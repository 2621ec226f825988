// Package scores is the latest-score-per-device registry: each
// inference result overwrites the previous one for its device, and
// queries answer "which devices look anomalous right now".
package scores

import (
	"sync"
	"time"

	"github.com/snarg/vitalguard/internal/inference"
)

// Entry pairs a Score with the time it arrived, used to discard
// out-of-order late arrivals for the same device.
type Entry struct {
	Score     inference.Score
	UpdatedAt time.Time
}

// Registry stores the latest score per device.
type Registry struct {
	mu    sync.RWMutex
	byDev map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byDev: make(map[string]Entry)}
}

// Set records score for deviceID if it is not older than what's already
// stored (guards against a slow inference call overwriting a fresher one).
func (r *Registry) Set(deviceID string, score inference.Score, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byDev[deviceID]; ok && at.Before(existing.UpdatedAt) {
		return
	}
	r.byDev[deviceID] = Entry{Score: score, UpdatedAt: at}
}

// Score returns the latest score for deviceID.
func (r *Registry) Score(deviceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDev[deviceID]
	return e, ok
}

// Delete removes a device's score, e.g. on disconnect.
func (r *Registry) Delete(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byDev, deviceID)
}

// All returns a snapshot of every device's latest score.
func (r *Registry) All() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.byDev))
	for k, v := range r.byDev {
		out[k] = v
	}
	return out
}

// Anomalous returns the device ids among the given set whose latest score
// exceeds threshold (excludes failed inference entries).
func (r *Registry) Anomalous(deviceIDs []string, threshold float64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range deviceIDs {
		e, ok := r.byDev[id]
		if !ok || e.Score.Failed() {
			continue
		}
		if e.Score.OverallScore > threshold {
			out = append(out, id)
		}
	}
	return out
}

// ScoresFor returns the overall scores for the given device ids, skipping
// devices with no score yet or a failed inference.
func (r *Registry) ScoresFor(deviceIDs []string) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(deviceIDs))
	for _, id := range deviceIDs {
		e, ok := r.byDev[id]
		if !ok || e.Score.Failed() {
			continue
		}
		out[id] = e.Score.OverallScore
	}
	return out
}
