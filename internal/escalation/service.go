// Package escalation implements the timed caregiver-escalation chain
// for episodes: level 1 notifies immediately, level 2 fires after 120s
// if still unresolved, level 3 fires 300s after that. Each episode has
// at most one pending timer, a goroutine guarded by a cancel channel.
package escalation

import (
	"sync"
	"time"

	"github.com/snarg/vitalguard/internal/episode"
	"github.com/snarg/vitalguard/internal/metrics"
)

// Escalation delays. Declared as vars rather than consts so tests can
// shrink them; production wiring never overrides these.
var (
	levelTwoDelay   = 120 * time.Second
	levelThreeDelay = 300 * time.Second
)

var levelLabels = map[int]string{
	1: "Primary Contact",
	2: "Secondary Contacts",
	3: "Emergency Services",
}

// Episodes is implemented by internal/episode.Service.
type Episodes interface {
	View(episodeID string) (episode.EpisodeView, bool)
	Escalate(episodeID string, level int) *episode.Episode
}

// Broadcaster is the subset of the connection plane escalation notifies
// through.
type Broadcaster interface {
	BroadcastToGroup(groupID string, msg any)
	BroadcastToDashboards(msg any)
}

// Service manages one escalation timer per active episode.
type Service struct {
	episodes    Episodes
	broadcaster Broadcaster

	mu     sync.Mutex
	timers map[string]chan struct{} // episode_id -> cancel channel
}

// New creates a Service.
func New(episodes Episodes, broadcaster Broadcaster) *Service {
	return &Service{
		episodes:    episodes,
		broadcaster: broadcaster,
		timers:      make(map[string]chan struct{}),
	}
}

// Start begins the escalation chain for episodeID at its current level,
// cancelling any prior timer first so the one-timer-per-episode
// invariant holds across restarts of the chain.
func (s *Service) Start(episodeID string, currentLevel int) {
	s.Cancel(episodeID)

	if currentLevel < 1 {
		currentLevel = 1
	}

	view, ok := s.episodes.View(episodeID)
	if ok {
		s.notifyCaregiver(view, currentLevel)
	}

	if currentLevel < 3 {
		delay := levelTwoDelay
		if currentLevel != 1 {
			delay = levelThreeDelay
		}
		s.scheduleNext(episodeID, delay, currentLevel+1)
	}
}

func (s *Service) scheduleNext(episodeID string, delay time.Duration, nextLevel int) {
	cancel := make(chan struct{})

	s.mu.Lock()
	s.timers[episodeID] = cancel
	metrics.EscalationTimersActiveGauge.Set(float64(len(s.timers)))
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-cancel:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.timers[episodeID] == cancel {
			delete(s.timers, episodeID)
			metrics.EscalationTimersActiveGauge.Set(float64(len(s.timers)))
		}
		s.mu.Unlock()

		view, ok := s.episodes.View(episodeID)
		if !ok || view.Phase == "resolved" {
			return
		}

		if s.episodes.Escalate(episodeID, nextLevel) == nil {
			return
		}
		view, ok = s.episodes.View(episodeID)
		if ok {
			s.notifyCaregiver(view, nextLevel)
		}

		if nextLevel < 3 {
			s.scheduleNext(episodeID, levelThreeDelay, nextLevel+1)
		}
	}()
}

// Cancel stops any pending escalation timer for episodeID. Safe to call
// even if none is running.
func (s *Service) Cancel(episodeID string) {
	s.mu.Lock()
	cancel, ok := s.timers[episodeID]
	delete(s.timers, episodeID)
	metrics.EscalationTimersActiveGauge.Set(float64(len(s.timers)))
	s.mu.Unlock()

	if ok {
		close(cancel)
	}
}

func (s *Service) notifyCaregiver(view episode.EpisodeView, level int) {
	label, ok := levelLabels[level]
	if !ok {
		label = "Level"
	}

	msg := map[string]any{
		"type":             "caregiver-alert",
		"episode_id":       view.ID,
		"user_id":          view.UserID,
		"device_id":        view.DeviceID,
		"escalation_level": level,
		"level_label":      label,
		"severity_score":   view.SeverityScore,
		"phase":            view.Phase,
		"trigger_data":     view.TriggerData,
		"fusion_result":    view.FusionResult,
		"timeline_count":   view.TimelineCount,
		"timestamp":        time.Now().UTC(),
	}

	if view.GroupID != "" {
		s.broadcaster.BroadcastToGroup(view.GroupID, msg)
	}
	s.broadcaster.BroadcastToDashboards(msg)
}
