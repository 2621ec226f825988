// Package episode implements the detection-to-resolution episode
// lifecycle: anomaly_detected → calming → re_evaluating → resolved, or
// on to visual_check → fusing → escalating/resolved, with fusion
// dispatch to an external reasoning collaborator and a threshold
// fallback.
package episode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/snarg/vitalguard/internal/metrics"
)

// Phase names, in lifecycle order.
const (
	PhaseAnomalyDetected = "anomaly_detected"
	PhaseCalming         = "calming"
	PhaseReEvaluating    = "re_evaluating"
	PhaseVisualCheck     = "visual_check"
	PhaseFusing          = "fusing"
	PhaseEscalating      = "escalating"
	PhaseResolved        = "resolved"
)

type TimelineEntry struct {
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EpisodeView is a read-only snapshot of an Episode's current state,
// returned by Service.View for callers (like the escalation timer
// ladder) that must not hold onto or mutate the live *Episode.
type EpisodeView struct {
	ID            string
	UserID        string
	DeviceID      string
	GroupID       string
	Phase         string
	SeverityScore float64
	TriggerData   map[string]any
	FusionResult  *FusionResult
	TimelineCount int
}

// Episode is one in-progress or resolved coordination episode.
type Episode struct {
	ID                  string          `json:"id"`
	DeviceID            string          `json:"device_id"`
	UserID              string          `json:"user_id"`
	GroupID             string          `json:"group_id,omitempty"`
	Phase               string          `json:"phase"`
	TriggerData         map[string]any  `json:"trigger_data"`
	CalmingStartedAt    *time.Time      `json:"calming_started_at,omitempty"`
	CalmingEndedAt      *time.Time      `json:"calming_ended_at,omitempty"`
	ReEvaluationResult  map[string]any  `json:"re_evaluation_result,omitempty"`
	PresageData         map[string]any  `json:"presage_data,omitempty"`
	FusionResult        *FusionResult   `json:"fusion_result,omitempty"`
	FusionDecision      string          `json:"fusion_decision,omitempty"`
	EscalationLevel     int             `json:"escalation_level"`
	SeverityScore       float64         `json:"severity_score"`
	Timeline            []TimelineEntry `json:"timeline"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	Resolution          string          `json:"resolution,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`

	mu sync.Mutex
}

func (e *Episode) appendTimeline(phase string, data map[string]any) {
	e.Timeline = append(e.Timeline, TimelineEntry{Phase: phase, Timestamp: time.Now().UTC(), Data: data})
}

// FusionResult is the outcome of combining watch vitals with an optional
// visual check-in, from either the external reasoning collaborator or the
// threshold fallback.
type FusionResult struct {
	Decision       string   `json:"decision"`
	WatchScore     float64  `json:"watch_score"`
	PresageScore   *float64 `json:"presage_score,omitempty"`
	CombinedScore  float64  `json:"combined_score"`
	Explanation    string   `json:"explanation"`
	CaregiverReport string  `json:"caregiver_report,omitempty"`
	LikelyCause    string   `json:"likely_cause,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	AnalysisEngine string   `json:"analysis_engine"`
}

// GeminiOutcome is what an external reasoning collaborator returns.
type GeminiOutcome struct {
	Decision        string  `json:"decision"`
	SeverityScore   float64 `json:"severity_score"`
	Reasoning       string  `json:"reasoning"`
	CaregiverReport string  `json:"caregiver_report"`
	LikelyCause     string  `json:"likely_cause"`
	Confidence      float64 `json:"confidence"`
}

// Fuser is the external reasoning collaborator used for episode fusion.
// A nil outcome with a nil error means "not configured / unavailable"
// and the service falls back to threshold fusion.
type Fuser interface {
	Analyze(ctx context.Context, episode *Episode) (*GeminiOutcome, error)
}

const (
	historyCap   = 200
	historyTrim  = 100
)

// Broadcaster is the subset of the connection plane the episode service
// pushes updates through.
type Broadcaster interface {
	SendToPairedCaregiver(deviceID string, msg any)
	BroadcastToDashboards(msg any)
	BroadcastToGroup(groupID string, msg any)
}

// Service is the in-memory episode lifecycle manager.
type Service struct {
	fuser       Fuser
	broadcaster Broadcaster

	mu             sync.Mutex
	activeByDevice map[string]*Episode
	byID           map[string]*Episode
	history        []*Episode
}

// New creates a Service. fuser may be nil, in which case every episode
// falls back to threshold fusion.
func New(fuser Fuser, broadcaster Broadcaster) *Service {
	return &Service{
		fuser:          fuser,
		broadcaster:    broadcaster,
		activeByDevice: make(map[string]*Episode),
		byID:           make(map[string]*Episode),
	}
}

func newEpisodeID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Start opens a new episode for deviceID, triggered by triggerData (the
// reading/score snapshot that crossed the anomaly threshold). If an
// episode is already in progress for the device, it is returned unchanged
// — repeated anomaly triggers never fork a second lifecycle.
func (s *Service) Start(deviceID, userID string, triggerData map[string]any, groupID string) *Episode {
	now := time.Now().UTC()
	severity := 0.5
	if v, ok := triggerData["anomaly_score"].(float64); ok {
		severity = v
	}

	ep := &Episode{
		ID:            newEpisodeID(),
		DeviceID:      deviceID,
		UserID:        userID,
		GroupID:       groupID,
		Phase:         PhaseAnomalyDetected,
		TriggerData:   triggerData,
		SeverityScore: severity,
		CreatedAt:     now,
	}
	ep.appendTimeline(PhaseAnomalyDetected, triggerData)

	s.mu.Lock()
	if existing, ok := s.activeByDevice[deviceID]; ok {
		s.mu.Unlock()
		return existing
	}
	s.activeByDevice[deviceID] = ep
	s.byID[ep.ID] = ep
	metrics.EpisodesActiveGauge.Set(float64(len(s.activeByDevice)))
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.BroadcastToDashboards(map[string]any{"type": "episode-update", "episode": ep})
	}
	return ep
}

// UpdatePhase transitions episodeID to newPhase, recording data on the
// timeline. Used for the calming and re_evaluating transitions driven by
// the session engine.
func (s *Service) UpdatePhase(episodeID, newPhase string, data map[string]any) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}

	ep.mu.Lock()
	ep.Phase = newPhase
	ep.appendTimeline(newPhase, data)
	if newPhase == PhaseCalming {
		now := time.Now().UTC()
		ep.CalmingStartedAt = &now
	}
	ep.mu.Unlock()

	s.notify(ep)
	return ep
}

// SubmitCalmingResult records the post-calming vitals and decides whether
// the episode resolved (HR<100 ∧ HRV>30) or needs a visual check.
func (s *Service) SubmitCalmingResult(episodeID string, postVitals map[string]any) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}

	now := time.Now().UTC()
	heartRate := floatField(postVitals, "heart_rate", "heartRate")
	hrv := floatField(postVitals, "hrv")

	ep.mu.Lock()
	ep.CalmingEndedAt = &now
	ep.ReEvaluationResult = postVitals

	if heartRate < 100 && hrv > 30 {
		ep.Phase = PhaseResolved
		ep.ResolvedAt = &now
		ep.Resolution = "calming_resolved"
		ep.SeverityScore = 0.1
		ep.appendTimeline(PhaseResolved, map[string]any{"reason": "calming_resolved", "post_vitals": postVitals})
		ep.mu.Unlock()

		s.moveToHistory(ep)
		s.notify(ep)
		return ep
	}

	ep.Phase = PhaseVisualCheck
	ep.appendTimeline(PhaseReEvaluating, map[string]any{"post_vitals": postVitals, "result": "still_elevated"})
	ep.appendTimeline(PhaseVisualCheck, map[string]any{"reason": "post_calming_still_elevated"})
	ep.mu.Unlock()

	s.notify(ep)
	return ep
}

// SubmitPresageResult records a visual check-in result and immediately
// runs fusion.
func (s *Service) SubmitPresageResult(ctx context.Context, episodeID string, presage map[string]any) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}

	ep.mu.Lock()
	ep.PresageData = presage
	ep.Phase = PhaseFusing
	ep.appendTimeline(PhaseFusing, map[string]any{"presage_data": presage})
	ep.mu.Unlock()

	s.notify(ep)
	return s.RunFusion(ctx, episodeID)
}

// RunFusion combines watch vitals and any visual check-in into a
// decision: escalate, false_positive, or ambiguous. It tries the external
// reasoning collaborator first and falls back to threshold fusion.
func (s *Service) RunFusion(ctx context.Context, episodeID string) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}

	var result *FusionResult
	if s.fuser != nil {
		if outcome, err := s.fuser.Analyze(ctx, ep); err == nil && outcome != nil {
			result = buildGeminiFusionResult(ep, outcome)
		}
	}
	if result == nil {
		result = runThresholdFusion(ep)
	}

	now := time.Now().UTC()
	ep.mu.Lock()
	ep.FusionResult = result
	ep.FusionDecision = result.Decision
	ep.SeverityScore = round3(result.CombinedScore)
	ep.appendTimeline("fusion_complete", fusionResultToData(result))

	switch result.Decision {
	case "escalate":
		ep.Phase = PhaseEscalating
		ep.EscalationLevel = 1
		ep.appendTimeline(PhaseEscalating, map[string]any{"level": 1, "reason": "fusion_escalate"})
	case "false_positive":
		ep.Phase = PhaseResolved
		ep.ResolvedAt = &now
		ep.Resolution = "false_positive"
		ep.appendTimeline(PhaseResolved, map[string]any{"reason": "false_positive"})
	default: // ambiguous
		ep.Phase = PhaseEscalating
		ep.EscalationLevel = 1
		ep.appendTimeline(PhaseEscalating, map[string]any{"level": 1, "reason": "ambiguous_escalation"})
	}
	resolved := ep.Phase == PhaseResolved
	ep.mu.Unlock()

	if resolved {
		s.moveToHistory(ep)
	}
	s.notify(ep)
	return ep
}

func buildGeminiFusionResult(ep *Episode, g *GeminiOutcome) *FusionResult {
	heartRate := floatField(ep.TriggerData, "heart_rate", "heartRate")
	if heartRate == 0 {
		heartRate = 80
	}
	hrv := floatField(ep.TriggerData, "hrv")
	if hrv == 0 {
		hrv = 50
	}
	watchScore := watchScore(heartRate, hrv)

	return &FusionResult{
		Decision:        g.Decision,
		WatchScore:      round3(watchScore),
		CombinedScore:   round3(g.SeverityScore),
		Explanation:     g.Reasoning,
		CaregiverReport: g.CaregiverReport,
		LikelyCause:     g.LikelyCause,
		Confidence:      g.Confidence,
		AnalysisEngine:  "gemini",
	}
}

var expressionScores = map[string]float64{"calm": 0.1, "confused": 0.4, "distressed": 0.8, "pain": 0.95}
var eyeScores = map[string]float64{"normal": 0.1, "slow": 0.5, "unresponsive": 0.95}

func runThresholdFusion(ep *Episode) *FusionResult {
	heartRate := floatField(ep.TriggerData, "heart_rate", "heartRate")
	if heartRate == 0 {
		heartRate = 80
	}
	hrv := floatField(ep.TriggerData, "hrv")
	if hrv == 0 {
		hrv = 50
	}
	watch := watchScore(heartRate, hrv)

	if ep.PresageData == nil {
		combined := watch
		decision := "false_positive"
		explanation := fmt.Sprintf("No visual check-in data available. Watch score: %.1f%%. Watch-only data suggests false positive.", watch*100)
		if watch >= 0.7 {
			decision = "ambiguous"
			explanation = fmt.Sprintf("No visual check-in data available. Watch score: %.1f%%. Recommending escalation due to sustained elevated vitals.", watch*100)
		}
		return &FusionResult{
			Decision:       decision,
			WatchScore:     round3(watch),
			CombinedScore:  round3(combined),
			Explanation:    explanation,
			AnalysisEngine: "threshold",
		}
	}

	expression := stringField(ep.PresageData, "facial_expression", "facialExpression")
	if expression == "" {
		expression = "calm"
	}
	eyeResp := stringField(ep.PresageData, "eye_responsiveness", "eyeResponsiveness")
	if eyeResp == "" {
		eyeResp = "normal"
	}
	confidence := floatField(ep.PresageData, "confidence_score", "confidenceScore")
	if confidence == 0 {
		confidence = 0.5
	}

	expScore, ok := expressionScores[expression]
	if !ok {
		expScore = 0.5
	}
	eyeScore, ok := eyeScores[eyeResp]
	if !ok {
		eyeScore = 0.3
	}
	presageScore := (expScore*0.6 + eyeScore*0.4) * confidence
	combined := watch*0.5 + presageScore*0.5

	var decision string
	switch {
	case combined >= 0.6:
		decision = "escalate"
	case combined <= 0.3:
		decision = "false_positive"
	default:
		decision = "ambiguous"
	}

	var explanation string
	switch decision {
	case "escalate":
		explanation = fmt.Sprintf("Watch vitals elevated (HR=%.0f) and visual check shows %s expression with %s eye response. Combined severity %.1f%% warrants escalation.", heartRate, expression, eyeResp, combined*100)
	case "false_positive":
		explanation = fmt.Sprintf("Despite elevated watch readings, visual check shows %s expression with normal responsiveness. Likely exercise or stress — not a medical event.", expression)
	default:
		explanation = fmt.Sprintf("Mixed signals: watch score %.1f%%, visual score %.1f%%. Monitoring recommended.", watch*100, presageScore*100)
	}

	ps := round3(presageScore)
	return &FusionResult{
		Decision:       decision,
		WatchScore:     round3(watch),
		PresageScore:   &ps,
		CombinedScore:  round3(combined),
		Explanation:    explanation,
		AnalysisEngine: "threshold",
	}
}

func watchScore(heartRate, hrv float64) float64 {
	hrScore := clamp01((heartRate - 80) / 80)
	hrvScore := clamp01((50 - hrv) / 40)
	return hrScore*0.7 + hrvScore*0.3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

// Escalate bumps episodeID's escalation level, called by the escalation
// timer ladder.
func (s *Service) Escalate(episodeID string, level int) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}
	ep.mu.Lock()
	ep.EscalationLevel = level
	ep.appendTimeline("escalation_upgrade", map[string]any{"level": level})
	ep.mu.Unlock()
	s.notify(ep)
	return ep
}

// Resolve closes episodeID with an explicit resolution reason (e.g.
// "caregiver_acknowledged", "false_positive_manual").
func (s *Service) Resolve(episodeID, resolution string) *Episode {
	ep := s.get(episodeID)
	if ep == nil {
		return nil
	}

	now := time.Now().UTC()
	ep.mu.Lock()
	ep.Phase = PhaseResolved
	ep.ResolvedAt = &now
	ep.Resolution = resolution
	ep.appendTimeline(PhaseResolved, map[string]any{"resolution": resolution})
	ep.mu.Unlock()

	s.moveToHistory(ep)
	s.notify(ep)
	return ep
}

// View returns a read-only snapshot of episodeID's current state, for
// callers (like the escalation timer ladder) that must not hold onto the
// live *Episode.
func (s *Service) View(episodeID string) (EpisodeView, bool) {
	ep := s.get(episodeID)
	if ep == nil {
		return EpisodeView{}, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return EpisodeView{
		ID:            ep.ID,
		UserID:        ep.UserID,
		DeviceID:      ep.DeviceID,
		GroupID:       ep.GroupID,
		Phase:         ep.Phase,
		SeverityScore: ep.SeverityScore,
		TriggerData:   ep.TriggerData,
		FusionResult:  ep.FusionResult,
		TimelineCount: len(ep.Timeline),
	}, true
}

func (s *Service) get(episodeID string) *Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[episodeID]
}

// ActiveForDevice returns the in-progress episode for deviceID, if any.
func (s *Service) ActiveForDevice(deviceID string) (*Episode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.activeByDevice[deviceID]
	return ep, ok
}

// ActiveEpisodes returns every in-progress episode.
func (s *Service) ActiveEpisodes() []*Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Episode, 0, len(s.activeByDevice))
	for _, ep := range s.activeByDevice {
		out = append(out, ep)
	}
	return out
}

// History returns up to limit of the most recently resolved episodes.
func (s *Service) History(limit int) []*Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*Episode, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

func (s *Service) moveToHistory(ep *Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeByDevice, ep.DeviceID)
	metrics.EpisodesActiveGauge.Set(float64(len(s.activeByDevice)))
	s.history = append(s.history, ep)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyTrim:]
	}
}

// notify pushes the episode's current state out: a generic
// episode-update while in progress, episode-resolved to the paired group
// once the lifecycle closes.
func (s *Service) notify(ep *Episode) {
	if s.broadcaster == nil {
		return
	}

	ep.mu.Lock()
	resolved := ep.Phase == PhaseResolved
	groupID := ep.GroupID
	resolution := ep.Resolution
	ep.mu.Unlock()

	if resolved {
		msg := map[string]any{
			"type":       "episode-resolved",
			"episode_id": ep.ID,
			"device_id":  ep.DeviceID,
			"resolution": resolution,
			"episode":    ep,
		}
		s.broadcaster.BroadcastToDashboards(msg)
		s.broadcaster.SendToPairedCaregiver(ep.DeviceID, msg)
		if groupID != "" {
			s.broadcaster.BroadcastToGroup(groupID, msg)
		}
		return
	}

	s.broadcaster.BroadcastToDashboards(map[string]any{"type": "episode-update", "episode": ep})
	s.broadcaster.SendToPairedCaregiver(ep.DeviceID, map[string]any{"type": "episode-update", "episode": ep})
}

func floatField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			}
		}
	}
	return 0
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func fusionResultToData(r *FusionResult) map[string]any {
	data := map[string]any{
		"decision":        r.Decision,
		"watch_score":     r.WatchScore,
		"combined_score":  r.CombinedScore,
		"explanation":     r.Explanation,
		"analysis_engine": r.AnalysisEngine,
	}
	if r.PresageScore != nil {
		data["presage_score"] = *r.PresageScore
	}
	return data
}
