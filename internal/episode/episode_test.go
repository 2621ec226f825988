package episode

import (
	"context"
	"sync"
	"testing"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	dash  []any
	paired []any
	group  []any
}

func (f *fakeBroadcaster) BroadcastToDashboards(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dash = append(f.dash, msg)
}
func (f *fakeBroadcaster) SendToPairedCaregiver(deviceID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paired = append(f.paired, msg)
}
func (f *fakeBroadcaster) BroadcastToGroup(groupID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, msg)
}

func TestStartCreatesAnomalyDetectedPhase(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{"anomaly_score": 0.8}, "")
	if ep.Phase != PhaseAnomalyDetected {
		t.Errorf("phase = %s, want %s", ep.Phase, PhaseAnomalyDetected)
	}
	if len(ep.Timeline) != 1 {
		t.Errorf("timeline length = %d, want 1", len(ep.Timeline))
	}
	active, ok := s.ActiveForDevice("dev-1")
	if !ok || active.ID != ep.ID {
		t.Error("expected episode to be active for device")
	}
}

func TestStartReturnsExistingActiveEpisode(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	first := s.Start("dev-1", "user-1", map[string]any{"anomaly_score": 0.8}, "")
	second := s.Start("dev-1", "user-1", map[string]any{"anomaly_score": 0.9}, "")
	if second.ID != first.ID {
		t.Errorf("second Start returned id %s, want existing %s", second.ID, first.ID)
	}
	if len(s.ActiveEpisodes()) != 1 {
		t.Errorf("active episodes = %d, want 1", len(s.ActiveEpisodes()))
	}

	s.Resolve(first.ID, "manual")
	third := s.Start("dev-1", "user-1", map[string]any{}, "")
	if third.ID == first.ID {
		t.Error("a resolved episode should not be returned by a fresh Start")
	}
}

func TestSubmitCalmingResultResolvesWhenVitalsNormal(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{}, "")

	got := s.SubmitCalmingResult(ep.ID, map[string]any{"heart_rate": 85.0, "hrv": 45.0})
	if got.Phase != PhaseResolved {
		t.Fatalf("phase = %s, want resolved", got.Phase)
	}
	if got.Resolution != "calming_resolved" {
		t.Errorf("resolution = %s, want calming_resolved", got.Resolution)
	}
	if _, ok := s.ActiveForDevice("dev-1"); ok {
		t.Error("episode should have moved out of active set")
	}
}

func TestSubmitCalmingResultMovesToVisualCheckWhenStillElevated(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{}, "")

	got := s.SubmitCalmingResult(ep.ID, map[string]any{"heart_rate": 120.0, "hrv": 20.0})
	if got.Phase != PhaseVisualCheck {
		t.Fatalf("phase = %s, want visual_check", got.Phase)
	}
	if _, ok := s.ActiveForDevice("dev-1"); !ok {
		t.Error("episode should remain active pending visual check")
	}
}

func TestRunFusionThresholdEscalatesOnDistressedExpression(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{"heart_rate": 150.0, "hrv": 15.0}, "")
	ep.PresageData = map[string]any{
		"facial_expression": "distressed",
		"eye_responsiveness": "unresponsive",
		"confidence_score":   0.9,
	}

	got := s.RunFusion(context.Background(), ep.ID)
	if got.FusionDecision != "escalate" {
		t.Fatalf("decision = %s, want escalate", got.FusionDecision)
	}
	if got.Phase != PhaseEscalating || got.EscalationLevel != 1 {
		t.Errorf("phase=%s level=%d, want escalating/1", got.Phase, got.EscalationLevel)
	}
}

func TestRunFusionThresholdFalsePositiveOnCalmExpression(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{"heart_rate": 115.0, "hrv": 40.0}, "")
	ep.PresageData = map[string]any{
		"facial_expression":  "calm",
		"eye_responsiveness": "normal",
		"confidence_score":   0.9,
	}

	got := s.RunFusion(context.Background(), ep.ID)
	if got.FusionDecision != "false_positive" {
		t.Fatalf("decision = %s, want false_positive", got.FusionDecision)
	}
	if got.Phase != PhaseResolved {
		t.Errorf("phase = %s, want resolved", got.Phase)
	}
}

func TestRunFusionNoPresageDataFallsBackToWatchOnly(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{"heart_rate": 80.0, "hrv": 50.0}, "")

	got := s.RunFusion(context.Background(), ep.ID)
	if got.FusionDecision != "false_positive" {
		t.Errorf("decision = %s, want false_positive (watch score 0)", got.FusionDecision)
	}
}

func TestResolveBroadcastsEpisodeResolvedToGroup(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(nil, b)
	ep := s.Start("dev-1", "user-1", map[string]any{}, "group-1")

	s.Resolve(ep.ID, "caregiver_acknowledged")

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.group) != 1 {
		t.Fatalf("group broadcasts = %d, want 1", len(b.group))
	}
	msg, ok := b.group[0].(map[string]any)
	if !ok || msg["type"] != "episode-resolved" {
		t.Fatalf("group message = %#v, want type episode-resolved", b.group[0])
	}
	if msg["resolution"] != "caregiver_acknowledged" {
		t.Errorf("resolution = %v, want caregiver_acknowledged", msg["resolution"])
	}

	var sawResolved bool
	for _, m := range b.dash {
		if mm, ok := m.(map[string]any); ok && mm["type"] == "episode-resolved" {
			sawResolved = true
		}
	}
	if !sawResolved {
		t.Error("dashboards never saw episode-resolved")
	}
}

func TestHistoryCapAndTrim(t *testing.T) {
	s := New(nil, &fakeBroadcaster{})
	// The entry that pushes history past historyCap triggers the trim.
	for i := 0; i < historyCap+1; i++ {
		ep := s.Start("dev-1", "user-1", map[string]any{}, "")
		s.Resolve(ep.ID, "manual")
	}
	if got := len(s.History(0)); got != historyTrim {
		t.Errorf("history length = %d, want %d after trim", got, historyTrim)
	}
}

type fakeFuser struct {
	outcome *GeminiOutcome
	err     error
}

func (f fakeFuser) Analyze(ctx context.Context, ep *Episode) (*GeminiOutcome, error) {
	return f.outcome, f.err
}

func TestValidOutcomeRejectsMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		o    GeminiOutcome
		want bool
	}{
		{"valid escalate", GeminiOutcome{Decision: "escalate", SeverityScore: 0.8, Confidence: 0.9, Reasoning: "elevated"}, true},
		{"unknown decision", GeminiOutcome{Decision: "panic", SeverityScore: 0.5, Confidence: 0.5, Reasoning: "x"}, false},
		{"missing decision", GeminiOutcome{SeverityScore: 0.5, Confidence: 0.5, Reasoning: "x"}, false},
		{"severity out of range", GeminiOutcome{Decision: "ambiguous", SeverityScore: 1.4, Confidence: 0.5, Reasoning: "x"}, false},
		{"confidence out of range", GeminiOutcome{Decision: "ambiguous", SeverityScore: 0.4, Confidence: -0.1, Reasoning: "x"}, false},
		{"empty reasoning", GeminiOutcome{Decision: "false_positive", SeverityScore: 0.1, Confidence: 0.9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validOutcome(&tt.o); got != tt.want {
				t.Errorf("validOutcome = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunFusionUsesExternalCollaboratorWhenAvailable(t *testing.T) {
	s := New(fakeFuser{outcome: &GeminiOutcome{Decision: "escalate", SeverityScore: 0.9, Reasoning: "test"}}, &fakeBroadcaster{})
	ep := s.Start("dev-1", "user-1", map[string]any{"heart_rate": 100.0, "hrv": 40.0}, "")

	got := s.RunFusion(context.Background(), ep.ID)
	if got.FusionResult.AnalysisEngine != "gemini" {
		t.Errorf("analysis_engine = %s, want gemini", got.FusionResult.AnalysisEngine)
	}
	if got.FusionDecision != "escalate" {
		t.Errorf("decision = %s, want escalate", got.FusionDecision)
	}
}
