package aggregation

import (
	"testing"
	"time"

	"github.com/snarg/vitalguard/internal/inference"
	"github.com/snarg/vitalguard/internal/scores"
)

type fakeLister struct {
	zones map[string][]string
	users map[string][]string
}

func (f fakeLister) DevicesInZone(zoneID string) []string { return f.zones[zoneID] }
func (f fakeLister) UserDeviceIDs(userID string) []string  { return f.users[userID] }

func defaultThresholds() Thresholds {
	return Thresholds{Individual: 0.5, Community: 0.6, MinAffected: 3}
}

func TestComputeZoneScoreEmptyZoneIsSafe(t *testing.T) {
	e := New(fakeLister{}, scores.New(), defaultThresholds())
	r := e.ComputeZoneScore("zone-a")
	if r.Status != "safe" || r.ActiveDevices != 0 {
		t.Errorf("got %+v, want empty safe zone", r)
	}
}

func TestComputeZoneScoreCriticalOnPattern(t *testing.T) {
	lister := fakeLister{zones: map[string][]string{"zone-a": {"d1", "d2", "d3"}}}
	reg := scores.New()
	now := time.Now()
	reg.Set("d1", inference.Score{OverallScore: 0.7}, now)
	reg.Set("d2", inference.Score{OverallScore: 0.7}, now)
	reg.Set("d3", inference.Score{OverallScore: 0.7}, now)

	e := New(lister, reg, defaultThresholds())
	r := e.ComputeZoneScore("zone-a")

	if r.Status != "critical" {
		t.Errorf("status = %s, want critical", r.Status)
	}
	if !r.IsCommunityAnomaly {
		t.Error("expected IsCommunityAnomaly = true")
	}
	if r.AnomalousDevices != 3 {
		t.Errorf("AnomalousDevices = %d, want 3", r.AnomalousDevices)
	}
}

func TestComputeZoneScoreWarningOnSingleHighMax(t *testing.T) {
	lister := fakeLister{zones: map[string][]string{"zone-a": {"d1"}}}
	reg := scores.New()
	reg.Set("d1", inference.Score{OverallScore: 0.9}, time.Now())

	e := New(lister, reg, defaultThresholds())
	r := e.ComputeZoneScore("zone-a")
	if r.Status != "warning" {
		t.Errorf("status = %s, want warning (max>0.7)", r.Status)
	}
}

func TestComputeGroupScoreFamilyAlertsOnAnyAnomaly(t *testing.T) {
	lister := fakeLister{users: map[string][]string{"u1": {"d1"}}}
	reg := scores.New()
	reg.Set("d1", inference.Score{OverallScore: 0.6}, time.Now())

	e := New(lister, reg, defaultThresholds())
	r := e.ComputeGroupScore("fam-1", []string{"u1"}, GroupFamily)

	if r.Status != "warning" {
		t.Errorf("status = %s, want warning", r.Status)
	}
	if !r.IsGroupAnomaly {
		t.Error("expected family group to flag on single anomaly")
	}
}

func TestComputeGroupScoreFamilyCriticalAboveEightyPercent(t *testing.T) {
	lister := fakeLister{users: map[string][]string{"u1": {"d1"}}}
	reg := scores.New()
	reg.Set("d1", inference.Score{OverallScore: 0.85}, time.Now())

	e := New(lister, reg, defaultThresholds())
	r := e.ComputeGroupScore("fam-1", []string{"u1"}, GroupFamily)
	if r.Status != "critical" {
		t.Errorf("status = %s, want critical", r.Status)
	}
}

func TestZoneHistoryCapped(t *testing.T) {
	lister := fakeLister{zones: map[string][]string{"zone-a": {"d1"}}}
	reg := scores.New()
	reg.Set("d1", inference.Score{OverallScore: 0.1}, time.Now())

	e := New(lister, reg, defaultThresholds())
	for i := 0; i < historyCap+50; i++ {
		e.ComputeZoneScore("zone-a")
	}
	if got := len(e.ZoneHistory("zone-a", 0)); got != historyCap {
		t.Errorf("history length = %d, want %d", got, historyCap)
	}
}

func TestCommunitySummaryOverallStatus(t *testing.T) {
	lister := fakeLister{zones: map[string][]string{
		"zone-a": {"d1", "d2", "d3"},
		"zone-b": {"d4"},
	}}
	reg := scores.New()
	now := time.Now()
	reg.Set("d1", inference.Score{OverallScore: 0.7}, now)
	reg.Set("d2", inference.Score{OverallScore: 0.7}, now)
	reg.Set("d3", inference.Score{OverallScore: 0.7}, now)
	reg.Set("d4", inference.Score{OverallScore: 0.1}, now)

	e := New(lister, reg, defaultThresholds())
	summary := e.CommunitySummary([]string{"zone-a", "zone-b"})

	if summary.OverallStatus != "critical" {
		t.Errorf("overall status = %s, want critical", summary.OverallStatus)
	}
	if summary.CommunityAnomalies != 1 {
		t.Errorf("community anomalies = %d, want 1", summary.CommunityAnomalies)
	}
}
