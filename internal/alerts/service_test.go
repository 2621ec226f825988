package alerts

import (
	"sync"
	"testing"

	"github.com/snarg/vitalguard/internal/aggregation"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	dash     []any
	zone     []any
	group    []any
}

func (f *fakeBroadcaster) BroadcastToDashboards(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dash = append(f.dash, msg)
}
func (f *fakeBroadcaster) BroadcastToZone(zoneID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zone = append(f.zone, msg)
}
func (f *fakeBroadcaster) BroadcastToGroup(groupID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, msg)
}

func TestCheckZoneCommunityAlertDedups(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(b)

	zone := aggregation.ZoneResult{
		ZoneID:             "zone-a",
		Score:              0.7,
		AnomalousDevices:   3,
		ActiveDevices:      4,
		IsCommunityAnomaly: true,
		DeviceScores:       map[string]float64{"d1": 0.7},
	}
	s.CheckZone(zone, 0.5)
	s.CheckZone(zone, 0.5)

	active := s.Active()
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1 (dedup by zone key)", len(active))
	}
	if active[0].Severity != "critical" {
		t.Errorf("severity = %s, want critical", active[0].Severity)
	}
}

func TestCheckZoneIndividualAlertSeverity(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(b)

	zone := aggregation.ZoneResult{
		ZoneID:           "zone-a",
		AnomalousDevices: 1,
		DeviceScores:     map[string]float64{"d1": 0.9},
	}
	s.CheckZone(zone, 0.5)

	active := s.Active()
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
	if active[0].Severity != "critical" {
		t.Errorf("severity = %s, want critical (score>0.8)", active[0].Severity)
	}
}

func TestCheckGroupFamilySeverity(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(b)

	group := aggregation.GroupResult{
		GroupID:          "fam-1",
		GroupType:        aggregation.GroupFamily,
		MaxScore:         0.6,
		AnomalousMembers: 1,
		IsGroupAnomaly:   true,
		DeviceScores:     map[string]float64{"d1": 0.6},
	}
	s.CheckGroup(group)

	active := s.Active()
	if len(active) != 1 || active[0].Severity != "warning" {
		t.Fatalf("got %+v, want one warning alert", active)
	}
}

func TestResolveDeactivatesAndBroadcasts(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(b)
	zone := aggregation.ZoneResult{
		ZoneID:             "zone-a",
		IsCommunityAnomaly: true,
		DeviceScores:       map[string]float64{"d1": 0.9},
	}
	s.CheckZone(zone, 0.5)

	id := s.Active()[0].ID
	if !s.Resolve(id, "caregiver-1") {
		t.Fatal("Resolve returned false for an active alert")
	}
	if len(s.Active()) != 0 {
		t.Error("alert still active after Resolve")
	}
	if s.Resolve("nonexistent", "") {
		t.Error("Resolve returned true for an unknown alert id")
	}
}

func TestListRespectsLimitAndActiveOnly(t *testing.T) {
	b := &fakeBroadcaster{}
	s := New(b)
	s.CheckZone(aggregation.ZoneResult{ZoneID: "z1", IsCommunityAnomaly: true, DeviceScores: map[string]float64{"d1": 0.9}}, 0.5)
	s.CheckZone(aggregation.ZoneResult{ZoneID: "z2", IsCommunityAnomaly: true, DeviceScores: map[string]float64{"d2": 0.9}}, 0.5)

	s.Resolve(s.List(0, false)[0].ID, "")

	if got := len(s.List(0, true)); got != 1 {
		t.Errorf("active-only list length = %d, want 1", got)
	}
	if got := len(s.List(1, false)); got != 1 {
		t.Errorf("limited list length = %d, want 1", got)
	}
}
