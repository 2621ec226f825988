// Package alerts generates community, group, and individual alerts
// from aggregation results, deduplicating by scope: while an identical
// active alert exists, a new trigger updates its score instead of
// creating a second alert.
package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snarg/vitalguard/internal/aggregation"
	"github.com/snarg/vitalguard/internal/metrics"
)

type Kind string

const (
	KindCommunity  Kind = "community"
	KindGroup      Kind = "group"
	KindIndividual Kind = "individual"
)

// Alert is a generated alert, active or resolved.
type Alert struct {
	ID              string         `json:"id"`
	Type            Kind           `json:"type"`
	Severity        string         `json:"severity"`
	ZoneID          string         `json:"zone_id,omitempty"`
	GroupID         string         `json:"group_id,omitempty"`
	GroupType       string         `json:"group_type,omitempty"`
	DeviceID        string         `json:"device_id,omitempty"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Score           float64        `json:"score"`
	AffectedDevices []string       `json:"affected_devices"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by,omitempty"`
}

// Broadcaster is the subset of the connection plane alerts needs to
// publish to. Implemented by connhub.Hub.
type Broadcaster interface {
	BroadcastToDashboards(msg any)
	BroadcastToZone(zoneID string, msg any)
	BroadcastToGroup(groupID string, msg any)
}

// Service tracks every alert ever raised plus the currently-active set,
// keyed by (kind, scope) for dedup.
type Service struct {
	broadcaster Broadcaster

	mu     sync.Mutex
	all    []*Alert
	active map[string]*Alert // dedup key -> alert
}

// New creates a Service.
func New(broadcaster Broadcaster) *Service {
	return &Service{
		broadcaster: broadcaster,
		active:      make(map[string]*Alert),
	}
}

// CheckZone inspects one zone's aggregation result and raises a community
// or individual alert as appropriate.
func (s *Service) CheckZone(zone aggregation.ZoneResult, individualThreshold float64) {
	if zone.IsCommunityAnomaly {
		s.createCommunityAlert(zone)
		return
	}
	if zone.AnomalousDevices > 0 {
		for deviceID, score := range zone.DeviceScores {
			if score > individualThreshold {
				s.createIndividualAlert(deviceID, zone.ZoneID, score, "")
			}
		}
	}
}

// CheckGroup inspects one group's aggregation result and raises a group
// alert if the group itself qualifies as anomalous.
func (s *Service) CheckGroup(group aggregation.GroupResult) {
	if group.IsGroupAnomaly {
		s.createGroupAlert(group)
	}
}

func (s *Service) createCommunityAlert(zone aggregation.ZoneResult) {
	key := fmt.Sprintf("community_%s", zone.ZoneID)

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		existing.Score = zone.Score
		existing.UpdatedAt = time.Now().UTC()
		s.mu.Unlock()
		return
	}

	affected := deviceList(zone.DeviceScores)
	alert := &Alert{
		ID:       uuid.NewString(),
		Type:     KindCommunity,
		Severity: "critical",
		ZoneID:   zone.ZoneID,
		Title:    "Community anomaly detected in zone",
		Description: fmt.Sprintf(
			"%d of %d devices showing elevated anomaly scores. Possible environmental hazard or coordinated distress event.",
			zone.AnomalousDevices, zone.ActiveDevices),
		Score:           zone.Score,
		AffectedDevices: affected,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	s.all = append(s.all, alert)
	s.active[key] = alert
	metrics.AlertsActiveGauge.Set(float64(len(s.active)))
	s.mu.Unlock()

	s.broadcaster.BroadcastToDashboards(map[string]any{"type": "alert", "alert": alert})
	s.broadcaster.BroadcastToZone(zone.ZoneID, map[string]any{"type": "zone_alert", "alert": alert})
}

func (s *Service) createGroupAlert(group aggregation.GroupResult) {
	key := fmt.Sprintf("group_%s", group.GroupID)

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		existing.Score = group.Score
		existing.UpdatedAt = time.Now().UTC()
		s.mu.Unlock()
		return
	}

	var severity, title, description string
	if group.GroupType == aggregation.GroupFamily {
		if group.MaxScore > 0.8 {
			severity = "critical"
		} else {
			severity = "warning"
		}
		title = "Family member in distress"
		description = fmt.Sprintf(
			"%d family member(s) showing elevated anomaly scores. Immediate attention may be needed.",
			group.AnomalousMembers)
	} else {
		severity = "critical"
		title = "Community group anomaly detected"
		description = fmt.Sprintf(
			"%d of %d members showing elevated scores. Possible coordinated event.",
			group.AnomalousMembers, group.ActiveMembers)
	}

	alert := &Alert{
		ID:              uuid.NewString(),
		Type:            KindGroup,
		Severity:        severity,
		GroupID:         group.GroupID,
		GroupType:       string(group.GroupType),
		Title:           title,
		Description:     description,
		Score:           group.Score,
		AffectedDevices: deviceList(group.DeviceScores),
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	s.all = append(s.all, alert)
	s.active[key] = alert
	metrics.AlertsActiveGauge.Set(float64(len(s.active)))
	s.mu.Unlock()

	s.broadcaster.BroadcastToDashboards(map[string]any{"type": "alert", "alert": alert})
	s.broadcaster.BroadcastToGroup(group.GroupID, map[string]any{
		"type":    "group-alert",
		"groupId": group.GroupID,
		"alert":   alert,
	})
}

func (s *Service) createIndividualAlert(deviceID, zoneID string, score float64, groupID string) {
	key := fmt.Sprintf("individual_%s", deviceID)

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		existing.Score = score
		s.mu.Unlock()
		return
	}

	severity := "warning"
	if score > 0.8 {
		severity = "critical"
	}
	shortID := deviceID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	alert := &Alert{
		ID:              uuid.NewString(),
		Type:            KindIndividual,
		Severity:        severity,
		ZoneID:          zoneID,
		GroupID:         groupID,
		DeviceID:        deviceID,
		Title:           "Individual distress detected",
		Description:     fmt.Sprintf("Device %s... showing anomaly score of %.2f", shortID, score),
		Score:           score,
		AffectedDevices: []string{deviceID},
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	s.all = append(s.all, alert)
	s.active[key] = alert
	metrics.AlertsActiveGauge.Set(float64(len(s.active)))
	s.mu.Unlock()

	s.broadcaster.BroadcastToDashboards(map[string]any{"type": "alert", "alert": alert})
	if groupID != "" {
		s.broadcaster.BroadcastToGroup(groupID, map[string]any{
			"type":    "group-alert",
			"groupId": groupID,
			"alert":   alert,
		})
	}
}

// Resolve deactivates the alert matching alertID, if any is active.
func (s *Service) Resolve(alertID string, acknowledgedBy string) bool {
	s.mu.Lock()
	var resolved *Alert
	for key, alert := range s.active {
		if alert.ID == alertID {
			now := time.Now().UTC()
			alert.IsActive = false
			alert.ResolvedAt = &now
			alert.AcknowledgedBy = acknowledgedBy
			delete(s.active, key)
			metrics.AlertsActiveGauge.Set(float64(len(s.active)))
			resolved = alert
			break
		}
	}
	s.mu.Unlock()

	if resolved == nil {
		return false
	}
	s.broadcaster.BroadcastToDashboards(map[string]any{"type": "alert_resolved", "alert_id": alertID})
	return true
}

// List returns up to limit alerts, newest first. If activeOnly, only
// currently-active alerts are considered.
func (s *Service) List(limit int, activeOnly bool) []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Alert
	for _, a := range s.all {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active returns every currently-active alert.
func (s *Service) Active() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Alert, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	return out
}

// ForZone returns every alert (active or resolved) raised for zoneID.
func (s *Service) ForZone(zoneID string) []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for _, a := range s.all {
		if a.ZoneID == zoneID {
			out = append(out, a)
		}
	}
	return out
}

// ForGroup returns every alert (active or resolved) raised for groupID.
func (s *Service) ForGroup(groupID string) []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for _, a := range s.all {
		if a.GroupID == groupID {
			out = append(out, a)
		}
	}
	return out
}

func deviceList(scores map[string]float64) []string {
	out := make([]string, 0, len(scores))
	for id := range scores {
		out = append(out, id)
	}
	return out
}
