// Package aggregation rolls per-device anomaly scores up into zone- and
// group-level status: average/max/anomalous-count per scope, tiered
// status thresholds, and a bounded snapshot history per scope.
package aggregation

import (
	"sync"
	"time"

	"github.com/snarg/vitalguard/internal/scores"
)

const historyCap = 300

// GroupType selects which status-tier rule a group uses.
type GroupType string

const (
	GroupFamily    GroupType = "family"
	GroupCommunity GroupType = "community"
)

// ZoneResult is a single zone aggregation snapshot.
type ZoneResult struct {
	ZoneID             string             `json:"zone_id"`
	Score              float64            `json:"score"`
	MaxScore           float64            `json:"max_score"`
	Status             string             `json:"status"`
	ActiveDevices      int                `json:"active_devices"`
	AnomalousDevices   int                `json:"anomalous_devices"`
	IsCommunityAnomaly bool               `json:"is_community_anomaly"`
	DeviceScores       map[string]float64 `json:"device_scores"`
	Timestamp          time.Time          `json:"timestamp"`
}

// GroupResult is a single group aggregation snapshot.
type GroupResult struct {
	GroupID         string             `json:"group_id"`
	GroupType       GroupType          `json:"group_type"`
	Score           float64            `json:"score"`
	MaxScore        float64            `json:"max_score"`
	Status          string             `json:"status"`
	ActiveMembers   int                `json:"active_members"`
	AnomalousMembers int               `json:"anomalous_members"`
	IsGroupAnomaly  bool               `json:"is_group_anomaly"`
	DeviceScores    map[string]float64 `json:"device_scores"`
	Timestamp       time.Time          `json:"timestamp"`
}

// CommunitySummary rolls every zone's result into one overall status.
type CommunitySummary struct {
	OverallStatus     string       `json:"overall_status"`
	TotalDevices      int          `json:"total_devices"`
	TotalAnomalous    int          `json:"total_anomalous"`
	CommunityAnomalies int         `json:"community_anomalies"`
	Zones             []ZoneResult `json:"zones"`
	Timestamp         time.Time    `json:"timestamp"`
}

// DeviceLister resolves membership: which devices are in a zone, and which
// device ids belong to a user. Implemented by internal/connhub's Hub so
// this package never imports the connection plane directly.
type DeviceLister interface {
	DevicesInZone(zoneID string) []string
	UserDeviceIDs(userID string) []string
}

// Thresholds bundles the tunables read from config.
type Thresholds struct {
	Individual   float64 // ANOMALY_THRESHOLD
	Community    float64 // COMMUNITY_ANOMALY_THRESHOLD
	MinAffected  int     // COMMUNITY_MIN_AFFECTED
}

// Engine computes and caches zone/group aggregations.
type Engine struct {
	lister     DeviceLister
	registry   *scores.Registry
	thresholds Thresholds

	mu           sync.RWMutex
	zoneScore    map[string]float64
	zoneStatus   map[string]string
	zoneHistory  map[string][]ZoneResult
	groupScore   map[string]float64
	groupStatus  map[string]string
}

// New creates an Engine.
func New(lister DeviceLister, registry *scores.Registry, thresholds Thresholds) *Engine {
	return &Engine{
		lister:      lister,
		registry:    registry,
		thresholds:  thresholds,
		zoneScore:   make(map[string]float64),
		zoneStatus:  make(map[string]string),
		zoneHistory: make(map[string][]ZoneResult),
		groupScore:  make(map[string]float64),
		groupStatus: make(map[string]string),
	}
}

// ComputeZoneScore aggregates every device currently in zoneID.
func (e *Engine) ComputeZoneScore(zoneID string) ZoneResult {
	devices := e.lister.DevicesInZone(zoneID)
	now := time.Now().UTC()
	if len(devices) == 0 {
		result := ZoneResult{
			ZoneID:       zoneID,
			Status:       "safe",
			DeviceScores: map[string]float64{},
			Timestamp:    now,
		}
		e.recordZone(zoneID, result)
		return result
	}

	deviceScores := e.registry.ScoresFor(devices)
	avg, max, anomalous := summarize(deviceScores, e.thresholds.Individual)

	isCommunityAnomaly := anomalous >= e.thresholds.MinAffected && avg > e.thresholds.Community

	var status string
	switch {
	case isCommunityAnomaly:
		status = "critical"
	case anomalous >= 2 || max > 0.7:
		status = "warning"
	case anomalous >= 1 || avg > 0.3:
		status = "elevated"
	default:
		status = "safe"
	}

	result := ZoneResult{
		ZoneID:             zoneID,
		Score:              avg,
		MaxScore:           max,
		Status:             status,
		ActiveDevices:      len(devices),
		AnomalousDevices:   anomalous,
		IsCommunityAnomaly: isCommunityAnomaly,
		DeviceScores:       deviceScores,
		Timestamp:          now,
	}
	e.recordZone(zoneID, result)
	return result
}

func (e *Engine) recordZone(zoneID string, result ZoneResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoneScore[zoneID] = result.Score
	e.zoneStatus[zoneID] = result.Status
	hist := append(e.zoneHistory[zoneID], result)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	e.zoneHistory[zoneID] = hist
}

// ComputeGroupScore aggregates every device belonging to memberUserIDs.
func (e *Engine) ComputeGroupScore(groupID string, memberUserIDs []string, groupType GroupType) GroupResult {
	deviceScores := make(map[string]float64)
	for _, userID := range memberUserIDs {
		for _, deviceID := range e.lister.UserDeviceIDs(userID) {
			if entry, ok := e.registry.Score(deviceID); ok && !entry.Score.Failed() {
				deviceScores[deviceID] = entry.Score.OverallScore
			}
		}
	}

	avg, max, anomalous := summarize(deviceScores, e.thresholds.Individual)

	var status string
	var isGroupAnomaly bool
	switch groupType {
	case GroupFamily:
		isGroupAnomaly = anomalous > 0
		switch {
		case anomalous > 0 && max > 0.8:
			status = "critical"
		case anomalous > 0:
			status = "warning"
		default:
			status = "safe"
		}
	default:
		isGroupAnomaly = anomalous >= e.thresholds.MinAffected && avg > e.thresholds.Community
		switch {
		case isGroupAnomaly:
			status = "critical"
		case anomalous >= 2 || max > 0.7:
			status = "warning"
		case anomalous >= 1:
			status = "elevated"
		default:
			status = "safe"
		}
	}

	e.mu.Lock()
	e.groupScore[groupID] = avg
	e.groupStatus[groupID] = status
	e.mu.Unlock()

	return GroupResult{
		GroupID:          groupID,
		GroupType:        groupType,
		Score:            avg,
		MaxScore:         max,
		Status:           status,
		ActiveMembers:    len(deviceScores),
		AnomalousMembers: anomalous,
		IsGroupAnomaly:   isGroupAnomaly,
		DeviceScores:     deviceScores,
		Timestamp:        time.Now().UTC(),
	}
}

// ComputeAllZones computes and returns a result for every zone id given.
func (e *Engine) ComputeAllZones(zoneIDs []string) []ZoneResult {
	out := make([]ZoneResult, len(zoneIDs))
	for i, z := range zoneIDs {
		out[i] = e.ComputeZoneScore(z)
	}
	return out
}

// ZoneScore returns the cached average score for a zone, or 0 if unknown.
func (e *Engine) ZoneScore(zoneID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.zoneScore[zoneID]
}

// ZoneStatus returns the cached status tier for a zone, defaulting to safe.
func (e *Engine) ZoneStatus(zoneID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.zoneStatus[zoneID]; ok {
		return s
	}
	return "safe"
}

// GroupStatus returns the cached status tier for a group, defaulting to safe.
func (e *Engine) GroupStatus(groupID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.groupStatus[groupID]; ok {
		return s
	}
	return "safe"
}

// ZoneHistory returns up to the last `limit` snapshots for a zone,
// oldest first.
func (e *Engine) ZoneHistory(zoneID string, limit int) []ZoneResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.zoneHistory[zoneID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]ZoneResult, limit)
	copy(out, hist[len(hist)-limit:])
	return out
}

// CommunitySummary rolls every given zone into one overall status.
func (e *Engine) CommunitySummary(zoneIDs []string) CommunitySummary {
	results := e.ComputeAllZones(zoneIDs)

	var totalDevices, totalAnomalous, communityAnomalies int
	for _, r := range results {
		totalDevices += r.ActiveDevices
		totalAnomalous += r.AnomalousDevices
		if r.IsCommunityAnomaly {
			communityAnomalies++
		}
	}

	var overall string
	switch {
	case communityAnomalies > 0:
		overall = "critical"
	case totalAnomalous >= 3:
		overall = "warning"
	case totalAnomalous >= 1:
		overall = "elevated"
	default:
		overall = "safe"
	}

	return CommunitySummary{
		OverallStatus:      overall,
		TotalDevices:       totalDevices,
		TotalAnomalous:     totalAnomalous,
		CommunityAnomalies: communityAnomalies,
		Zones:              results,
		Timestamp:          time.Now().UTC(),
	}
}

func summarize(deviceScores map[string]float64, threshold float64) (avg, max float64, anomalous int) {
	if len(deviceScores) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, s := range deviceScores {
		sum += s
		if s > max {
			max = s
		}
		if s > threshold {
			anomalous++
		}
	}
	avg = sum / float64(len(deviceScores))
	return avg, max, anomalous
}
