package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snarg/vitalguard/internal/aggregation"
	"github.com/snarg/vitalguard/internal/connhub"
	"github.com/snarg/vitalguard/internal/episode"
	"github.com/snarg/vitalguard/internal/session"
	"github.com/snarg/vitalguard/internal/sessionlog"
)

// recomputeAggregation refreshes the zone and every group deviceID's
// owner belongs to, then hands each fresh snapshot to internal/alerts
// so threshold breaches turn into alerts in the same pass.
func (a *App) recomputeAggregation(deviceID string) {
	a.mu.Lock()
	zoneID := a.zones[deviceID]
	groupIDs := append([]string(nil), a.groups[deviceID]...)
	a.mu.Unlock()

	if zoneID != "" {
		zoneResult := a.aggregator.ComputeZoneScore(zoneID)
		a.hub.BroadcastToZone(zoneID, map[string]any{"type": "zone_health_update", "zone": zoneResult})
		a.alertsSvc.CheckZone(zoneResult, a.cfg.AnomalyThreshold)
	}

	for _, groupID := range groupIDs {
		memberUserIDs, groupType := a.groupMembership(groupID)
		groupResult := a.aggregator.ComputeGroupScore(groupID, memberUserIDs, groupType)
		a.hub.BroadcastToGroup(groupID, map[string]any{"type": "group-health-update", "group": groupResult})
		a.alertsSvc.CheckGroup(groupResult)
	}
}

// groupMembership resolves a group's member user ids and type, trying
// the external store first and falling back to the file override cache.
func (a *App) groupMembership(groupID string) ([]string, aggregation.GroupType) {
	if a.db != nil {
		if members, err := a.db.GroupMembers(context.Background(), groupID); err == nil {
			groupType := aggregation.GroupCommunity
			if t, err := a.db.GroupType(context.Background(), groupID); err == nil && t == "family" {
				groupType = aggregation.GroupFamily
			}
			return members, groupType
		}
	}
	if a.zonefile != nil {
		if members, ok := a.zonefile.UsersInGroup(groupID); ok {
			return members, aggregation.GroupCommunity
		}
	}
	return nil, aggregation.GroupCommunity
}

// triggerEpisode starts (or reuses, per the Start invariant) an episode
// for deviceID following an anomalous inference result.
func (a *App) triggerEpisode(deviceID, userID string, triggerData map[string]any) {
	a.mu.Lock()
	groupID := ""
	if groups := a.groups[deviceID]; len(groups) > 0 {
		groupID = groups[0]
	}
	a.mu.Unlock()

	ep := a.episodes.Start(deviceID, userID, triggerData, groupID)
	a.hub.SendToDevice(deviceID, map[string]any{"type": "episode-started", "episode_id": ep.ID})

	s := a.sessionFor(deviceID)
	if s != nil {
		s.SetMode(session.ModeDistress, "episode_triggered")
		a.primeSessionLogSummary(s, deviceID)
	}

	// The calming conversation begins as soon as the episode opens; a
	// repeat anomaly tick on an already-calming episode changes nothing.
	if view, ok := a.episodes.View(ep.ID); ok && view.Phase == episode.PhaseAnomalyDetected {
		a.episodes.UpdatePhase(ep.ID, episode.PhaseCalming, map[string]any{"reason": "calming_started"})
	}
}

// primeSessionLogSummary precomputes a prose summary of deviceID's
// recent episode history and hands it to the session as a dynamic
// variable, so the conversational agent's opening turn can reference it
// without waiting on the summarizer mid-conversation.
func (a *App) primeSessionLogSummary(s *session.Session, deviceID string) {
	if a.sessionLog == nil {
		return
	}
	go func() {
		var history []sessionlog.HistoryEntry
		for _, ep := range a.episodes.History(20) {
			if ep.DeviceID != deviceID {
				continue
			}
			history = append(history, sessionlog.HistoryEntry{
				Phase:      ep.Phase,
				Resolution: ep.Resolution,
				Timestamp:  ep.CreatedAt,
			})
		}
		s.SetDynamicVar("session_logs", a.sessionLog.Summarize(deviceID, history))
	}()
}

type episodeRefMsg struct {
	EpisodeID string         `json:"episode_id"`
	Data      map[string]any `json:"data"`
}

func (a *App) handleEpisodeStart(conn *connhub.Connection, raw json.RawMessage) {
	var m struct {
		TriggerData map[string]any `json:"trigger_data"`
		GroupID     string         `json:"group_id"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	ep := a.episodes.Start(conn.DeviceID(), conn.UserID(), m.TriggerData, m.GroupID)
	conn.Send(map[string]any{"type": "episode-started", "episode_id": ep.ID})
}

func (a *App) handleCalmingDone(conn *connhub.Connection, raw json.RawMessage) {
	var m episodeRefMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.EpisodeID == "" {
		return
	}
	ep := a.episodes.SubmitCalmingResult(m.EpisodeID, m.Data)
	a.notifyEpisodeUpdate(conn, ep)
}

func (a *App) handlePresageResult(ctx context.Context, conn *connhub.Connection, raw json.RawMessage) {
	var m episodeRefMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.EpisodeID == "" {
		return
	}
	ep := a.episodes.SubmitPresageResult(ctx, m.EpisodeID, m.Data)
	a.notifyEpisodeUpdate(conn, ep)
	a.reconcileEscalation(ep)
	a.archiveFusion(ep)
}

// archiveFusion persists the fusion reasoning artifact for an episode
// once fusion has run, so a caregiver reviewing the episode later can
// see why it was escalated or dismissed. Best-effort: archival runs on
// its own context, independent of the inbound message's short-lived
// one, since it outlives the handler that triggers it.
func (a *App) archiveFusion(ep *episode.Episode) {
	if a.archive == nil || ep == nil || ep.FusionResult == nil {
		return
	}
	data, err := json.Marshal(ep.FusionResult)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.archive.SaveFusionArtifact(ctx, ep.ID, data)
	}()
}

func (a *App) handleEpisodeResolve(conn *connhub.Connection, raw json.RawMessage) {
	var m struct {
		EpisodeID  string `json:"episode_id"`
		Resolution string `json:"resolution"`
	}
	if err := json.Unmarshal(raw, &m); err != nil || m.EpisodeID == "" {
		return
	}
	a.escalations.Cancel(m.EpisodeID)
	ep := a.episodes.Resolve(m.EpisodeID, m.Resolution)
	a.notifyEpisodeUpdate(conn, ep)
}

func (a *App) notifyEpisodeUpdate(conn *connhub.Connection, ep *episode.Episode) {
	if ep == nil {
		return
	}
	msg := map[string]any{"type": "episode-phase-update", "episode_id": ep.ID, "phase": ep.Phase}
	if ep.Phase == episode.PhaseResolved {
		msg = map[string]any{
			"type":       "episode-resolved",
			"episode_id": ep.ID,
			"resolution": ep.Resolution,
		}
	}
	if conn != nil {
		conn.Send(msg)
	}
	a.hub.SendToDevice(ep.DeviceID, msg)
}

// reconcileEscalation starts the timer ladder exactly when fusion just
// decided to escalate, and cancels it when fusion resolved the episode —
// episode.Service has no dependency on internal/escalation (to avoid the
// import cycle escalation.Service's own Episodes interface exists to
// break), so the app bridges the two after every fusion result.
func (a *App) reconcileEscalation(ep *episode.Episode) {
	if ep == nil {
		return
	}
	switch ep.Phase {
	case episode.PhaseEscalating:
		a.escalations.Start(ep.ID, ep.EscalationLevel)
	case episode.PhaseResolved:
		a.escalations.Cancel(ep.ID)
	}
}
