package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/vitalguard/internal/aggregation"
	"github.com/snarg/vitalguard/internal/alerts"
	"github.com/snarg/vitalguard/internal/episode"
)

// AlertsHandler exposes the alert feed over REST: list and active-set
// reads, plus a resolve action for dashboard clients. The connection
// plane has no alert-resolve message; this route is the only way to
// resolve an alert.
type AlertsHandler struct {
	alerts *alerts.Service
}

func NewAlertsHandler(svc *alerts.Service) *AlertsHandler {
	return &AlertsHandler{alerts: svc}
}

func (h *AlertsHandler) Routes(r chi.Router) {
	r.Get("/alerts", h.list)
	r.Get("/alerts/active", h.active)
	r.Post("/alerts/{alertID}/resolve", h.resolve)
}

func (h *AlertsHandler) list(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	activeOnly, _ := QueryBool(r, "active_only")
	WriteJSON(w, http.StatusOK, h.alerts.List(p.Limit, activeOnly))
}

func (h *AlertsHandler) active(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.alerts.Active())
}

func (h *AlertsHandler) resolve(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	var body struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	_ = DecodeJSON(r, &body)

	if !h.alerts.Resolve(alertID, body.AcknowledgedBy) {
		WriteError(w, http.StatusNotFound, "unknown or already-resolved alert")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

// EpisodesHandler exposes episode lifecycle state as read-only REST.
type EpisodesHandler struct {
	episodes *episode.Service
}

func NewEpisodesHandler(svc *episode.Service) *EpisodesHandler {
	return &EpisodesHandler{episodes: svc}
}

func (h *EpisodesHandler) Routes(r chi.Router) {
	r.Get("/episodes", h.history)
	r.Get("/episodes/active", h.active)
	r.Get("/episodes/{episodeID}", h.get)
}

func (h *EpisodesHandler) history(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.episodes.History(p.Limit))
}

func (h *EpisodesHandler) active(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.episodes.ActiveEpisodes())
}

func (h *EpisodesHandler) get(w http.ResponseWriter, r *http.Request) {
	episodeID := chi.URLParam(r, "episodeID")
	view, ok := h.episodes.View(episodeID)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown episode")
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// ZonesHandler exposes the C5 aggregation engine's rollups.
type ZonesHandler struct {
	engine *aggregation.Engine
}

func NewZonesHandler(engine *aggregation.Engine) *ZonesHandler {
	return &ZonesHandler{engine: engine}
}

func (h *ZonesHandler) Routes(r chi.Router) {
	r.Get("/zones/{zoneID}/summary", h.summary)
	r.Get("/zones/{zoneID}/history", h.history)
}

func (h *ZonesHandler) summary(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "zoneID")
	result := h.engine.ComputeZoneScore(zoneID)
	WriteJSON(w, http.StatusOK, result)
}

func (h *ZonesHandler) history(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "zoneID")
	limit := 50
	if v, ok := QueryInt(r, "limit"); ok {
		limit = v
	}
	WriteJSON(w, http.StatusOK, h.engine.ZoneHistory(zoneID, limit))
}
