package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/vitalguard/internal/store"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// MQTTClient is the subset of internal/mqttbridge.Client the health
// check needs.
type MQTTClient interface {
	IsConnected() bool
}

// ZoneFileCache is the subset of internal/zonefile.Cache the health
// check needs.
type ZoneFileCache interface {
	Status() string
}

type HealthHandler struct {
	db        *store.DB
	mqtt      MQTTClient
	zonefile  ZoneFileCache
	live      LiveDataSource
	version   string
	startTime time.Time
}

func NewHealthHandler(db *store.DB, mqtt MQTTClient, zonefile ZoneFileCache, live LiveDataSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, mqtt: mqtt, zonefile: zonefile, live: live, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["store"] = "error"
			status = "degraded"
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not_configured"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt_bridge"] = "ok"
		} else {
			checks["mqtt_bridge"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt_bridge"] = "not_configured"
	}

	if h.zonefile != nil {
		checks["zonefile"] = h.zonefile.Status()
	}

	if h.live != nil {
		checks["connection_plane"] = "ok"
	}

	if status == "degraded" {
		httpStatus = http.StatusOK // degraded is still serving traffic
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
