package app

import (
	"context"
	"time"

	"github.com/snarg/vitalguard/internal/buffer"
	"github.com/snarg/vitalguard/internal/connhub"
	"github.com/snarg/vitalguard/internal/metrics"
	"github.com/snarg/vitalguard/internal/mqttbridge"
	"github.com/snarg/vitalguard/internal/vitals"
)

// ingestReading is the shared pipeline entry point for both the
// connection plane (one reading per health_data message) and the MQTT
// batch bridge (one reading per buffered sample). Inference runs off
// the caller's goroutine so neither the websocket read pump nor the
// MQTT callback ever blocks on the collaborator.
func (a *App) ingestReading(ctx context.Context, r vitals.Reading, conn *connhub.Connection) {
	metrics.ReadingsIngestedTotal.Inc()
	a.buf.Push(r)

	window, ok := a.buf.Window(r.DeviceID)
	if !ok {
		window, ok = a.buf.PartialWindow(r.DeviceID)
	}
	if !ok {
		return
	}

	go a.runInference(r, window, conn)
}

func (a *App) runInference(r vitals.Reading, window buffer.Window, conn *connhub.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.InferenceTimeout+time.Second)
	defer cancel()

	score := a.inferProxy.Infer(ctx, window)
	a.registry.Set(r.DeviceID, score, time.Now())

	if score.Failed() {
		metrics.InferencesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.InferencesTotal.WithLabelValues("ok").Inc()

	if conn != nil {
		conn.Send(map[string]any{
			"type":       "anomaly_result",
			"device_id":  r.DeviceID,
			"score":      score.OverallScore,
			"status":     anomalyStatus(score.OverallScore, a.cfg.AnomalyThreshold),
			"is_anomaly": score.IsAnomaly,
		})
	}
	a.hub.BroadcastToDashboards(map[string]any{
		"type":      "health_update",
		"device_id": r.DeviceID,
		"reading":   r,
		"anomaly":   score,
	})

	a.recomputeAggregation(r.DeviceID)
	if score.IsAnomaly {
		a.triggerEpisode(r.DeviceID, r.UserID, map[string]any{
			"heart_rate":    r.HeartRate,
			"hrv":           r.HRV,
			"overall_score": score.OverallScore,
		})
	}
}

func anomalyStatus(score, threshold float64) string {
	if score > threshold {
		return "anomaly"
	}
	return "normal"
}

// handleMQTTBatch implements mqttbridge.BatchHandler, feeding buffered
// samples from intermittently-connected devices into the same pipeline
// live-socket readings use.
func (a *App) handleMQTTBatch(batch mqttbridge.Batch) {
	for _, r := range batch.Readings {
		deviceID := r.DeviceID
		if deviceID == "" {
			deviceID = batch.DeviceID
		}
		ts := time.Now()
		if r.Timestamp > 0 {
			ts = time.Unix(r.Timestamp, 0)
		}
		reading := vitals.Reading{
			DeviceID:  deviceID,
			HeartRate: r.HeartRate,
			HRV:       r.HRV,
			Timestamp: ts,
		}
		a.ingestReading(context.Background(), reading, nil)
	}
}
