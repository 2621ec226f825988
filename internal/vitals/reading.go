// Package vitals defines the wire-level biometric reading shape shared by
// the connection plane, ingestion buffer, and inference proxy.
package vitals

import (
	"encoding/json"
	"time"
)

// Reading is one biometric sample from a wearer's device.
type Reading struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id,omitempty"`
	HeartRate    float64   `json:"heart_rate"`
	HRV          float64   `json:"hrv"`
	Acceleration float64   `json:"acceleration"`
	SkinTemp     float64   `json:"skin_temp"`
	Timestamp    time.Time `json:"timestamp"`
}

// wireReading accepts both the canonical snake_case wire form and the
// camelCase aliases some dashboard clients send. snake_case is
// canonical; camelCase fields are read only as a fallback.
type wireReading struct {
	DeviceID  string  `json:"device_id"`
	UserID    string  `json:"user_id"`
	HeartRate float64 `json:"heart_rate"`
	HRV       float64 `json:"hrv"`
	Accel     float64 `json:"acceleration"`
	SkinTemp  float64 `json:"skin_temp"`
	Timestamp string  `json:"timestamp"`

	HeartRateCamel float64 `json:"heartRate"`
	SkinTempCamel  float64 `json:"skinTemp"`
	DeviceIDCamel  string  `json:"deviceId"`
	UserIDCamel    string  `json:"userId"`
}

// ParseReading decodes a reading from either wire form, defaulting
// acceleration and skin temperature to physiologically neutral values
// (1.0 and 36.5) when absent.
func ParseReading(raw json.RawMessage) (Reading, error) {
	var w wireReading
	if err := json.Unmarshal(raw, &w); err != nil {
		return Reading{}, err
	}

	r := Reading{
		DeviceID:     firstNonEmpty(w.DeviceID, w.DeviceIDCamel),
		UserID:       firstNonEmpty(w.UserID, w.UserIDCamel),
		HeartRate:    firstNonZero(w.HeartRate, w.HeartRateCamel),
		HRV:          w.HRV,
		Acceleration: firstNonZero(w.Accel, 1.0),
		SkinTemp:     firstNonZero(firstNonZero(w.SkinTemp, w.SkinTempCamel), 36.5),
	}
	if w.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			r.Timestamp = t
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, fallback float64) float64 {
	if a != 0 {
		return a
	}
	return fallback
}

// Vector returns the reading as the feature vector the inference
// collaborator expects: [heart_rate, hrv, acceleration, skin_temp].
func (r Reading) Vector() [4]float64 {
	return [4]float64{r.HeartRate, r.HRV, r.Acceleration, r.SkinTemp}
}
