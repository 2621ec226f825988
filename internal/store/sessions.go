package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AllocateSessionID mints and persists a new session id, recording only
// the allocation (device, reason, start time) — never the live
// conversation or episode state that belongs to internal/session and
// internal/episode in process memory.
func (db *DB) AllocateSessionID(ctx context.Context, deviceID, reason, triggerType, mode string) (string, error) {
	id := uuid.NewString()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sessions (session_id, device_id, reason, trigger_type, mode, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, deviceID, reason, triggerType, mode, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// CloseSession records a session's end time, reason, and ending mode.
func (db *DB) CloseSession(ctx context.Context, sessionID, reason, endingMode string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, end_reason = $3, ending_mode = $4
		WHERE session_id = $1
	`, sessionID, time.Now().UTC(), reason, endingMode)
	return err
}

// ActiveSessionForDevice returns the most recent unclosed session id for
// a device, if any — used to recover a session id after a process
// restart loses in-memory state.
func (db *DB) ActiveSessionForDevice(ctx context.Context, deviceID string) (string, bool) {
	var id string
	err := db.Pool.QueryRow(ctx, `
		SELECT session_id FROM sessions
		WHERE device_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, deviceID).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

// LogEvent records one conversational-session event (speech start/end,
// mode transition, tool call) for later audit and session-log
// summarization, keyed against the durable session id rather than kept
// only in the in-process Session.
func (db *DB) LogEvent(ctx context.Context, deviceID, sessionID, eventType string, data map[string]any) {
	_, _ = db.Pool.Exec(ctx, `
		INSERT INTO session_events (device_id, session_id, event_type, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, deviceID, sessionID, eventType, data, time.Now().UTC())
}
