package app

import (
	"context"
	"net/http"

	"github.com/snarg/vitalguard/internal/session"
	"github.com/snarg/vitalguard/internal/store"
	"github.com/snarg/vitalguard/internal/tts"
)

// sessionFor returns deviceID's conversational session, creating it
// lazily on first use — the session-per-device registry the connection
// plane's binary-frame and disconnect hooks need but connhub itself
// must not own (it knows nothing about conversational state).
func (a *App) sessionFor(deviceID string) *session.Session {
	if deviceID == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[deviceID]; ok {
		return s
	}
	if a.cfg.AgentWSURL == "" {
		return nil
	}

	userID := a.users[deviceID]
	if userID == "" && a.db != nil {
		if d, err := a.db.DeviceByID(context.Background(), deviceID); err == nil {
			userID = d.UserID
		}
	}

	var ttsPlayer session.TTSPlayer
	if a.cfg.TTSUrl != "" {
		ttsPlayer = tts.New(tts.Options{
			URL:     a.cfg.TTSUrl,
			APIKey:  a.cfg.AgentAPIKey,
			VoiceID: a.cfg.AgentVoiceID,
			ModelID: a.cfg.TTSModelID,
			Log:     a.log.With().Str("component", "tts").Str("device_id", deviceID).Logger(),
		})
	}

	s := session.New(session.Options{
		DeviceID:        deviceID,
		UserID:          userID,
		Watch:           a.hub,
		Store:           sessionStoreAdapter{db: a.db},
		Events:          eventLoggerAdapter{db: a.db},
		NewAgent:        a.newAgentConn,
		TTS:             ttsPlayer,
		NormalAgentID:   a.cfg.AgentModelID,
		DistressAgentID: a.cfg.DistressAgentModelID,
	})
	a.sessions[deviceID] = s
	return s
}

// newAgentConn implements session.AgentFactory, dialing the external
// conversational agent over a fresh websocket per conversation turn.
func (a *App) newAgentConn(agentID string, onEvent func(session.AgentEvent)) (session.AgentConn, error) {
	header := http.Header{}
	if a.cfg.AgentAPIKey != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AgentAPIKey)
	}
	conn := session.NewWSAgentConn(session.WSAgentOptions{
		URL:     a.cfg.AgentWSURL,
		Header:  header,
		OnEvent: onEvent,
		Log:     a.log.With().Str("component", "agent").Str("agent_id", agentID).Logger(),
	})
	conn.Connect()
	return conn, nil
}

// sessionStoreAdapter bridges internal/store's plain-string session
// persistence to session.SessionStore's Mode-typed methods.
type sessionStoreAdapter struct {
	db *store.DB
}

func (a sessionStoreAdapter) StartSession(ctx context.Context, deviceID, reason, triggerType string, mode session.Mode) (string, error) {
	if a.db == nil {
		return "", nil
	}
	return a.db.AllocateSessionID(ctx, deviceID, reason, triggerType, string(mode))
}

func (a sessionStoreAdapter) EndSession(ctx context.Context, sessionID, reason string, endingMode session.Mode) error {
	if a.db == nil {
		return nil
	}
	return a.db.CloseSession(ctx, sessionID, reason, string(endingMode))
}

func (a sessionStoreAdapter) ActiveSessionID(ctx context.Context, deviceID string) (string, bool) {
	if a.db == nil {
		return "", false
	}
	return a.db.ActiveSessionForDevice(ctx, deviceID)
}

// eventLoggerAdapter bridges internal/store's context-taking LogEvent to
// session.EventLogger's synchronous, context-free signature — session
// events are best-effort and must never block the conversation loop on
// the store.
type eventLoggerAdapter struct {
	db *store.DB
}

func (a eventLoggerAdapter) LogEvent(deviceID, sessionID, eventType string, data map[string]any) {
	if a.db == nil {
		return
	}
	go a.db.LogEvent(context.Background(), deviceID, sessionID, eventType, data)
}
