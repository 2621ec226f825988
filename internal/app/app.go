// Package app is the explicit process root: it owns every domain
// component and wires them to each other and to the connection plane,
// rather than leaning on package-level globals, so tests can stand up
// an isolated world.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/vitalguard/internal/aggregation"
	"github.com/snarg/vitalguard/internal/alerts"
	"github.com/snarg/vitalguard/internal/archive"
	"github.com/snarg/vitalguard/internal/buffer"
	"github.com/snarg/vitalguard/internal/config"
	"github.com/snarg/vitalguard/internal/connhub"
	"github.com/snarg/vitalguard/internal/episode"
	"github.com/snarg/vitalguard/internal/escalation"
	"github.com/snarg/vitalguard/internal/inference"
	"github.com/snarg/vitalguard/internal/mqttbridge"
	"github.com/snarg/vitalguard/internal/scores"
	"github.com/snarg/vitalguard/internal/session"
	"github.com/snarg/vitalguard/internal/sessionlog"
	"github.com/snarg/vitalguard/internal/store"
	"github.com/snarg/vitalguard/internal/zonefile"
)

// Options bundles every optionally-nil external collaborator the App
// wires in. DB, MQTT, ZoneFile, Archive, and SessionLog are nil-able —
// the app degrades rather than refusing to start when an ambient
// dependency is unset.
type Options struct {
	Config     *config.Config
	Log        zerolog.Logger
	DB         *store.DB
	MQTT       *mqttbridge.Client
	ZoneFile   *zonefile.Cache
	Archive    *archive.Store
	SessionLog *sessionlog.WorkerPool
}

// App owns every live domain component for one running process.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	db         *store.DB
	mqtt       *mqttbridge.Client
	zonefile   *zonefile.Cache
	archive    *archive.Store
	sessionLog *sessionlog.WorkerPool

	hub         *connhub.Hub
	buf         *buffer.Buffer
	inferProxy  *inference.Proxy
	registry    *scores.Registry
	aggregator  *aggregation.Engine
	alertsSvc   *alerts.Service
	episodes    *episode.Service
	escalations *escalation.Service

	mu       sync.Mutex
	sessions map[string]*session.Session
	zones    map[string]string // device_id -> zone_id, last known
	groups   map[string][]string
	users    map[string]string // device_id -> user_id, last known
}

// New wires every component together. The Hub is created with this App
// as its Handler; connhub never imports episode/alerts/aggregation,
// only the narrow interfaces those packages declare for it.
func New(opts Options) *App {
	a := &App{
		cfg:        opts.Config,
		log:        opts.Log,
		db:         opts.DB,
		mqtt:       opts.MQTT,
		zonefile:   opts.ZoneFile,
		archive:    opts.Archive,
		sessionLog: opts.SessionLog,
		sessions:   make(map[string]*session.Session),
		zones:      make(map[string]string),
		groups:     make(map[string][]string),
		users:      make(map[string]string),
	}

	a.hub = connhub.New(connhub.Options{
		AuthTimeout: opts.Config.WSAuthTimeout,
		Handler:     a,
		Log:         opts.Log.With().Str("component", "connhub").Logger(),
	})

	a.buf = buffer.New(opts.Config.WindowSize)
	a.inferProxy = inference.New(inference.Options{
		URL:     opts.Config.InferenceURL,
		Workers: opts.Config.InferenceWorkers,
		Timeout: opts.Config.InferenceTimeout,
		Log:     opts.Log.With().Str("component", "inference").Logger(),
	})
	a.registry = scores.New()

	a.aggregator = aggregation.New(a.hub, a.registry, aggregation.Thresholds{
		Individual:  opts.Config.AnomalyThreshold,
		Community:   opts.Config.CommunityAnomalyThreshold,
		MinAffected: opts.Config.CommunityMinAffected,
	})
	a.alertsSvc = alerts.New(a.hub)
	a.episodes = episode.New(episode.NewHTTPFuser(episode.FuserOptions{
		URL:    opts.Config.GenerativeModelURL,
		APIKey: opts.Config.GenerativeModelKey,
		Model:  opts.Config.GenerativeModelName,
		Log:    opts.Log.With().Str("component", "fuser").Logger(),
	}), a.hub)
	a.escalations = escalation.New(a.episodes, a.hub)

	if a.mqtt != nil {
		a.mqtt.SetBatchHandler(a.handleMQTTBatch)
	}

	return a
}

// Hub exposes the connection plane for the HTTP server's /ws route and
// health/metrics checks (internal/api.ConnectionPlane).
func (a *App) Hub() *connhub.Hub { return a.hub }

// Episodes, Alerts, Aggregator expose the read-only services the REST
// facade queries directly.
func (a *App) Episodes() *episode.Service    { return a.episodes }
func (a *App) Alerts() *alerts.Service       { return a.alertsSvc }
func (a *App) Aggregator() *aggregation.Engine { return a.aggregator }

// Shutdown stops every background worker. HTTP shutdown is handled
// separately by api.Server.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	sessions := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		s.EndSession(ctx, "server_shutdown")
	}

	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.zonefile != nil {
		a.zonefile.Stop()
	}
	if a.sessionLog != nil {
		a.sessionLog.Stop()
	}
}
