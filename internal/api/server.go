package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/vitalguard/internal/aggregation"
	"github.com/snarg/vitalguard/internal/alerts"
	"github.com/snarg/vitalguard/internal/config"
	"github.com/snarg/vitalguard/internal/episode"
	"github.com/snarg/vitalguard/internal/metrics"
	"github.com/snarg/vitalguard/internal/store"
)

// LiveDataSource is the subset of the connection plane's state the
// health check and metrics collector need — satisfied by
// internal/connhub.Hub.
type LiveDataSource interface {
	ActiveConnections() int
	ActiveDevices() int
}

// ConnectionPlane additionally exposes the websocket upgrade route, so
// the server can wire /ws without importing internal/connhub directly.
type ConnectionPlane interface {
	LiveDataSource
	UpgradeHandler() http.HandlerFunc
}

type Server struct {
	http   *http.Server
	log    zerolog.Logger
	health *HealthHandler
}

// ServerOptions wires every domain service the REST facade and
// websocket upgrade route need.
type ServerOptions struct {
	Config   *config.Config
	DB       *store.DB
	MQTT     MQTTClient
	ZoneFile ZoneFileCache
	Live     ConnectionPlane

	Alerts     *alerts.Service
	Episodes   *episode.Service
	Aggregator *aggregation.Engine

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	// Unauthenticated endpoints
	var live LiveDataSource
	if opts.Live != nil {
		live = opts.Live
	}
	health := NewHealthHandler(opts.DB, opts.MQTT, opts.ZoneFile, live, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	if opts.Config.MetricsEnabled {
		var liveStats metrics.LiveStats
		if opts.Live != nil {
			liveStats = opts.Live
		}
		collector := metrics.NewCollector(opts.DB.Pool, liveStats)
		prometheus.MustRegister(collector)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	// Device and watch/dashboard websocket connections
	if opts.Live != nil {
		r.Get("/ws", opts.Live.UpgradeHandler())
	}

	// Authenticated, read-only REST facade for caregivers and dashboards
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20))
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Use(ResponseTimeout(opts.Config.ReadTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			if opts.Alerts != nil {
				NewAlertsHandler(opts.Alerts).Routes(r)
			}
			if opts.Episodes != nil {
				NewEpisodesHandler(opts.Episodes).Routes(r)
			}
			if opts.Aggregator != nil {
				NewZonesHandler(opts.Aggregator).Routes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
	}

	return &Server{
		http:   srv,
		log:    opts.Log,
		health: health,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
