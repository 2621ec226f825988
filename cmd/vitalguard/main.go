package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/vitalguard/internal/api"
	"github.com/snarg/vitalguard/internal/app"
	"github.com/snarg/vitalguard/internal/archive"
	"github.com/snarg/vitalguard/internal/config"
	"github.com/snarg/vitalguard/internal/mqttbridge"
	"github.com/snarg/vitalguard/internal/sessionlog"
	"github.com/snarg/vitalguard/internal/store"
	"github.com/snarg/vitalguard/internal/zonefile"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.InferenceURL, "inference-url", "", "Anomaly inference collaborator URL (overrides INFERENCE_URL)")
	flag.StringVar(&overrides.AgentWSURL, "agent-ws-url", "", "Conversational agent websocket URL (overrides AGENT_WS_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("vitalguard starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbLog := log.With().Str("component", "store").Logger()
	db, err := store.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer db.Close()

	var zoneFile *zonefile.Cache
	if cfg.ZoneFilePath != "" {
		zfLog := log.With().Str("component", "zonefile").Logger()
		zoneFile = zonefile.New(cfg.ZoneFilePath, zfLog)
		if err := zoneFile.Start(); err != nil {
			log.Warn().Err(err).Msg("zone file watcher failed to start, overrides will not hot-reload")
		}
	}

	var mqttClient *mqttbridge.Client
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqttClient, err = mqttbridge.Connect(mqttbridge.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqttClient.Close()
		log.Info().Str("broker", cfg.MQTTBrokerURL).Msg("mqtt batch bridge connected")
	} else {
		log.Info().Msg("mqtt batch bridge not configured (live socket ingestion only)")
	}

	var archiveStore *archive.Store
	if cfg.S3Bucket != "" {
		archiveStore, err = archive.New(ctx, archive.Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log.With().Str("component", "archive").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize episode archive")
		}
	} else {
		log.Info().Msg("episode archive not configured (S3_BUCKET unset)")
	}

	// With LLM_URL unset every summary comes from the templated fallback.
	sessionLog := sessionlog.NewWorkerPool(sessionlog.Options{
		URL:     cfg.LLMUrl,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
		Log:     log.With().Str("component", "sessionlog").Logger(),
	})
	sessionLog.Start()

	a := app.New(app.Options{
		Config:     cfg,
		Log:        log,
		DB:         db,
		MQTT:       mqttClient,
		ZoneFile:   zoneFile,
		Archive:    archiveStore,
		SessionLog: sessionLog,
	})

	if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — API authentication is disabled, all endpoints are open")
	} else if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	} else {
		log.Info().Msg("AUTH_TOKEN loaded from configuration")
	}

	// MQTT/ZoneFile are plugged in as interfaces; only wire a non-nil
	// *T in, since a nil *T boxed into a non-nil interface would make
	// the health handler's nil checks useless.
	var mqttIface api.MQTTClient
	if mqttClient != nil {
		mqttIface = mqttClient
	}
	var zoneFileIface api.ZoneFileCache
	if zoneFile != nil {
		zoneFileIface = zoneFile
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		DB:         db,
		MQTT:       mqttIface,
		ZoneFile:   zoneFileIface,
		Live:       a.Hub(),
		Alerts:     a.Alerts(),
		Episodes:   a.Episodes(),
		Aggregator: a.Aggregator(),
		Version:    fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:  startTime,
		Log:        httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("vitalguard ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	a.Shutdown(shutdownCtx)

	log.Info().Msg("vitalguard stopped")
}
