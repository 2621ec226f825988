// Package config loads VitalGuard's runtime configuration.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  string        `env:"CORS_ORIGINS"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	LogLevel           string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled     bool    `env:"METRICS_ENABLED" envDefault:"true"`

	// Connection plane (C4)
	WSAuthTimeout time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"30s"`

	// Ingestion buffer / inference proxy (C1/C2)
	WindowSize      int           `env:"WINDOW_SIZE" envDefault:"60"`
	InferenceURL    string        `env:"INFERENCE_URL"`
	InferenceWorkers int          `env:"INFERENCE_WORKERS" envDefault:"2"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"5s"`

	// Aggregation / alerting thresholds (C5/C6)
	AnomalyThreshold          float64       `env:"ANOMALY_THRESHOLD" envDefault:"0.5"`
	CommunityAnomalyThreshold float64       `env:"COMMUNITY_ANOMALY_THRESHOLD" envDefault:"0.6"`
	CommunityMinAffected      int           `env:"COMMUNITY_MIN_AFFECTED" envDefault:"3"`
	ZoneAggregationWindow     time.Duration `env:"ZONE_AGGREGATION_WINDOW" envDefault:"10s"`

	// External conversational agent and voice synthesis (C9)
	AgentWSURL      string `env:"AGENT_WS_URL"`
	AgentAPIKey     string `env:"AGENT_API_KEY"`
	AgentVoiceID    string `env:"AGENT_VOICE_ID"`
	AgentModelID    string `env:"AGENT_MODEL_ID"`
	DistressAgentModelID string `env:"DISTRESS_AGENT_MODEL_ID"`
	TTSUrl          string `env:"TTS_URL"`
	TTSModelID      string `env:"TTS_MODEL_ID"`

	// Generative-model fusion collaborator (C7)
	GenerativeModelURL  string `env:"GENERATIVE_MODEL_URL"`
	GenerativeModelKey  string `env:"GENERATIVE_MODEL_KEY"`
	GenerativeModelName string `env:"GENERATIVE_MODEL_NAME" envDefault:"gemini-1.5-flash"`

	// Session-log summarizer (internal/sessionlog, supplemented feature)
	LLMUrl     string        `env:"LLM_URL"`
	LLMModel   string        `env:"LLM_MODEL"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT" envDefault:"10s"`

	// MQTT batch-ingestion bridge (internal/mqttbridge, supplemented feature)
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"vitalguard"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"vitalguard/+/batch"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// Zone/group membership override file (internal/zonefile, supplemented feature)
	ZoneFilePath string `env:"ZONE_FILE_PATH"`

	// Episode audio/fusion archival (internal/archive, supplemented feature)
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Prefix    string `env:"S3_PREFIX" envDefault:"episodes"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
}

// Validate checks invariants that cannot be expressed as struct tags alone.
func (c *Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("WINDOW_SIZE must be positive, got %d", c.WindowSize)
	}
	if c.InferenceWorkers <= 0 {
		return fmt.Errorf("INFERENCE_WORKERS must be positive, got %d", c.InferenceWorkers)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DatabaseURL  string
	InferenceURL string
	AgentWSURL   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.InferenceURL != "" {
		cfg.InferenceURL = overrides.InferenceURL
	}
	if overrides.AgentWSURL != "" {
		cfg.AgentWSURL = overrides.AgentWSURL
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate AUTH_TOKEN if not configured, so the API is never
		// left open by omission. Changes on restart unless set explicitly.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
