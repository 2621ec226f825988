package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.WindowSize != 60 {
			t.Errorf("WindowSize = %d, want 60", cfg.WindowSize)
		}
		if cfg.AnomalyThreshold != 0.5 {
			t.Errorf("AnomalyThreshold = %v, want 0.5", cfg.AnomalyThreshold)
		}
		if cfg.CommunityAnomalyThreshold != 0.6 {
			t.Errorf("CommunityAnomalyThreshold = %v, want 0.6", cfg.CommunityAnomalyThreshold)
		}
		if cfg.CommunityMinAffected != 3 {
			t.Errorf("CommunityMinAffected = %d, want 3", cfg.CommunityMinAffected)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
	})

	t.Run("auth_token_autogenerated", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AuthToken == "" {
			t.Error("expected AuthToken to be auto-generated")
		}
		if !cfg.AuthTokenGenerated {
			t.Error("expected AuthTokenGenerated = true")
		}
	})
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{"DATABASE_URL": ""})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when DATABASE_URL is missing")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{WindowSize: 60, InferenceWorkers: 2}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	cfg.WindowSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for WindowSize = 0")
	}
}

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
