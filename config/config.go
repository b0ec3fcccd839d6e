package config

import (
	"fmt"
	"os"
	"time"
)

// Config carries the process configuration, sourced from environment variables.
type Config struct {
	Env         string
	ListenAddr  string
	DatabaseURL string

	RedisAddr    string
	GateSecret   string
	GateTokenTTL time.Duration

	SweepInterval  time.Duration
	WarningWindow  time.Duration
	OutboxInterval time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// ArtifactDir is the local fallback store used when no MinIO endpoint is
	// configured.
	ArtifactDir string
}

func Load() (Config, error) {
	cfg := Config{
		Env:            getenv("APP_ENV", "development"),
		ListenAddr:     getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		GateSecret:     os.Getenv("GATE_SECRET"),
		GateTokenTTL:   getenvDuration("GATE_TOKEN_TTL", 10*time.Minute),
		SweepInterval:  getenvDuration("SWEEP_INTERVAL", time.Hour),
		WarningWindow:  getenvDuration("EXPIRY_WARNING_WINDOW", 24*time.Hour),
		OutboxInterval: getenvDuration("OUTBOX_INTERVAL", 2*time.Second),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getenv("MINIO_BUCKET", "signflow-artifacts"),
		MinioUseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		ArtifactDir:    getenv("ARTIFACT_DIR", "./artifacts"),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL not set")
	}
	if cfg.GateSecret == "" {
		return cfg, fmt.Errorf("config: GATE_SECRET not set")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
