// Package config loads cmd/backupd's boot configuration from the
// environment, using envdecode/godotenv the way the rest of this codebase
// loads configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	DSN            string `env:"DATABASE_URL,required"`
	MigrateOnStart bool   `env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// RepositoryConfig controls the repository-service client.
type RepositoryConfig struct {
	BaseURL       string        `env:"REPO_SERVICE_BASE_URL,required"`
	Token         string        `env:"REPO_SERVICE_TOKEN,required"`
	Org           string        `env:"REPO_SERVICE_ORG,default=network-backups"`
	Timeout       time.Duration `env:"REPO_SERVICE_TIMEOUT,default=30s"`
	CommitRetries int           `env:"REPO_SERVICE_COMMIT_RETRIES,default=3"`
}

// SecurityConfig controls credential-envelope unsealing.
type SecurityConfig struct {
	MasterKey          string `env:"CREDENTIAL_MASTER_KEY,required"`
	FallbackUsername   string `env:"FALLBACK_USERNAME"`
	FallbackSealedPass string `env:"FALLBACK_SEALED_PASSWORD"`
}

// WorkerConfig bounds the CLI and HTTP worker pools and their per-device
// timeouts (spec §4.4/§4.5).
type WorkerConfig struct {
	CLIWorkers    int           `env:"CLI_POOL_WORKERS,default=50"`
	CLITimeout    time.Duration `env:"CLI_DEVICE_TIMEOUT,default=120s"`
	HTTPWorkers   int           `env:"HTTP_POOL_WORKERS,default=30"`
	HTTPTimeout   time.Duration `env:"HTTP_DEVICE_TIMEOUT,default=60s"`
	TLSSkipVerify bool          `env:"HTTP_TLS_SKIP_VERIFY,default=false"`
}

// ServerConfig controls the REST façade.
type ServerConfig struct {
	Host               string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port               int           `env:"SERVER_PORT,default=8080"`
	MaxConcurrentJob   bool          `env:"ENFORCE_SINGLE_FLIGHT_JOB,default=true"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS,default=*"`
}

// RedisConfig optionally backs the single-flight job guard (spec §5).
// Address empty disables Redis and the guard falls back to an in-process lock.
type RedisConfig struct {
	Address string `env:"REDIS_ADDRESS"`
}

// LoggingConfig controls structured logging verbosity.
type LoggingConfig struct {
	Level string `env:"LOG_LEVEL,default=info"`
}

// Config is the top-level boot configuration for cmd/backupd.
type Config struct {
	Database   DatabaseConfig
	Repository RepositoryConfig
	Security   SecurityConfig
	Workers    WorkerConfig
	Server     ServerConfig
	Redis      RedisConfig
	Logging    LoggingConfig
}

// Load reads .env (if present) then decodes the environment into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	return &cfg, nil
}
