package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores environment-driven settings for the server.
type Config struct {
	// ConfigPath is the path to the YAML configuration file.
	ConfigPath string `env:"CONFIG" envDefault:"config.yaml"`
	// LogLevel sets the logger level.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// Lang selects message language for templates; overrides server.lang.
	Lang string `env:"LANG"`
	// ShutdownTimeout controls graceful shutdown duration.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// DBDriver is "pgx" or "sqlite3".
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	// DBDSN is the database connection string.
	DBDSN string `env:"DB_DSN" envDefault:"governance.db"`
	// DBMaxOpenConns bounds the Postgres pool.
	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	// DBConnMaxLifetime recycles pooled connections.
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	// PolicyMode overrides policy.mode from the YAML file.
	PolicyMode string `env:"POLICY_MODE"`
	// ApprovalTTL overrides engine.approval_ttl.
	ApprovalTTL time.Duration `env:"APPROVAL_TTL"`
	// SweepInterval overrides engine.sweep_interval.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
}

// Prefix is prepended to every variable name.
const Prefix = "GOVERNANCE_"

// Load parses environment variables into Config.
func Load() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
}
