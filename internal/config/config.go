// Package config loads engine configuration from the environment. A
// .env file in the working directory is honored when present so local
// development does not need exported variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable the engine reads at startup. Secrets
// (Twilio, OpenAI) stay empty here when their integrations are
// disabled.
type Config struct {
	// StateDir is where the SQLite database lives when Postgres is not
	// configured.
	StateDir string `env:"SOUSCHEF_STATE_DIR" envDefault:"/var/lib/souschef"`
	// DatabaseDSN selects Postgres when set (postgres:// or postgresql://
	// prefix); otherwise a SQLite path under StateDir is used.
	DatabaseDSN string `env:"DATABASE_URL"`

	DebugLogging bool `env:"SOUSCHEF_DEBUG" envDefault:"false"`

	// HTTPAddr is the webhook listen address.
	HTTPAddr string `env:"SOUSCHEF_HTTP_ADDR" envDefault:":8080"`

	// Idempotency window for inbound message keys.
	DedupTTL time.Duration `env:"SOUSCHEF_DEDUP_TTL" envDefault:"24h"`

	// Daily outbound ceilings per subject.
	IndividualCeiling     int  `env:"SOUSCHEF_CEILING_INDIVIDUAL" envDefault:"10"`
	BroadcastCeiling      int  `env:"SOUSCHEF_CEILING_BROADCAST" envDefault:"5"`
	BroadcastPerHousehold bool `env:"SOUSCHEF_BROADCAST_PER_HOUSEHOLD" envDefault:"true"`

	// Abandonment sweep cadence for expired conversations.
	SweepInterval time.Duration `env:"SOUSCHEF_SWEEP_INTERVAL" envDefault:"1m"`

	// NATSURL enables the external event bridge when set.
	NATSURL string `env:"SOUSCHEF_NATS_URL"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"SOUSCHEF_OPENAI_MODEL"`
}

// Load reads the optional .env file, then parses the environment into
// a Config.
func Load() (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// UsesPostgres reports whether DatabaseDSN selects the Postgres
// backend.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseDSN, "postgres://") ||
		strings.HasPrefix(c.DatabaseDSN, "postgresql://")
}
