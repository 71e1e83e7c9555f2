package memstore

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the memstore backend's own tunables — not connection
// setup, since this backend has no connection (spec §6 Non-goal).
type Config struct {
	// SweepInterval enables the background cold-key reclaimer when
	// positive; zero (the default) leaves lazy per-access expiry as the
	// only reclamation path.
	SweepInterval time.Duration `env:"RATEKEEP_MEMSTORE_SWEEP_INTERVAL" env-default:"0s"`
}

// LoadConfig reads Config from the environment, falling back to the
// struct tag defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithConfig applies a loaded Config to a Storage at construction time.
func WithConfig(cfg Config) Option {
	return func(s *Storage) { s.sweepInterval = cfg.SweepInterval }
}
