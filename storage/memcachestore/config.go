package memcachestore

import "github.com/ilyakaznacheev/cleanenv"

// Config holds the Memcached backend's own tunables — not connection
// setup, since this backend always takes an already-connected client
// (spec §6 Non-goal).
type Config struct {
	// MaxCASRetries bounds the Get-then-CompareAndSwap loop every
	// elastic-expiry write and every moving-window/sliding-window
	// operation goes through.
	MaxCASRetries int `env:"RATEKEEP_MEMCACHED_MAX_CAS_RETRIES" env-default:"10"`
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
