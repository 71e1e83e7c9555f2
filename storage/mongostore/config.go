package mongostore

import "github.com/ilyakaznacheev/cleanenv"

// Config holds the MongoDB backend's own tunables — not connection
// setup, since this backend always takes an already-connected
// *mongo.Database (spec §6 Non-goal).
type Config struct {
	// MaxWriteConflictRetries bounds how many times upsertWithRetry
	// retries a duplicate-key race on a concurrent first-write to the
	// same key.
	MaxWriteConflictRetries int `env:"RATEKEEP_MONGO_MAX_WRITE_CONFLICT_RETRIES" env-default:"5"`
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
