package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// parseEnv populates cfg from environment variables via caarlos0/env, using
// the `env`/`envPrefix`/`envDefault` tags declared on Config and its nested
// types.
func parseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}
	return nil
}
