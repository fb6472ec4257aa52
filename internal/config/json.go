package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// parseJSON reads and decodes the JSON config file at path into a fresh
// Config value, for layering on top of whatever parseEnv already loaded.
func parseJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read json file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode json file %s: %w", path, err)
	}
	return cfg, nil
}
