package config

import (
	"errors"
	"fmt"

	"dario.cat/mergo"
)

// configBuilder accumulates partial Config values from different sources
// and merges them into one on build, later sources winning for non-zero
// fields.
type configBuilder struct {
	configs []*Config
	err     error
}

func newConfigBuilder() *configBuilder {
	return &configBuilder{configs: make([]*Config, 0, 2)}
}

func (b *configBuilder) withEnv() *configBuilder {
	envCfg := &Config{}
	if err := parseEnv(envCfg); err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	b.configs = append(b.configs, envCfg)
	return b
}

// withJSON looks for a non-empty JSONFilePath among the configs already
// accumulated and, if found, merges that file on top.
func (b *configBuilder) withJSON() *configBuilder {
	var path string
	for _, cfg := range b.configs {
		if cfg.JSONFilePath != "" {
			path = cfg.JSONFilePath
		}
	}
	if path == "" {
		return b
	}
	jsonCfg, err := parseJSON(path)
	if err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	b.configs = append(b.configs, jsonCfg)
	return b
}

func (b *configBuilder) build() (*Config, error) {
	if b.err != nil {
		return nil, fmt.Errorf("config: build: %w", b.err)
	}
	cfg := &Config{}
	for _, c := range b.configs {
		if err := mergo.Merge(cfg, c, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge: %w", err)
		}
	}
	return cfg, cfg.validate()
}

// Load builds the final Config by merging environment variables and an
// optional JSON overlay (env wins for the JSONFilePath lookup itself, but
// the JSON file's own values are applied last and override the env's).
func Load() (*Config, error) {
	return newConfigBuilder().withEnv().withJSON().build()
}
