package config

// validate checks that cfg satisfies the invariants every demo host needs
// before constructing a notekeep.Client: a non-empty account password, a server
// address, and a recognized storage driver.
func (cfg *Config) validate() error {
	if cfg.Account.Password == "" {
		return ErrInvalidAccountConfig
	}
	if cfg.Server.BaseURL == "" {
		return ErrInvalidServerConfig
	}
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return ErrInvalidStorageConfig
	}
	return nil
}
