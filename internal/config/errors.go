package config

import "errors"

// Validation errors returned by Config.validate when a required
// configuration group is incomplete.
var (
	// ErrInvalidAccountConfig indicates a missing account password.
	ErrInvalidAccountConfig = errors.New("config: invalid account configuration")
	// ErrInvalidServerConfig indicates a missing server base URL.
	ErrInvalidServerConfig = errors.New("config: invalid server configuration")
	// ErrInvalidStorageConfig indicates a missing or unrecognized storage driver.
	ErrInvalidStorageConfig = errors.New("config: invalid storage configuration")
)
