// Package config loads the layered configuration for a notekeep host
// process: environment variables first, an optional JSON overlay second.
// The library itself takes every dependency as a constructor argument, so
// this package only exists for the demo hosts under cmd/.
package config

import (
	"time"
)

// Config is the top-level configuration for a notekeep demo host.
//
// Struct tags:
//   - envPrefix — prefix applied to all nested env tag lookups (caarlos0/env).
//   - env       — direct environment variable name for scalar fields.
type Config struct {
	Account Account `envPrefix:"ACCOUNT_"`
	Server  Server  `envPrefix:"SERVER_"`
	Storage Storage `envPrefix:"STORAGE_"`
	Sync    Sync    `envPrefix:"SYNC_"`

	// JSONFilePath, if non-empty, names a JSON file whose contents are
	// merged on top of the values already loaded from the environment.
	// Env: CONFIG
	JSONFilePath string `env:"CONFIG"`
}

// Account holds the credentials the host uses to derive the account root
// key pair.
type Account struct {
	// Password is the account passphrase PBKDF2-SHA512 is run over to
	// derive the root key pair. Never logged.
	// Env: ACCOUNT_PASSWORD
	Password string `env:"PASSWORD"`

	// SaltHex is the hex-encoded PBKDF2 salt persisted from account
	// registration.
	// Env: ACCOUNT_SALT_HEX
	SaltHex string `env:"SALT_HEX"`

	// KDFIterations is the PBKDF2 iteration count.
	// Env: ACCOUNT_KDF_ITERATIONS
	KDFIterations int `env:"KDF_ITERATIONS" envDefault:"210000"`
}

// Server holds the address of the sync server the transport talks to.
type Server struct {
	// BaseURL is the sync server's base address, e.g. "https://sync.example.com".
	// Env: SERVER_BASE_URL
	BaseURL string `env:"BASE_URL"`

	// APIVersion is loaded but not passed to the transport by the demo
	// hosts; HTTPTransport always sends its own transport.APIVersion.
	// Env: SERVER_API_VERSION
	APIVersion string `env:"API_VERSION" envDefault:"20240101"`

	// RequestTimeout bounds a single HTTP request.
	// Env: SERVER_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Storage holds the local driver's connection settings.
type Storage struct {
	// Driver selects the store.Driver implementation: "memory", "sqlite",
	// or "postgres".
	// Env: STORAGE_DRIVER
	Driver string `env:"DRIVER" envDefault:"sqlite"`

	// DSN is the SQLite file path or PostgreSQL connection string, depending
	// on Driver.
	// Env: STORAGE_DSN
	DSN string `env:"DSN"`
}

// Sync holds background sync worker settings.
type Sync struct {
	// Interval is how often the host triggers a sync cycle on its own,
	// independent of explicit user-triggered syncs.
	// Env: SYNC_INTERVAL
	Interval time.Duration `env:"INTERVAL" envDefault:"30s"`
}
