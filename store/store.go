// Package store defines the storage driver contract every notekeep host
// must supply: a small key/value store for session and sync-state
// bookkeeping, and an item table for the encrypted payloads themselves.
// Every method takes a context so a driver backed by a real database or
// remote KV service can cancel or time out; in-process drivers (memory)
// simply ignore it.
package store

import (
	"context"
	"errors"

	"github.com/wrenfield/notekeep/internal/transform"
)

// ErrNotFound is returned by KVStore.Get and ItemStore.GetItem when the
// requested key or uuid does not exist.
var ErrNotFound = errors.New("store: not found")

// KVStore persists small string key/value pairs such as the sync token
// and session metadata. Never holds item content.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ItemStore persists the full set of encrypted item payloads.
type ItemStore interface {
	// SaveItems upserts each payload by UUID.
	SaveItems(ctx context.Context, payloads ...*transform.EncryptedPayload) error

	// GetItem returns the payload for uuid, or ErrNotFound.
	GetItem(ctx context.Context, uuid string) (*transform.EncryptedPayload, error)

	// AllItems returns every stored payload, including soft-deleted ones;
	// callers filter as needed.
	AllItems(ctx context.Context) ([]*transform.EncryptedPayload, error)

	// DeleteItems removes the payloads for the given uuids outright (hard
	// delete), used to reclaim space for items whose tombstone has
	// already been durably synced.
	DeleteItems(ctx context.Context, uuids ...string) error
}

// Driver bundles the two stores a host needs to construct, so a single
// driver implementation (memory, sqlite, postgres) can satisfy both with
// one connection/handle.
type Driver interface {
	KV() KVStore
	Items() ItemStore
}
