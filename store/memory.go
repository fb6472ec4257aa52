package store

import (
	"context"
	"sync"

	"github.com/wrenfield/notekeep/internal/transform"
)

// Memory is an in-process Driver backed by plain maps, guarded by a
// mutex. Used by tests and the demo hosts that don't need durability
// across process restarts.
type Memory struct {
	kv    *memoryKV
	items *memoryItems
}

// NewMemory returns an empty Memory driver.
func NewMemory() *Memory {
	return &Memory{
		kv:    &memoryKV{data: make(map[string]string)},
		items: &memoryItems{data: make(map[string]*transform.EncryptedPayload)},
	}
}

// KV implements Driver.
func (m *Memory) KV() KVStore { return m.kv }

// Items implements Driver.
func (m *Memory) Items() ItemStore { return m.items }

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memoryKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryKV) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memoryItems struct {
	mu   sync.Mutex
	data map[string]*transform.EncryptedPayload
}

func (m *memoryItems) SaveItems(ctx context.Context, payloads ...*transform.EncryptedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payloads {
		cp := *p
		m.data[p.UUID] = &cp
	}
	return nil
}

func (m *memoryItems) GetItem(ctx context.Context, uuid string) (*transform.EncryptedPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryItems) AllItems(ctx context.Context) ([]*transform.EncryptedPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transform.EncryptedPayload, 0, len(m.data))
	for _, p := range m.data {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryItems) DeleteItems(ctx context.Context, uuids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range uuids {
		delete(m.data, u)
	}
	return nil
}
