// Package memkv is an in-memory credstore.KV. Values live only as long as
// the process; use it for tests and for throwaway sessions.
package memkv

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
)

// KV is a map guarded by a RWMutex.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty KV.
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

func (m *KV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, credstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *KV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *KV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *KV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
