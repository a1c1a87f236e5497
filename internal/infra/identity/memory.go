// Package identity persists the guest cart token behind cart.IdentityStore.
package identity

import (
	"context"
	"sync"
)

const component = "identity"

// Memory keeps the token in process memory.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

// Get implements cart.IdentityStore.
func (m *Memory) Get(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// Set implements cart.IdentityStore.
func (m *Memory) Set(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// Clear implements cart.IdentityStore.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}
