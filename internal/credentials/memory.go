package credentials

import (
	"context"
	"sync"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

// MemoryBackend keeps the pair for the lifetime of the process only.
type MemoryBackend struct {
	mu   sync.Mutex
	pair *model.CredentialPair
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (model.CredentialPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return model.CredentialPair{}, ErrNotFound
	}
	return *m.pair, nil
}

func (m *MemoryBackend) Save(_ context.Context, pair model.CredentialPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = &pair
	return nil
}

func (m *MemoryBackend) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = nil
	return nil
}

func (m *MemoryBackend) HealthCheck(context.Context) error { return nil }
