package backfill

import (
	"context"
	"sync"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// StateStore persists watermarks. Load returns nil, nil when a device has
// never been synced.
type StateStore interface {
	Load(ctx context.Context, serial string) (*models.SyncState, error)
	Save(ctx context.Context, state models.SyncState) error
}

// MemoryStateStore keeps watermarks in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]models.SyncState
}

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]models.SyncState)}
}

func (m *MemoryStateStore) Load(_ context.Context, serial string) (*models.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[serial]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MemoryStateStore) Save(_ context.Context, state models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.DeviceSerial] = state
	return nil
}
