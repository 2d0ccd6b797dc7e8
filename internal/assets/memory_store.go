package assets

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory asset store for demo/development mode.
type MemoryStore struct {
	assets map[string]*Asset
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory asset store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]*Asset)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.assets[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string) ([]*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Asset
	for _, a := range m.assets {
		if a.AccountID == accountID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
