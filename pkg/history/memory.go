package history

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]Version
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]Version)}
}

func (m *MemoryStore) Append(_ context.Context, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.docs[v.DocumentID]
	if err := CheckLink(len(chain)-1, v); err != nil {
		return fmt.Errorf("append %s@%d: %w", v.DocumentID, v.Number, err)
	}
	v.State = v.State.Clone()
	m.docs[v.DocumentID] = append(chain, v)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, documentID string) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.docs[documentID]
	if len(chain) == 0 {
		return Version{}, ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (m *MemoryStore) Get(_ context.Context, documentID string, number int) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.docs[documentID]
	if number < 0 || number >= len(chain) {
		return Version{}, ErrNotFound
	}
	return chain[number], nil
}

func (m *MemoryStore) Range(_ context.Context, documentID string, from, to int) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.docs[documentID]
	if from < -1 {
		from = -1
	}
	if to >= len(chain) {
		to = len(chain) - 1
	}
	if from >= to {
		return nil, nil
	}
	out := make([]Version, to-from)
	copy(out, chain[from+1:to+1])
	return out, nil
}
