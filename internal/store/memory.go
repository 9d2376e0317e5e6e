package store

import (
	"context"
	"slices"
	"sync"

	"github.com/seantiz/quire/internal/model"
)

// Compile-time interface satisfaction check.
var _ Durable = (*MemoryStore)(nil)

// MemoryStore is a process-local Durable used when no database can be
// opened. Its contents are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	history  map[string]model.HistoryItem
	settings map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history:  make(map[string]model.HistoryItem),
		settings: make(map[string]string),
	}
}

func (m *MemoryStore) PutHistory(_ context.Context, item model.HistoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[item.ID]; ok {
		return nil
	}
	item.Result = slices.Clone(item.Result)
	m.history[item.ID] = item
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, limit int) ([]model.HistoryItem, error) {
	m.mu.RLock()
	items := make([]model.HistoryItem, 0, len(m.history))
	for _, it := range m.history {
		it.Result = nil
		items = append(items, it)
	}
	m.mu.RUnlock()

	slices.SortFunc(items, func(a, b model.HistoryItem) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, id string) (model.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.history[id]
	if !ok {
		return model.HistoryItem{}, ErrNotFound
	}
	it.Result = slices.Clone(it.Result)
	return it, nil
}

func (m *MemoryStore) DeleteHistory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) ClearHistory(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	clear(m.history)
	return n, nil
}

func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// Estimate reports unknown: memory held by the process is not storage quota.
func (m *MemoryStore) Estimate(context.Context) (Estimate, error) {
	return Estimate{}, nil
}

func (m *MemoryStore) Close() error { return nil }
