package jobstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/replication"
	"github.com/seantiz/quire/internal/store"
)

// LoadHistory refreshes the history cache from durable storage.
func (s *Store) LoadHistory(ctx context.Context) error {
	return s.reloadHistory(ctx, OriginLocal)
}

func (s *Store) reloadHistory(ctx context.Context, origin Origin) error {
	items, err := s.durable.ListHistory(ctx, s.pageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.mu.Lock()
	s.history = items
	s.mu.Unlock()

	historyGauge.Set(float64(len(items)))
	s.emit(Event{Type: EventHistoryChanged}, origin)
	return nil
}

// History returns the cached page of history, newest first. Items carry no
// result bytes; use HistoryItem for those.
func (s *Store) History() []model.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// HistoryItem reads one item, including its result, from durable storage.
func (s *Store) HistoryItem(ctx context.Context, id string) (model.HistoryItem, error) {
	return s.durable.GetHistory(ctx, id)
}

// AddToHistory records a completed job's output and tells other instances
// to reload.
func (s *Store) AddToHistory(ctx context.Context, item model.HistoryItem) error {
	if err := s.durable.PutHistory(ctx, item); err != nil {
		return fmt.Errorf("add to history: %w", err)
	}
	return s.historyChanged(ctx)
}

// RemoveFromHistory deletes id. Removing an unknown id is not an error.
func (s *Store) RemoveFromHistory(ctx context.Context, id string) error {
	if err := s.durable.DeleteHistory(ctx, id); err != nil {
		return fmt.Errorf("remove from history: %w", err)
	}
	return s.historyChanged(ctx)
}

// ClearHistory deletes every history item and returns how many there were.
func (s *Store) ClearHistory(ctx context.Context) (int, error) {
	n, err := s.durable.ClearHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return n, s.historyChanged(ctx)
}

func (s *Store) historyChanged(ctx context.Context) error {
	err := s.LoadHistory(ctx)
	// Peers reload from storage themselves, so they are told even if our
	// own cache refresh failed.
	s.publish(replication.Message{Type: replication.TypeHistoryChanged})
	return err
}

// GetSetting reads a machine-local setting. Settings are never replicated.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	return s.durable.GetSetting(ctx, key)
}

// SaveSetting writes a machine-local setting.
func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	return s.durable.PutSetting(ctx, key, value)
}

// StorageEstimate reports durable storage usage. Known is false when the
// backing store cannot tell.
func (s *Store) StorageEstimate(ctx context.Context) (store.Estimate, error) {
	return s.durable.Estimate(ctx)
}
