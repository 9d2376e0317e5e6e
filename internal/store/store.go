// Package store persists completed-job history and user settings.
package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/seantiz/quire/internal/model"
)

// ErrNotFound is returned when a history item or setting does not exist.
var ErrNotFound = errors.New("not found")

// Estimate reports storage consumption. Available is zero when the free space
// of the backing device could not be determined.
type Estimate struct {
	Used      int64 `json:"used_bytes"`
	Available int64 `json:"available_bytes,omitempty"`
	Known     bool  `json:"known"`
}

// Durable is the storage shared by every instance on a device. History items
// are immutable once written.
type Durable interface {
	PutHistory(ctx context.Context, item model.HistoryItem) error
	// ListHistory returns at most limit items, newest first, without result blobs.
	ListHistory(ctx context.Context, limit int) ([]model.HistoryItem, error)
	GetHistory(ctx context.Context, id string) (model.HistoryItem, error)
	// DeleteHistory removes id. A missing id is not an error.
	DeleteHistory(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) (int, error)
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	Estimate(ctx context.Context) (Estimate, error)
	Close() error
}

// OpenDurable opens the SQLite database at path. If it cannot be opened the
// failure is logged and an in-memory store is returned, so the caller keeps
// working without persistence.
func OpenDurable(ctx context.Context, path string, logger *slog.Logger) Durable {
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		logger.Warn("durable storage unavailable, history will not persist", "path", path, "error", err)
		return NewMemoryStore()
	}
	if applied := s.AppliedUpgrades(); len(applied) > 0 {
		logger.Info("database schema upgraded", "path", path, "steps", applied, "version", s.SchemaVersion())
	}
	return s
}
