package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/task"
)

// Compile-time interface satisfaction check.
var _ Durable = (*SQLiteStore)(nil)

// SQLiteStore implements Durable using SQLite. Several processes may open the
// same file; WAL mode and a busy timeout let them share it.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	applied []int
	version int
}

// OpenSQLite opens the SQLite database at path and brings its schema up to
// date.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		var err error
		if dsn, err = fileDSN(path); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	err = retryBusy(ctx, func() error {
		_, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	var applied []int
	err = retryBusy(ctx, func() error {
		var err error
		applied, err = migrate(ctx, db)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: path, applied: applied}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&s.version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	return s, nil
}

// busyAttempts bounds how often a setup step that lost a lock race to
// another process is retried.
const busyAttempts = 5

// retryBusy runs fn until it succeeds, fails with something other than a
// lock conflict, or busyAttempts is reached.
func retryBusy(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) || attempt == busyAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
}

// fileDSN builds a file: URI for path. The path is escaped so characters such
// as '?' and '#' stay part of the file name. Every pooled connection gets the
// busy timeout, and transactions take the write lock when they begin, so
// processes sharing the file wait on each other instead of failing.
func fileDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "_pragma=busy_timeout(5000)&_txlock=immediate",
	}
	return u.String(), nil
}

// isBusy reports whether err is SQLite refusing a lock held elsewhere.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// AppliedUpgrades returns the schema versions applied when this store was
// opened. It is empty when the schema was already current.
func (s *SQLiteStore) AppliedUpgrades() []int {
	return s.applied
}

// SchemaVersion returns the schema version after opening.
func (s *SQLiteStore) SchemaVersion() int {
	return s.version
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutHistory inserts a history item. Items are immutable, so writing an
// existing id again is a no-op.
func (s *SQLiteStore) PutHistory(ctx context.Context, item model.HistoryItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, file_name, kind, created_at, size_bytes, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.FileName, string(item.Kind), item.Timestamp.UnixNano(), item.SizeBytes, item.Result,
	)
	if err != nil {
		return fmt.Errorf("insert history item: %w", err)
	}
	return nil
}

// ListHistory returns up to limit items ordered by creation time, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]model.HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_name, kind, created_at, size_bytes
		FROM history ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var items []model.HistoryItem
	for rows.Next() {
		var (
			it      model.HistoryItem
			kind    string
			created int64
		)
		if err := rows.Scan(&it.ID, &it.FileName, &kind, &created, &it.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		it.Kind = task.Kind(kind)
		it.Timestamp = time.Unix(0, created).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// GetHistory retrieves a history item including its result bytes.
func (s *SQLiteStore) GetHistory(ctx context.Context, id string) (model.HistoryItem, error) {
	var (
		it      model.HistoryItem
		kind    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, kind, created_at, size_bytes, result
		FROM history WHERE id = ?`, id,
	).Scan(&it.ID, &it.FileName, &kind, &created, &it.SizeBytes, &it.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HistoryItem{}, ErrNotFound
	}
	if err != nil {
		return model.HistoryItem{}, fmt.Errorf("get history item: %w", err)
	}
	it.Kind = task.Kind(kind)
	it.Timestamp = time.Unix(0, created).UTC()
	return it, nil
}

func (s *SQLiteStore) DeleteHistory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete history item: %w", err)
	}
	return nil
}

// ClearHistory deletes every history item and returns how many were removed.
func (s *SQLiteStore) ClearHistory(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM history")
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

// Estimate reports the database size and, when the filesystem can be
// queried, the free space beside it.
func (s *SQLiteStore) Estimate(ctx context.Context) (Estimate, error) {
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return Estimate{}, fmt.Errorf("read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Estimate{}, fmt.Errorf("read page size: %w", err)
	}

	est := Estimate{Used: pages * pageSize, Known: true}
	if s.path != ":memory:" {
		if free, ok := freeBytes(filepath.Dir(s.path)); ok {
			est.Available = free
		}
	}
	return est, nil
}
