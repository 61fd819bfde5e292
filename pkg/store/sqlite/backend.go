package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/store"
)

// Backend is a store.Backend persisted in SQLite with an optional byte quota.
type Backend struct {
	db    *sql.DB
	quota int64
}

const createItemsTable = `
CREATE TABLE IF NOT EXISTS cache_items (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cache_items_updated ON cache_items(updated_at);
`

// New opens (or creates) the cache database at dbPath. A quota of zero
// disables the size limit.
func New(dbPath string, quota int64) (*Backend, error) {
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes writers in this process; busy_timeout
	// covers other handles on the same file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createItemsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Backend{db: db, quota: quota}, nil
}

// DSN adds the connection pragmas every soulcycle database is opened with.
// Transactions start IMMEDIATE so a read-then-write never fails upgrading
// its lock.
func DSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// GetItem returns the stored value or store.ErrNotFound.
func (b *Backend) GetItem(key string) (string, error) {
	var value string
	err := b.db.QueryRow(`SELECT value FROM cache_items WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache get: %w", err)
	}
	return value, nil
}

// SetItem replaces the value under key, enforcing the quota.
func (b *Backend) SetItem(key, value string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	defer tx.Rollback()

	if b.quota > 0 {
		var used int64
		err := tx.QueryRow(
			`SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM cache_items WHERE key != ?`, key,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
		if used+int64(len(key)+len(value)) > b.quota {
			return store.ErrQuotaExceeded
		}
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO cache_items (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return tx.Commit()
}

// RemoveItem deletes key. Missing keys are ignored.
func (b *Backend) RemoveItem(key string) error {
	if _, err := b.db.Exec(`DELETE FROM cache_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

// Stats reports how much the backend holds.
func (b *Backend) Stats() (models.StoreStats, error) {
	var stats models.StoreStats
	var oldest, newest sql.NullString
	err := b.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0), MIN(updated_at), MAX(updated_at) FROM cache_items`,
	).Scan(&stats.Entries, &stats.Bytes, &oldest, &newest)
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("cache stats: %w", err)
	}
	stats.Oldest = parseTime(oldest)
	stats.Newest = parseTime(newest)
	return stats, nil
}

// Clear removes items. With a non-zero olderThan only items last written
// before now-olderThan are removed.
func (b *Backend) Clear(olderThan time.Duration) (int64, error) {
	var res sql.Result
	var err error
	if olderThan > 0 {
		res, err = b.db.Exec(`DELETE FROM cache_items WHERE updated_at < ?`, time.Now().UTC().Add(-olderThan))
	} else {
		res, err = b.db.Exec(`DELETE FROM cache_items`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// timeLayouts covers what the driver writes for time.Time parameters.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t
		}
	}
	return time.Time{}
}
