// Package rendercache persists rendered SVG across runs in a SQLite file,
// keyed by a digest of everything that determines the output: engine
// version, the indexed font set, and the full document source. A key hit
// skips the engine entirely, which is where incremental book builds get
// their speed back.
package rendercache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is a render cache backed by one SQLite file. Safe for concurrent
// use; the driver serializes writes and the mutex keeps read-modify cycles
// coherent.
type Cache struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the cache at path. Use ":memory:" in tests.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open render cache: %w", err)
	}

	// One connection: keeps ":memory:" coherent and serializes writers at
	// the pool instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db}
	if err := c.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize render cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS renders (
		key TEXT PRIMARY KEY,
		svg BLOB NOT NULL,
		created INTEGER NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key digests the inputs that fully determine a render. Any engine upgrade
// or font change produces fresh keys, so stale entries are simply never read
// again and no invalidation pass is needed.
func Key(engineVersion, fontFingerprint, source string) string {
	h := sha256.New()
	h.Write([]byte(engineVersion))
	h.Write([]byte{0})
	h.Write([]byte(fontFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached SVG for key, reporting whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var svg []byte
	err := c.db.QueryRowContext(ctx, "SELECT svg FROM renders WHERE key = ?", key).Scan(&svg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query render cache: %w", err)
	}
	return string(svg), true, nil
}

// Put stores the SVG for key, replacing any previous value.
func (c *Cache) Put(ctx context.Context, key, svg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		"INSERT INTO renders (key, svg, created) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET svg = excluded.svg",
		key, []byte(svg), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store render: %w", err)
	}
	return nil
}
