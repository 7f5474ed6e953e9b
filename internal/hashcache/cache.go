// Package hashcache persists content hashes between runs so unchanged
// files are not read again.
package hashcache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Key identifies one hash of one file version. Limit is the prefix
// length hashed, 0 for the whole file.
type Key struct {
	Path    string
	Size    int64
	ModTime time.Time
	Limit   int64
}

type Cache struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
    path TEXT NOT NULL,
    lim INTEGER NOT NULL,
    size INTEGER NOT NULL,
    mod_time INTEGER NOT NULL,
    sum INTEGER NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (path, lim)
);
`

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	db.Exec(`PRAGMA journal_mode=WAL;`)
	db.Exec(`PRAGMA synchronous=NORMAL;`)
	db.Exec(`PRAGMA busy_timeout=5000;`)
	db.Exec(`PRAGMA temp_store=MEMORY;`)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// DefaultPath is the cache location under the user's cache directory.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "volscan", "hashes.db"), nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the stored sum if the file has not changed since it was
// hashed.
func (c *Cache) Get(k Key) (uint64, bool, error) {
	var size, mod, sum int64
	err := c.db.QueryRow("SELECT size, mod_time, sum FROM hashes WHERE path = ? AND lim = ?", k.Path, k.Limit).
		Scan(&size, &mod, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query cache: %w", err)
	}
	if size != k.Size || mod != k.ModTime.UnixNano() {
		return 0, false, nil
	}
	return uint64(sum), true, nil
}

func (c *Cache) Put(k Key, sum uint64) error {
	query := `
        INSERT INTO hashes (path, lim, size, mod_time, sum, stored_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(path, lim) DO UPDATE SET
            size = excluded.size,
            mod_time = excluded.mod_time,
            sum = excluded.sum,
            stored_at = excluded.stored_at
    `
	_, err := c.db.Exec(query, k.Path, k.Limit, k.Size, k.ModTime.UnixNano(), int64(sum), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store hash: %w", err)
	}
	return nil
}

// Delete drops every sum stored for path.
func (c *Cache) Delete(path string) error {
	_, err := c.db.Exec("DELETE FROM hashes WHERE path = ?", path)
	return err
}

// Prune removes entries stored before cutoff and reports how many went.
func (c *Cache) Prune(cutoff time.Time) (int64, error) {
	res, err := c.db.Exec("DELETE FROM hashes WHERE stored_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}
