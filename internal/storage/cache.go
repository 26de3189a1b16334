package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCacheEntry returns the entry stored under key, or ErrNotFound.
func (s *Store) GetCacheEntry(key string) (CacheEntry, error) {
	var e CacheEntry
	var updatedAt string
	err := s.db.QueryRow(`SELECT key, value, updated_at FROM response_cache WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	e.UpdatedAt = t
	return e, nil
}

// PutCacheEntry writes e, replacing any existing entry with the same key.
// A zero UpdatedAt is stamped with the current time.
func (s *Store) PutCacheEntry(e CacheEntry) error {
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO response_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		e.Key, e.Value, updatedAt.UTC().Format(timeLayout),
	)
	return err
}

// DeleteCacheEntriesBefore removes entries last written before cutoff and
// reports how many were removed.
func (s *Store) DeleteCacheEntriesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM response_cache WHERE updated_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountCacheEntries returns the number of cached responses.
func (s *Store) CountCacheEntries() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&n)
	return n, err
}
