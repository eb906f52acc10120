package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// GetCacheEntry retrieves the durable cache entry for a fingerprint.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT fingerprint, prompt_hash, model, provider, payload, created_at, last_accessed_at,
		 hit_count, ttl_hours, cost_usd
		 FROM cache_entries WHERE fingerprint=?`, fingerprint,
	)
	return scanCacheEntry(row)
}

// UpsertCacheEntry inserts or updates an entry. The payload is
// last-writer-wins; the hit counter and first-seen time are preserved.
func (s *Store) UpsertCacheEntry(ctx context.Context, e *gateway.CacheEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = now
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries
		 (fingerprint, prompt_hash, model, provider, payload, created_at, last_accessed_at, hit_count, ttl_hours, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		 payload = excluded.payload,
		 model = excluded.model,
		 provider = excluded.provider,
		 last_accessed_at = excluded.last_accessed_at,
		 ttl_hours = excluded.ttl_hours,
		 cost_usd = excluded.cost_usd`,
		e.Fingerprint, e.PromptHash, e.Model, e.Provider, string(e.Payload),
		e.CreatedAt.UTC().Format(time.RFC3339), e.LastAccessedAt.UTC().Format(time.RFC3339),
		e.HitCount, e.TTLHours, e.CostUSD,
	)
	return err
}

// TouchCacheEntry increments the hit counter and refreshes last-accessed.
func (s *Store) TouchCacheEntry(ctx context.Context, fingerprint string, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = ?
		 WHERE fingerprint = ?`,
		at.UTC().Format(time.RFC3339), fingerprint,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "cache entry")
}

// DeleteCacheEntry removes one durable entry. Missing entries are not an
// error; expiry races with invalidation.
func (s *Store) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return err
}

// ClearCacheEntries removes every durable entry and returns the count.
func (s *Store) ClearCacheEntries(ctx context.Context) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CacheStats returns durable-tier entry count, approximate payload bytes,
// and the lifetime cost saved (hits x the cost of the original call).
func (s *Store) CacheStats(ctx context.Context) (int64, int64, float64, error) {
	var entries, bytes int64
	var saved float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), COALESCE(SUM(hit_count * cost_usd), 0)
		 FROM cache_entries`,
	).Scan(&entries, &bytes, &saved)
	return entries, bytes, saved, err
}

func scanCacheEntry(s scanner) (*gateway.CacheEntry, error) {
	var e gateway.CacheEntry
	var payload string
	var createdAt, lastAccessed sql.NullString

	err := s.Scan(&e.Fingerprint, &e.PromptHash, &e.Model, &e.Provider, &payload,
		&createdAt, &lastAccessed, &e.HitCount, &e.TTLHours, &e.CostUSD)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.Payload = []byte(payload)
	if t := parseTime(createdAt); t != nil {
		e.CreatedAt = *t
	}
	if t := parseTime(lastAccessed); t != nil {
		e.LastAccessedAt = *t
	}
	return &e, nil
}
