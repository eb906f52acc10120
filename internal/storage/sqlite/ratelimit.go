package sqlite

import (
	"context"

	gateway "github.com/cognitude/cognitude/internal"
)

// GetRateLimitConfig retrieves the tenant's rate limit configuration.
func (s *Store) GetRateLimitConfig(ctx context.Context, orgID int64) (*gateway.RateLimitConfig, error) {
	var cfg gateway.RateLimitConfig
	var enabled int
	err := s.read.QueryRowContext(ctx,
		`SELECT org_id, requests_per_minute, requests_per_hour, requests_per_day, enabled
		 FROM rate_limit_configs WHERE org_id=?`, orgID,
	).Scan(&cfg.OrgID, &cfg.PerMinute, &cfg.PerHour, &cfg.PerDay, &enabled)
	if err != nil {
		return nil, notFoundErr(err)
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

// PutRateLimitConfig inserts or replaces the tenant's rate limit configuration.
func (s *Store) PutRateLimitConfig(ctx context.Context, cfg *gateway.RateLimitConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO rate_limit_configs (org_id, requests_per_minute, requests_per_hour, requests_per_day, enabled)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(org_id) DO UPDATE SET
		 requests_per_minute = excluded.requests_per_minute,
		 requests_per_hour = excluded.requests_per_hour,
		 requests_per_day = excluded.requests_per_day,
		 enabled = excluded.enabled`,
		cfg.OrgID, cfg.PerMinute, cfg.PerHour, cfg.PerDay, boolToInt(cfg.Enabled),
	)
	return err
}
