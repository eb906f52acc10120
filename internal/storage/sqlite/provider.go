package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// CreateProviderConfig inserts a tenant provider configuration. The partial
// unique index rejects a second enabled config for the same (org, provider).
func (s *Store) CreateProviderConfig(ctx context.Context, p *gateway.ProviderConfig) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_configs (org_id, provider, api_key_enc, enabled, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.OrgID, p.Provider, p.APIKeyEnc, boolToInt(p.Enabled), p.Priority,
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return gateway.ErrConflict
		}
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProviderConfig retrieves one provider config scoped to the tenant.
func (s *Store) GetProviderConfig(ctx context.Context, orgID, id int64) (*gateway.ProviderConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, org_id, provider, api_key_enc, enabled, priority, created_at
		 FROM provider_configs WHERE org_id=? AND id=?`, orgID, id,
	)
	return scanProviderConfig(row)
}

// ListProviderConfigs returns the tenant's provider configs ordered by
// ascending priority then id, the registry's resolution order.
func (s *Store) ListProviderConfigs(ctx context.Context, orgID int64) ([]*gateway.ProviderConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, provider, api_key_enc, enabled, priority, created_at
		 FROM provider_configs WHERE org_id=? ORDER BY priority ASC, id ASC`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*gateway.ProviderConfig
	for rows.Next() {
		p, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, p)
	}
	return configs, rows.Err()
}

// UpdateProviderConfig updates a tenant provider configuration.
func (s *Store) UpdateProviderConfig(ctx context.Context, p *gateway.ProviderConfig) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_configs SET provider=?, api_key_enc=?, enabled=?, priority=?
		 WHERE org_id=? AND id=?`,
		p.Provider, p.APIKeyEnc, boolToInt(p.Enabled), p.Priority, p.OrgID, p.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return gateway.ErrConflict
		}
		return err
	}
	return checkRowsAffected(result, "provider config")
}

// DeleteProviderConfig removes a tenant provider configuration.
func (s *Store) DeleteProviderConfig(ctx context.Context, orgID, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_configs WHERE org_id=? AND id=?`, orgID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider config")
}

func scanProviderConfig(s scanner) (*gateway.ProviderConfig, error) {
	var p gateway.ProviderConfig
	var enabled int
	var createdAt sql.NullString

	err := s.Scan(&p.ID, &p.OrgID, &p.Provider, &p.APIKeyEnc, &enabled, &p.Priority, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Enabled = enabled != 0
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}
