package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// CreateAlertChannel inserts a notification channel and backfills its ID.
func (s *Store) CreateAlertChannel(ctx context.Context, ch *gateway.AlertChannel) error {
	config, err := marshalJSON(ch.Config)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO alert_channels (org_id, kind, config, active) VALUES (?, ?, ?, ?)`,
		ch.OrgID, ch.Kind, config, boolToInt(ch.Active),
	)
	if err != nil {
		return err
	}
	ch.ID, err = res.LastInsertId()
	return err
}

// ListAlertChannels returns the tenant's channels, optionally active only.
func (s *Store) ListAlertChannels(ctx context.Context, orgID int64, activeOnly bool) ([]*gateway.AlertChannel, error) {
	query := `SELECT id, org_id, kind, config, active FROM alert_channels WHERE org_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	rows, err := s.read.QueryContext(ctx, query+` ORDER BY id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*gateway.AlertChannel
	for rows.Next() {
		var ch gateway.AlertChannel
		var config sql.NullString
		var active int
		if err := rows.Scan(&ch.ID, &ch.OrgID, &ch.Kind, &config, &active); err != nil {
			return nil, err
		}
		ch.Active = active != 0
		if config.Valid {
			if err := json.Unmarshal([]byte(config.String), &ch.Config); err != nil {
				return nil, fmt.Errorf("parse channel config: %w", err)
			}
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// DeleteAlertChannel removes a tenant's channel.
func (s *Store) DeleteAlertChannel(ctx context.Context, orgID, id int64) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM alert_channels WHERE org_id=? AND id=?`, orgID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alert channel")
}

// UpsertAlertConfig inserts or updates the (org, kind) threshold config.
// Last-triggered is preserved on update so a threshold change cannot
// re-trigger an already-delivered window.
func (s *Store) UpsertAlertConfig(ctx context.Context, cfg *gateway.AlertConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO alert_configs (org_id, kind, threshold, enabled, last_triggered)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(org_id, kind) DO UPDATE SET
		 threshold = excluded.threshold,
		 enabled = excluded.enabled`,
		cfg.OrgID, cfg.Kind, cfg.Threshold, boolToInt(cfg.Enabled), timeToStr(cfg.LastTriggered),
	)
	if err != nil {
		return err
	}
	return s.read.QueryRowContext(ctx,
		`SELECT id FROM alert_configs WHERE org_id=? AND kind=?`,
		cfg.OrgID, cfg.Kind,
	).Scan(&cfg.ID)
}

// ListAlertConfigs returns the tenant's alert configs.
func (s *Store) ListAlertConfigs(ctx context.Context, orgID int64) ([]*gateway.AlertConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, kind, threshold, enabled, last_triggered
		 FROM alert_configs WHERE org_id=? ORDER BY kind`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlertConfigs(rows)
}

// ListEnabledAlertConfigs returns every enabled config across tenants,
// the scheduler's work list.
func (s *Store) ListEnabledAlertConfigs(ctx context.Context) ([]*gateway.AlertConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, kind, threshold, enabled, last_triggered
		 FROM alert_configs WHERE enabled=1 ORDER BY org_id, kind`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlertConfigs(rows)
}

// StampAlertTriggered records the alert delivery time. The row-level UPDATE
// serializes concurrent stamps.
func (s *Store) StampAlertTriggered(ctx context.Context, id int64, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE alert_configs SET last_triggered=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "alert config")
}

func scanAlertConfigs(rows *sql.Rows) ([]*gateway.AlertConfig, error) {
	var configs []*gateway.AlertConfig
	for rows.Next() {
		var cfg gateway.AlertConfig
		var enabled int
		var lastTriggered sql.NullString
		if err := rows.Scan(&cfg.ID, &cfg.OrgID, &cfg.Kind, &cfg.Threshold, &enabled, &lastTriggered); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled != 0
		cfg.LastTriggered = parseTime(lastTriggered)
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}
