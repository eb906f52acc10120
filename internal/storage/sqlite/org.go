package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// CreateOrg inserts a new organization and backfills its assigned ID.
func (s *Store) CreateOrg(ctx context.Context, org *gateway.Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (name, key_hash, created_at) VALUES (?, ?, ?)`,
		org.Name, org.KeyHash, org.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	org.ID, err = res.LastInsertId()
	return err
}

// GetOrg retrieves an organization by ID.
func (s *Store) GetOrg(ctx context.Context, id int64) (*gateway.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key_hash, created_at FROM organizations WHERE id=?`, id,
	)
	return scanOrg(row)
}

// GetOrgByKeyHash retrieves an organization by its credential hash.
func (s *Store) GetOrgByKeyHash(ctx context.Context, hash string) (*gateway.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key_hash, created_at FROM organizations WHERE key_hash=?`, hash,
	)
	return scanOrg(row)
}

// ListOrgs returns all organizations ordered by name.
func (s *Store) ListOrgs(ctx context.Context) ([]*gateway.Organization, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, key_hash, created_at FROM organizations ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*gateway.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func scanOrg(s scanner) (*gateway.Organization, error) {
	var o gateway.Organization
	var createdAt sql.NullString
	if err := s.Scan(&o.ID, &o.Name, &o.KeyHash, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(createdAt); t != nil {
		o.CreatedAt = *t
	}
	return &o, nil
}
