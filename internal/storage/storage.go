// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// OrgStore manages tenant persistence. Registration itself is an external
// collaborator; the gateway only creates orgs in tests and bootstrap.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *gateway.Organization) error
	GetOrg(ctx context.Context, id int64) (*gateway.Organization, error)
	GetOrgByKeyHash(ctx context.Context, hash string) (*gateway.Organization, error)
	ListOrgs(ctx context.Context) ([]*gateway.Organization, error)
}

// ProviderStore manages per-tenant provider configuration.
type ProviderStore interface {
	CreateProviderConfig(ctx context.Context, p *gateway.ProviderConfig) error
	GetProviderConfig(ctx context.Context, orgID, id int64) (*gateway.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context, orgID int64) ([]*gateway.ProviderConfig, error)
	UpdateProviderConfig(ctx context.Context, p *gateway.ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, orgID, id int64) error
}

// CacheStore is the durable cache tier.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error)
	// UpsertCacheEntry inserts or updates an entry. Payload is
	// last-writer-wins; the hit counter never decreases.
	UpsertCacheEntry(ctx context.Context, e *gateway.CacheEntry) error
	// TouchCacheEntry increments the hit counter and refreshes last-accessed.
	TouchCacheEntry(ctx context.Context, fingerprint string, at time.Time) error
	// DeleteCacheEntry removes one durable entry.
	DeleteCacheEntry(ctx context.Context, fingerprint string) error
	// ClearCacheEntries removes every durable entry and returns the count.
	ClearCacheEntries(ctx context.Context) (int64, error)
	CacheStats(ctx context.Context) (entries int64, approxBytes int64, costSaved float64, err error)
}

// LedgerStore is the append-only usage ledger and its aggregations.
type LedgerStore interface {
	InsertLedgerRows(ctx context.Context, rows []gateway.LedgerRow) error
	InsertRoutingDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error
	// SumCost returns total ledger cost for the org in [since, until).
	SumCost(ctx context.Context, orgID int64, since, until time.Time) (float64, error)
	// CacheHitStats returns hit and total request counts in [since, until).
	CacheHitStats(ctx context.Context, orgID int64, since, until time.Time) (hits, total int64, err error)
	// CountRateLimited returns the count of rate-limited rows in [since, until).
	CountRateLimited(ctx context.Context, orgID int64, since, until time.Time) (int64, error)
	// AggregateUsage groups ledger rows for the org by "day", "model" or
	// "provider" over [since, until).
	AggregateUsage(ctx context.Context, orgID int64, since, until time.Time, groupBy string) ([]gateway.UsageTotals, error)
	// SummarizeSavings aggregates routing decisions by task class.
	SummarizeSavings(ctx context.Context, orgID int64, since, until time.Time) ([]gateway.SavingsSummary, error)
}

// RateLimitStore manages per-tenant rate limit configuration.
type RateLimitStore interface {
	GetRateLimitConfig(ctx context.Context, orgID int64) (*gateway.RateLimitConfig, error)
	PutRateLimitConfig(ctx context.Context, cfg *gateway.RateLimitConfig) error
}

// AlertStore manages alert channels and threshold configs.
type AlertStore interface {
	CreateAlertChannel(ctx context.Context, ch *gateway.AlertChannel) error
	ListAlertChannels(ctx context.Context, orgID int64, activeOnly bool) ([]*gateway.AlertChannel, error)
	DeleteAlertChannel(ctx context.Context, orgID, id int64) error

	// UpsertAlertConfig enforces at most one config per (org, kind).
	UpsertAlertConfig(ctx context.Context, cfg *gateway.AlertConfig) error
	ListAlertConfigs(ctx context.Context, orgID int64) ([]*gateway.AlertConfig, error)
	// ListEnabledAlertConfigs returns every enabled config across tenants.
	ListEnabledAlertConfigs(ctx context.Context) ([]*gateway.AlertConfig, error)
	// StampAlertTriggered serializes last-triggered updates at the row level.
	StampAlertTriggered(ctx context.Context, id int64, at time.Time) error
}

// Store combines all storage interfaces.
type Store interface {
	OrgStore
	ProviderStore
	CacheStore
	LedgerStore
	RateLimitStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
