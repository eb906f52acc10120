// Package auth resolves tenant API keys to organizations. Keys are salted,
// hashed and looked up in the store; resolved tenants are cached in a
// W-TinyLFU cache for fast repeat lookups.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active tenants expected per deployment
)

// APIKeyAuth authenticates tenants by API key. Only the salted hash is ever
// compared or stored.
type APIKeyAuth struct {
	store storage.OrgStore
	salt  string
	cache *otter.Cache[string, *gateway.Organization]
}

var _ gateway.Authenticator = (*APIKeyAuth)(nil)

// NewAPIKeyAuth returns an APIKeyAuth backed by store. salt is the
// deployment-wide hashing salt.
func NewAPIKeyAuth(store storage.OrgStore, salt string) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Organization]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Organization](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, salt: salt, cache: c}, nil
}

// Authenticate hashes the raw key and resolves the owning organization.
func (a *APIKeyAuth) Authenticate(ctx context.Context, apiKey string) (*gateway.Organization, error) {
	if apiKey == "" {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(a.salt, apiKey)

	if org, ok := a.cache.GetIfPresent(hash); ok {
		return org, nil
	}

	org, err := a.store.GetOrgByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed hash. The DB lookup already matched, but this
	// guards against SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(org.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	a.cache.Set(hash, org)
	return org, nil
}

// Invalidate removes a cached tenant after its key is rotated or revoked.
func (a *APIKeyAuth) Invalidate(apiKey string) {
	a.cache.Invalidate(gateway.HashKey(a.salt, apiKey))
}
