package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/provider"
	"github.com/cognitude/cognitude/internal/storage"
)

// Bootstrap seeds tenants and their provider credentials from the config
// file. Seeding is idempotent: existing orgs (matched by key hash) and
// existing enabled provider configs are left alone. Plaintext keys from the
// file never reach the store; tenant keys are hashed and provider keys are
// sealed first.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, sealer *provider.Sealer) error {
	for _, entry := range cfg.Orgs {
		if entry.Name == "" || entry.APIKey == "" {
			return fmt.Errorf("config: org entry needs name and api_key")
		}

		hash := gateway.HashKey(cfg.Auth.KeySalt, entry.APIKey)
		org, err := store.GetOrgByKeyHash(ctx, hash)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			org = &gateway.Organization{Name: entry.Name, KeyHash: hash}
			if err := store.CreateOrg(ctx, org); err != nil {
				return fmt.Errorf("bootstrap org %s: %w", entry.Name, err)
			}
			slog.Info("bootstrapped org", "name", entry.Name)
		case err != nil:
			return fmt.Errorf("bootstrap org %s: %w", entry.Name, err)
		}

		existing, err := store.ListProviderConfigs(ctx, org.ID)
		if err != nil {
			return fmt.Errorf("bootstrap org %s: %w", entry.Name, err)
		}
		configured := make(map[string]bool, len(existing))
		for _, pc := range existing {
			if pc.Enabled {
				configured[pc.Provider] = true
			}
		}

		for _, p := range entry.Providers {
			if configured[p.Provider] {
				continue
			}
			sealed, err := sealer.Seal(p.APIKey)
			if err != nil {
				return fmt.Errorf("bootstrap provider %s/%s: %w", entry.Name, p.Provider, err)
			}
			priority := p.Priority
			if priority == 0 {
				priority = 100
			}
			pc := &gateway.ProviderConfig{
				OrgID:     org.ID,
				Provider:  p.Provider,
				APIKeyEnc: sealed,
				Enabled:   p.IsEnabled(),
				Priority:  priority,
			}
			if err := store.CreateProviderConfig(ctx, pc); err != nil {
				return fmt.Errorf("bootstrap provider %s/%s: %w", entry.Name, p.Provider, err)
			}
			slog.Info("bootstrapped provider config", "org", entry.Name, "provider", p.Provider)
		}
	}
	return nil
}
