package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	gateway "github.com/cognitude/cognitude/internal"
)

type stubOrgStore struct {
	byHash  map[string]*gateway.Organization
	lookups atomic.Int64
}

func (s *stubOrgStore) CreateOrg(context.Context, *gateway.Organization) error { return nil }
func (s *stubOrgStore) GetOrg(context.Context, int64) (*gateway.Organization, error) {
	return nil, gateway.ErrNotFound
}
func (s *stubOrgStore) ListOrgs(context.Context) ([]*gateway.Organization, error) { return nil, nil }

func (s *stubOrgStore) GetOrgByKeyHash(_ context.Context, hash string) (*gateway.Organization, error) {
	s.lookups.Add(1)
	org, ok := s.byHash[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return org, nil
}

const testSalt = "pepper"

func newTestAuth(t *testing.T) (*APIKeyAuth, *stubOrgStore) {
	t.Helper()
	store := &stubOrgStore{byHash: make(map[string]*gateway.Organization)}
	a, err := NewAPIKeyAuth(store, testSalt)
	if err != nil {
		t.Fatal(err)
	}
	return a, store
}

func addOrg(store *stubOrgStore, key string, id int64) *gateway.Organization {
	hash := gateway.HashKey(testSalt, key)
	org := &gateway.Organization{ID: id, Name: "acme", KeyHash: hash}
	store.byHash[hash] = org
	return org
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	addOrg(store, "cgd_live_key", 42)

	org, err := a.Authenticate(context.Background(), "cgd_live_key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if org.ID != 42 {
		t.Errorf("org = %+v", org)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	if _, err := a.Authenticate(context.Background(), "nope"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateEmptyKey(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateCachesLookups(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	addOrg(store, "cgd_cached", 7)

	for range 5 {
		if _, err := a.Authenticate(context.Background(), "cgd_cached"); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.lookups.Load(); n != 1 {
		t.Errorf("store lookups = %d, want 1", n)
	}
}

func TestInvalidateForcesRelookup(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	addOrg(store, "cgd_rotate", 9)

	if _, err := a.Authenticate(context.Background(), "cgd_rotate"); err != nil {
		t.Fatal(err)
	}
	a.Invalidate("cgd_rotate")

	delete(store.byHash, gateway.HashKey(testSalt, "cgd_rotate"))
	if _, err := a.Authenticate(context.Background(), "cgd_rotate"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("revoked key error = %v, want ErrUnauthorized", err)
	}
}
