package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// StaticKeyStore is a read-only KeyStore loaded once at startup. Suitable
// for single-tenant deployments and tests; production multi-tenant setups
// plug in a store backed by the key-provisioning service.
type StaticKeyStore struct {
	keys map[string]*ApiKeyContext // secret → record
}

// keyFileEntry is the on-disk JSON shape of one key.
type keyFileEntry struct {
	Secret             string   `json:"secret"`
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Permissions        []string `json:"permissions"`
	RateLimitPerWindow int      `json:"rate_limit_per_window"`
	DailyBudgetUsd     *float64 `json:"daily_budget_usd"`
	MonthlyBudgetUsd   *float64 `json:"monthly_budget_usd"`
	IsActive           *bool    `json:"is_active"`
	ExpiresAt          string   `json:"expires_at"` // RFC 3339, empty = never
}

// NewStaticKeyStore builds a store from pre-built records keyed by secret.
func NewStaticKeyStore(keys map[string]*ApiKeyContext) *StaticKeyStore {
	if keys == nil {
		keys = make(map[string]*ApiKeyContext)
	}
	return &StaticKeyStore{keys: keys}
}

// LoadKeyFile reads a JSON array of key records from path.
func LoadKeyFile(path string) (*StaticKeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read key file: %w", err)
	}

	var entries []keyFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("auth: parse key file %s: %w", path, err)
	}

	keys := make(map[string]*ApiKeyContext, len(entries))
	for i, e := range entries {
		if e.Secret == "" || e.ID == "" {
			return nil, fmt.Errorf("auth: key file entry %d: secret and id are required", i)
		}

		perms := make(map[Permission]struct{}, len(e.Permissions))
		for _, p := range e.Permissions {
			switch Permission(p) {
			case PermissionRead, PermissionWrite:
				perms[Permission(p)] = struct{}{}
			default:
				return nil, fmt.Errorf("auth: key %s: unknown permission %q", e.ID, p)
			}
		}

		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}

		var expiresAt *time.Time
		if e.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, e.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("auth: key %s: invalid expires_at: %w", e.ID, err)
			}
			expiresAt = &t
		}

		keys[e.Secret] = &ApiKeyContext{
			ID:                 e.ID,
			ProjectID:          e.ProjectID,
			Permissions:        perms,
			RateLimitPerWindow: e.RateLimitPerWindow,
			DailyBudgetUsd:     e.DailyBudgetUsd,
			MonthlyBudgetUsd:   e.MonthlyBudgetUsd,
			IsActive:           active,
			ExpiresAt:          expiresAt,
		}
	}

	return &StaticKeyStore{keys: keys}, nil
}

// Lookup implements KeyStore.
func (s *StaticKeyStore) Lookup(_ context.Context, secret string) (*ApiKeyContext, bool) {
	k, ok := s.keys[secret]
	return k, ok
}

// Len returns the number of configured keys.
func (s *StaticKeyStore) Len() int { return len(s.keys) }
