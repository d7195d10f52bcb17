package flagstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flagmatchio/evaluator/internal/auth"
)

// PostgresKeyStore implements auth.KeyStore against an api_key table. This
// table is not part of the persistence schema internal/matching's
// collaborators read from; it exists purely to back authentication, which is
// itself out of scope for internal/matching (see DESIGN.md).
type PostgresKeyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyStore wraps an existing reader pool.
func NewPostgresKeyStore(pool *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{pool: pool}
}

// ListAPIKeys returns every key row, enabled or not; Authenticator filters
// by Enabled itself.
func (s *PostgresKeyStore) ListAPIKeys(ctx context.Context) ([]auth.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, team_id, key_hash, enabled, expires_at FROM api_key`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var out []auth.APIKey
	for rows.Next() {
		var key auth.APIKey
		if err := rows.Scan(&key.ID, &key.TeamID, &key.KeyHash, &key.Enabled, &key.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// UpdateAPIKeyLastUsed bumps the key's last-used timestamp; the caller's
// best-effort background worker discards any failure here, so it never
// reaches the request path.
func (s *PostgresKeyStore) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_key SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// MemoryKeyStore implements auth.KeyStore in-process, for tests.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[int64]auth.APIKey
	next int64
}

// NewMemoryKeyStore builds an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[int64]auth.APIKey)}
}

// Put registers a key and returns its assigned id.
func (s *MemoryKeyStore) Put(teamID int64, keyHash string, enabled bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.keys[s.next] = auth.APIKey{ID: s.next, TeamID: teamID, KeyHash: keyHash, Enabled: enabled}
	return s.next
}

// ListAPIKeys implements auth.KeyStore.
func (s *MemoryKeyStore) ListAPIKeys(ctx context.Context) ([]auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

// UpdateAPIKeyLastUsed implements auth.KeyStore. The in-memory store has
// nowhere to persist a last-used timestamp across process restarts, so this
// is a no-op kept only to satisfy the interface for tests.
func (s *MemoryKeyStore) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	return nil
}
