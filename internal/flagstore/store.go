// Package flagstore implements spec.md's flag-definition loading and schema
// parsing collaborator — explicitly out of scope for internal/matching
// itself, but required for a runnable service. It also implements
// internal/matching's Reader/Writer/GroupTypeLoader roles against Postgres,
// following the teacher's internal/store split between a PostgreSQL-backed
// implementation and an in-memory one for tests and local development.
package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/flagmatchio/evaluator/internal/matching"
)

// ErrFlagNotFound is returned by Store.GetFlagByKey when no flag matches.
var ErrFlagNotFound = errors.New("flag not found")

// Store is the flag-definition collaborator: GetActiveFlags feeds
// Matcher.EvaluateAll's flags argument.
type Store interface {
	GetActiveFlags(ctx context.Context, teamID int64) ([]matching.Flag, error)
	GetFlagByKey(ctx context.Context, teamID int64, key string) (*matching.Flag, error)
}

// MemoryStore is an in-memory Store, mirroring the teacher's
// internal/store.MemoryStore: a mutex-guarded map, suitable for tests and
// single-instance local development.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[int64]map[string]matching.Flag // teamID -> key -> Flag
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[int64]map[string]matching.Flag)}
}

// Put inserts or replaces a flag definition, for test setup.
func (m *MemoryStore) Put(flag matching.Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags[flag.TeamID] == nil {
		m.flags[flag.TeamID] = make(map[string]matching.Flag)
	}
	m.flags[flag.TeamID][flag.Key] = flag
}

// GetActiveFlags returns every non-deleted, active flag for teamID.
func (m *MemoryStore) GetActiveFlags(ctx context.Context, teamID int64) ([]matching.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []matching.Flag
	for _, flag := range m.flags[teamID] {
		if flag.Active && !flag.Deleted {
			out = append(out, flag)
		}
	}
	return out, nil
}

// GetFlagByKey returns one flag by key regardless of active/deleted state.
func (m *MemoryStore) GetFlagByKey(ctx context.Context, teamID int64, key string) (*matching.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flag, ok := m.flags[teamID][key]
	if !ok {
		return nil, ErrFlagNotFound
	}
	return &flag, nil
}

// flagRow is the wire shape of feature_flag.filters: a JSONB blob assembled
// from matching.FlagFilters. Schema parsing of this blob is this package's
// job (spec.md explicitly excludes it from internal/matching).
type flagRow struct {
	Filters json.RawMessage
}

func parseFilters(raw json.RawMessage) (matching.FlagFilters, error) {
	var filters matching.FlagFilters
	if len(raw) == 0 {
		return filters, nil
	}
	if err := json.Unmarshal(raw, &filters); err != nil {
		return matching.FlagFilters{}, err
	}
	return filters, nil
}
