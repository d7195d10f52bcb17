package matching

import (
	"context"
	"sync"
)

// groupTypeState is the tagged variant from spec.md §9: modelling the cache
// entry as {Unloaded, Loaded(map), Failed} rather than a boolean flag beside a
// map prevents ever reading a half-loaded mapping.
type groupTypeState int

const (
	groupTypeUnloaded groupTypeState = iota
	groupTypeLoaded
	groupTypeFailed
)

// groupTypeEntry is one project's resolved (or failed) mapping.
type groupTypeEntry struct {
	state      groupTypeState
	nameToIdx  map[string]int
	idxToName  map[int]string
}

// GroupTypeLoader fetches the full (group_type_name, group_type_index) set
// for a project. It is the external collaborator: a thin read over the
// group_type_mapping table (see internal/flagstore for the concrete
// PostgreSQL-backed loader used in production).
type GroupTypeLoader interface {
	LoadGroupTypeMapping(ctx context.Context, projectID int64) (map[string]int, error)
}

// GroupTypeCache is the per-project memoised, sticky-failure cache described
// in spec.md §4.3. It is safe for concurrent use across many requests; each
// Matcher borrows it read-only.
type GroupTypeCache struct {
	loader GroupTypeLoader

	mu      sync.RWMutex
	entries map[int64]*groupTypeEntry
}

// NewGroupTypeCache constructs a cache backed by loader. Passing a nil loader
// is valid for group-aggregated-flag-free workloads and simply causes every
// lookup to fail with ErrKindNoGroupTypeMappings.
func NewGroupTypeCache(loader GroupTypeLoader) *GroupTypeCache {
	return &GroupTypeCache{loader: loader, entries: make(map[int64]*groupTypeEntry)}
}

// resolve returns the bidirectional mapping for projectID, loading it lazily
// on first use and memoising the result (success or sticky failure) for all
// subsequent calls, across every request that shares this cache instance.
func (c *GroupTypeCache) resolve(ctx context.Context, projectID int64) (*groupTypeEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[projectID]
	c.mu.RUnlock()
	if ok {
		if entry.state == groupTypeFailed {
			return nil, errNoGroupTypeMappings()
		}
		return entry, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock in case another goroutine loaded it first.
	if entry, ok := c.entries[projectID]; ok {
		if entry.state == groupTypeFailed {
			return nil, errNoGroupTypeMappings()
		}
		return entry, nil
	}

	if c.loader == nil {
		c.entries[projectID] = &groupTypeEntry{state: groupTypeFailed}
		return nil, errNoGroupTypeMappings()
	}

	mapping, err := c.loader.LoadGroupTypeMapping(ctx, projectID)
	if err != nil || len(mapping) == 0 {
		// Sticky failure: we deliberately do not retry and do not fall back
		// to partial data (spec.md §4.3).
		c.entries[projectID] = &groupTypeEntry{state: groupTypeFailed}
		return nil, errNoGroupTypeMappings()
	}

	nameToIdx := make(map[string]int, len(mapping))
	idxToName := make(map[int]string, len(mapping))
	for name, idx := range mapping {
		nameToIdx[name] = idx
		idxToName[idx] = name
	}
	loaded := &groupTypeEntry{state: groupTypeLoaded, nameToIdx: nameToIdx, idxToName: idxToName}
	c.entries[projectID] = loaded
	return loaded, nil
}

// IndexForName resolves a group-type name to its numeric index.
func (c *GroupTypeCache) IndexForName(ctx context.Context, projectID int64, name string) (int, error) {
	entry, err := c.resolve(ctx, projectID)
	if err != nil {
		return 0, err
	}
	idx, ok := entry.nameToIdx[name]
	if !ok {
		return 0, errNoGroupTypeMappings()
	}
	return idx, nil
}

// NameForIndex resolves a numeric group-type index back to its name.
func (c *GroupTypeCache) NameForIndex(ctx context.Context, projectID int64, idx int) (string, error) {
	entry, err := c.resolve(ctx, projectID)
	if err != nil {
		return "", err
	}
	name, ok := entry.idxToName[idx]
	if !ok {
		return "", errNoGroupTypeMappings()
	}
	return name, nil
}
