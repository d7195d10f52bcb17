// Package cohortcache maintains a read-through, periodically refreshed
// snapshot of each team's cohort definitions, implementing
// matching.CohortCache. It generalizes the teacher's internal/snapshot
// package's atomic-pointer-swap idiom: an instance (team-scoped cohorts are
// not a single global document the way the teacher's flag snapshot is)
// built on atomic.Pointer[T] generics rather than unsafe.Pointer, since this
// module targets a Go version with generics.
package cohortcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flagmatchio/evaluator/internal/flagstore"
	"github.com/flagmatchio/evaluator/internal/matching"
)

// errCohortNotFound is returned by GetCohort when teamID's snapshot has no
// cohort with the requested id. Matcher.CohortResolver re-tags any GetCohort
// error as ErrKindCohortNotFound, so the exact error value here only matters
// for this package's own logging and tests.
var errCohortNotFound = fmt.Errorf("cohort not found in cache")

// snapshot is one team's resolved cohort set, keyed by cohort id for O(1)
// GetCohort lookups.
type snapshot struct {
	byID map[int64]*matching.Cohort
}

// Cache implements matching.CohortCache over flagstore.CohortLoader, with
// each team's snapshot refreshed independently on cache miss or expiry.
type Cache struct {
	loader flagstore.CohortLoader
	ttl    time.Duration

	refreshMu sync.Mutex // serializes loader calls; reads never block on it
	teams     sync.Map   // teamID -> *atomic.Pointer[teamEntry]
}

type teamEntry struct {
	snap      *snapshot
	fetchedAt time.Time
}

// New builds a Cache that refreshes a team's cohorts at most once per ttl.
func New(loader flagstore.CohortLoader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl}
}

// GetCohort implements matching.CohortCache. A cold or expired team snapshot
// triggers a synchronous refresh; concurrent callers for the same team
// coalesce onto one in-flight load rather than issuing duplicate queries.
func (c *Cache) GetCohort(ctx context.Context, teamID, cohortID int64) (*matching.Cohort, error) {
	snap, err := c.snapshotFor(ctx, teamID)
	if err != nil {
		return nil, err
	}
	cohort, ok := snap.byID[cohortID]
	if !ok {
		return nil, errCohortNotFound
	}
	return cohort, nil
}

func (c *Cache) snapshotFor(ctx context.Context, teamID int64) (*snapshot, error) {
	if ptr, ok := c.ptrFor(teamID); ok {
		if entry := ptr.Load(); entry != nil && time.Since(entry.fetchedAt) < c.ttl {
			return entry.snap, nil
		}
	}
	return c.refresh(ctx, teamID)
}

func (c *Cache) ptrFor(teamID int64) (*atomic.Pointer[teamEntry], bool) {
	v, ok := c.teams.Load(teamID)
	if !ok {
		return nil, false
	}
	return v.(*atomic.Pointer[teamEntry]), true
}

// refresh loads teamID's cohorts from the loader and swaps them into place.
// refreshMu serializes loader calls across every team: a concurrent caller
// that loses the race simply re-checks the now-fresh snapshot under the lock
// instead of issuing a duplicate query.
func (c *Cache) refresh(ctx context.Context, teamID int64) (*snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if ptr, ok := c.ptrFor(teamID); ok {
		if entry := ptr.Load(); entry != nil && time.Since(entry.fetchedAt) < c.ttl {
			return entry.snap, nil
		}
	}

	cohorts, err := c.loader.LoadCohorts(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("loading cohorts for team %d: %w", teamID, err)
	}

	byID := make(map[int64]*matching.Cohort, len(cohorts))
	for i := range cohorts {
		byID[cohorts[i].ID] = &cohorts[i]
	}
	snap := &snapshot{byID: byID}

	ptr, _ := c.teams.LoadOrStore(teamID, new(atomic.Pointer[teamEntry]))
	ptr.(*atomic.Pointer[teamEntry]).Store(&teamEntry{snap: snap, fetchedAt: time.Now()})
	return snap, nil
}

// Invalidate drops teamID's cached snapshot, forcing the next GetCohort to
// refresh synchronously. Useful for tests and for an admin-triggered
// cache-bust once flag-definition loading grows a write path.
func (c *Cache) Invalidate(teamID int64) {
	c.teams.Delete(teamID)
}
