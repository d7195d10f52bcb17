package matching

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
)

// conditionInput bundles everything a single condition needs that the
// caller (FlagMatcher) has already resolved for this request: the hash
// identifier, team scope, caller-supplied overrides, the fetched property
// cache, and pre-warmed static cohort membership. groupProps is nil in the
// overrides-only pass, where no late-binding fetch can happen.
type conditionInput struct {
	flagKey             string
	identifier          string
	teamID              int64
	overrides           map[string]any
	fetched             map[string]any
	staticCohortMatches map[int64]bool
	personID            *int64
	groupProps          *groupPropsCache
}

// groupPropsCache is the request-local "get properties by type" fast path of
// spec.md §4.5: a cohort dependency or cross-group filter discovered after
// the initial coalesced fetch can demand properties for a group type that
// fetch didn't cover. Results are memoised for the rest of the request and
// shared across every deferred flag, exactly like the coalesced fetch itself.
type groupPropsCache struct {
	mu     sync.Mutex
	data   map[int]map[string]any
	teamID int64
	// lookup resolves a group-type index to the caller-supplied group key for
	// this request, or ok=false when no such group was supplied.
	lookup func(ctx context.Context, groupTypeIndex int) (key string, ok bool)
	fetch  func(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string) (map[string]any, error)
}

// newGroupPropsCache seeds the cache with whatever the initial coalesced
// fetch already resolved, so a late-binding lookup for one of those group
// types never triggers a redundant round trip.
func newGroupPropsCache(teamID int64, seed map[int]map[string]any, lookup func(ctx context.Context, idx int) (string, bool), fetch func(ctx context.Context, teamID int64, idx int, key string) (map[string]any, error)) *groupPropsCache {
	data := make(map[int]map[string]any, len(seed))
	for idx, props := range seed {
		data[idx] = props
	}
	return &groupPropsCache{data: data, teamID: teamID, lookup: lookup, fetch: fetch}
}

// resolve fetches, concurrently, every group-type index in indices not
// already cached. Indices whose group key cannot be resolved, or whose fetch
// fails, are cached as empty (a missing cross-group property is treated as
// absent, same as a missing person property).
func (c *groupPropsCache) resolve(ctx context.Context, indices []int) {
	var missing []int
	c.mu.Lock()
	for _, idx := range indices {
		if _, ok := c.data[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, idx := range missing {
		wg.Go(func() {
			props := c.fetchOne(ctx, idx)
			c.mu.Lock()
			c.data[idx] = props
			c.mu.Unlock()
		})
	}
	wg.Wait()
}

func (c *groupPropsCache) fetchOne(ctx context.Context, groupTypeIndex int) map[string]any {
	key, ok := c.lookup(ctx, groupTypeIndex)
	if !ok {
		return map[string]any{}
	}
	props, err := c.fetch(ctx, c.teamID, groupTypeIndex, key)
	if err != nil || props == nil {
		return map[string]any{}
	}
	return props
}

func (c *groupPropsCache) get(groupTypeIndex int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[groupTypeIndex]
}

// ConditionEvaluator implements spec.md §4.7 step 4's per-condition match
// logic: property filters (split into cohort vs non-cohort), then the
// rollout gate.
type ConditionEvaluator struct {
	cohorts *CohortResolver
}

// NewConditionEvaluator builds an evaluator over the given cohort resolver.
func NewConditionEvaluator(cohorts *CohortResolver) *ConditionEvaluator {
	return &ConditionEvaluator{cohorts: cohorts}
}

// Evaluate matches a single condition against in. The returned Reason is
// meaningful only together with the bool: ReasonConditionMatch /
// ReasonOutOfRolloutBound on a successful filter pass, ReasonNoConditionMatch
// when the filters themselves failed. A non-nil error means a cohort lookup
// failed fatally (CohortNotFound / CohortDependencyCycle); the caller aborts
// evaluation of the whole flag, per spec.md §7.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond Condition, in conditionInput) (bool, Reason, error) {
	if len(cond.Properties) > 0 {
		matched, err := e.filtersMatch(ctx, cond.Properties, in)
		if err != nil {
			return false, ReasonNoConditionMatch, err
		}
		if !matched {
			return false, ReasonNoConditionMatch, nil
		}
	}

	rollout := cond.Rollout()
	if rollout >= 100 {
		return true, ReasonConditionMatch, nil
	}
	if rolloutHash(in.flagKey, in.identifier, "") <= rollout/100 {
		return true, ReasonConditionMatch, nil
	}
	return false, ReasonOutOfRolloutBound, nil
}

// filtersMatch evaluates a condition's (or holdout's) full filter list:
// non-cohort filters first via the match_property oracle, then cohort
// filters via CohortResolver (spec.md §4.7 step 4).
func (e *ConditionEvaluator) filtersMatch(ctx context.Context, filters []PropertyFilter, in conditionInput) (bool, error) {
	merged := mergeProperties(in.fetched, in.overrides)

	var cohortFilters []PropertyFilter
	for _, f := range filters {
		if f.IsCohort() {
			cohortFilters = append(cohortFilters, f)
			continue
		}
		if !matchProperty(f, merged) {
			return false, nil
		}
	}

	for _, f := range cohortFilters {
		cohortID, ok := cohortFilterTargetID(f)
		if !ok {
			return false, nil
		}
		memberValue, err := e.cohorts.Evaluate(ctx, in.teamID, cohortID, merged, in.staticCohortMatches, in.personID, in.groupProps)
		if err != nil {
			return false, err
		}
		if !cohortFilterPasses(f.Operator, memberValue) {
			return false, nil
		}
	}

	return true, nil
}

// mergeProperties overlays overrides on top of fetched, per key, with
// overrides taking precedence ("overrides preferred; fall back to fetched
// cache", spec.md §4.7 step 4).
func mergeProperties(fetched, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return fetched
	}
	merged := make(map[string]any, len(fetched)+len(overrides))
	for k, v := range fetched {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
