package matching

import (
	"context"
)

// CohortCache is the read-only (from the matcher's perspective) cohort
// definition cache described in spec.md §1 ("a separate cache is assumed").
// internal/cohortcache provides the production-shaped, periodically-refreshed
// implementation.
type CohortCache interface {
	GetCohort(ctx context.Context, teamID, cohortID int64) (*Cohort, error)
}

// StaticCohortFetcher resolves static-cohort membership for a person in one
// round-trip, per spec.md §4.4/§4.5.
type StaticCohortFetcher interface {
	FetchStaticCohortMemberships(ctx context.Context, personID int64, cohortIDs []int64) (map[int64]bool, error)
}

// CohortResolver evaluates static and dynamic cohort membership.
type CohortResolver struct {
	cache  CohortCache
	static StaticCohortFetcher
}

// NewCohortResolver builds a resolver over the given cache and static fetcher.
func NewCohortResolver(cache CohortCache, static StaticCohortFetcher) *CohortResolver {
	return &CohortResolver{cache: cache, static: static}
}

// ResolveStatic resolves membership for personID against every static cohort
// id in cohortIDs in one round-trip (spec.md §4.5). The result seeds
// requestState.staticCohortMatches once per request.
func (r *CohortResolver) ResolveStatic(ctx context.Context, personID int64, cohortIDs []int64) (map[int64]bool, error) {
	if len(cohortIDs) == 0 {
		return map[int64]bool{}, nil
	}
	matches, err := r.static.FetchStaticCohortMemberships(ctx, personID, cohortIDs)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return matches, nil
}

// Evaluate resolves membership for a single cohort-typed filter's target
// cohort: a static cohort is looked up in the request's pre-fetched
// staticMatches (spec.md §4.4 step 0), falling back to a single-cohort fetch
// for static cohorts discovered only as a nested dependency; a dynamic cohort
// runs the full dependency resolution. personID is nil for group-aggregated
// evaluations, in which case an unresolved static dependency is recorded
// false rather than fetched (there is no person to look membership up for).
func (r *CohortResolver) Evaluate(ctx context.Context, teamID, cohortID int64, targetProps map[string]any, staticMatches map[int64]bool, personID *int64, groupProps *groupPropsCache) (bool, error) {
	cohort, err := r.cache.GetCohort(ctx, teamID, cohortID)
	if err != nil {
		return false, errCohortNotFound(cohortID)
	}
	if cohort.IsStatic {
		return r.staticMembership(ctx, cohortID, staticMatches, personID), nil
	}
	return r.ResolveDynamic(ctx, teamID, cohortID, targetProps, staticMatches, personID, groupProps)
}

// staticMembership returns a static cohort's pre-fetched membership value,
// lazily backfilling staticMatches (mutated in place, visible to the rest of
// the request) when the cohort was discovered only as a nested dependency
// and never part of the initial coalesced static-cohort fetch.
func (r *CohortResolver) staticMembership(ctx context.Context, cohortID int64, staticMatches map[int64]bool, personID *int64) bool {
	if value, known := staticMatches[cohortID]; known {
		return value
	}
	if personID == nil {
		return false
	}
	fetched, err := r.static.FetchStaticCohortMemberships(ctx, *personID, []int64{cohortID})
	if err != nil {
		staticMatches[cohortID] = false
		return false
	}
	value := fetched[cohortID]
	staticMatches[cohortID] = value
	return value
}

// cohortFilterPasses implements the membership logic of spec.md §4.4: each
// cohort filter carries an operator (in / not_in; anything else degrades to
// false), and the filter passes according to whether the referenced cohort's
// membership value agrees with that operator.
func cohortFilterPasses(op PropertyOperator, memberValue bool) bool {
	switch op {
	case OpIn:
		return memberValue
	case OpNotIn:
		return !memberValue
	default:
		return false
	}
}

// cohortGraphNode tracks one dynamic cohort discovered during the BFS.
type cohortGraphNode struct {
	cohort *Cohort
	deps   []int64 // dynamic-cohort dependency ids only
}

// ResolveDynamic evaluates whether targetProps (the person or group's
// properties) matches the dynamic cohort rootID, resolving its dependency
// graph with BFS + Kahn's-algorithm cycle detection and evaluating in reverse
// topological order (spec.md §4.4, §9). staticMatches supplies already-known
// static-cohort membership for any static cohort referenced as a dependency;
// static cohorts are never added to the traversal graph themselves.
func (r *CohortResolver) ResolveDynamic(ctx context.Context, teamID, rootID int64, targetProps map[string]any, staticMatches map[int64]bool, personID *int64, groupProps *groupPropsCache) (bool, error) {
	nodes := make(map[int64]*cohortGraphNode)
	order, err := r.buildAndOrder(ctx, teamID, rootID, nodes)
	if err != nil {
		return false, err
	}

	results := make(map[int64]bool, len(order))
	for _, id := range order {
		node := nodes[id]
		results[id] = r.evaluateCohortNode(ctx, node, targetProps, staticMatches, results, personID, groupProps)
	}

	return results[rootID], nil
}

// buildAndOrder performs the BFS discovery of spec.md §4.4 step 1, then a
// Kahn's-algorithm topological sort (step 2); on a cycle it returns
// CohortDependencyCycle naming rootID.
func (r *CohortResolver) buildAndOrder(ctx context.Context, teamID, rootID int64, nodes map[int64]*cohortGraphNode) ([]int64, error) {
	visited := map[int64]bool{}
	queue := []int64{rootID}
	visited[rootID] = true

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		cohort, err := r.cache.GetCohort(ctx, teamID, id)
		if err != nil {
			return nil, errCohortNotFound(id)
		}
		if cohort.IsStatic {
			// Static cohorts are excluded from dynamic dependency traversal
			// (spec.md §4.4); they contribute no node/edges of their own.
			continue
		}

		var dynamicDeps []int64
		for _, depID := range cohort.DependencyIDs() {
			dep, err := r.cache.GetCohort(ctx, teamID, depID)
			if err != nil {
				return nil, errCohortNotFound(depID)
			}
			if dep.IsStatic {
				continue // resolved via staticMatches, not the graph
			}
			dynamicDeps = append(dynamicDeps, depID)
			if !visited[depID] {
				visited[depID] = true
				queue = append(queue, depID)
			}
		}
		nodes[id] = &cohortGraphNode{cohort: cohort, deps: dynamicDeps}
	}

	return kahnOrder(nodes, rootID)
}

// kahnOrder runs Kahn's algorithm over the cohort->dependency adjacency
// (edges point from a cohort to the dependencies it needs evaluated first)
// and returns ids in reverse-topological (dependencies-first) order.
func kahnOrder(nodes map[int64]*cohortGraphNode, rootID int64) ([]int64, error) {
	inDegree := make(map[int64]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, node := range nodes {
		for _, dep := range node.deps {
			inDegree[dep]++
		}
	}

	// Nodes with in-degree 0 have nothing depending on them yet in our
	// reversed walk; start from leaves (no outgoing deps) instead, since we
	// want dependencies evaluated before dependents.
	outDegree := make(map[int64]int, len(nodes))
	for id, node := range nodes {
		outDegree[id] = len(node.deps)
	}
	// dependents[depID] = list of cohorts that depend on depID
	dependents := make(map[int64][]int64)
	for id, node := range nodes {
		for _, dep := range node.deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []int64
	for id, deg := range outDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var order []int64
	visited := make(map[int64]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)
		for _, dependent := range dependents[id] {
			outDegree[dependent]--
			if outDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, errCohortDependencyCycle(rootID)
	}
	return order, nil
}

// evaluateCohortNode implements spec.md §4.4 step 3: a cohort matches iff
// every dependency cohort already in results evaluated true (through its
// in/not_in operator) AND every non-cohort property filter matches
// targetProps. A failed/unresolvable dependency records false rather than
// aborting, since a parent filter may wrap it in not_in.
func (r *CohortResolver) evaluateCohortNode(ctx context.Context, node *cohortGraphNode, targetProps map[string]any, staticMatches map[int64]bool, results map[int64]bool, personID *int64, groupProps *groupPropsCache) bool {
	var crossGroup []int
	if groupProps != nil {
		for _, f := range node.cohort.Filters {
			if !f.IsCohort() && f.Type == PropertyTypeGroup && f.GroupTypeIndex != nil {
				crossGroup = append(crossGroup, *f.GroupTypeIndex)
			}
		}
		if len(crossGroup) > 0 {
			groupProps.resolve(ctx, crossGroup)
		}
	}

	for _, f := range node.cohort.Filters {
		if f.IsCohort() {
			depID, ok := cohortFilterTargetID(f)
			if !ok {
				return false
			}
			memberValue, known := results[depID]
			if !known {
				memberValue = r.staticMembership(ctx, depID, staticMatches, personID)
			}
			if !cohortFilterPasses(f.Operator, memberValue) {
				return false
			}
			continue
		}
		// A cohort filter discovered only through dependency traversal may
		// constrain a different group type than the one the flag being
		// evaluated aggregates on (spec.md §4.5 "late-binding cohort
		// evaluations"); fetch that group's properties on demand instead of
		// matching against the caller's own targetProps.
		props := targetProps
		if f.Type == PropertyTypeGroup && f.GroupTypeIndex != nil && groupProps != nil {
			props = groupProps.get(*f.GroupTypeIndex)
		}
		if !matchProperty(f, props) {
			return false
		}
	}
	return true
}
