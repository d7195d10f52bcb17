package matching

import (
	"context"
	"encoding/json"
	"sort"
)

// Reader aggregates every read-role collaborator the matcher needs: property
// and static-cohort fetches plus the continuity table's read side. A single
// interface keeps NewMatcher's signature close to spec.md §6's
// "NewMatcher(..., reader, writer, ...)" shape while still letting
// internal/flagstore hand over one pgxpool-backed reader implementation.
type Reader interface {
	PropertyStore
	StaticCohortFetcher
	HashKeyOverrideReader
}

// Matcher is the per-request evaluator: spec.md §6's library boundary.
// A Matcher is used by at most one concurrent caller (spec.md §5); create one
// per request.
type Matcher struct {
	distinctID string
	teamID     int64
	projectID  int64

	reader Reader
	writer HashKeyOverrideWriter

	groupTypeCache *GroupTypeCache
	groups         map[string]string // group-type name -> group key, supplied by the caller

	cohorts          *CohortResolver
	properties       *PropertyFetcher
	conditions       *ConditionEvaluator
	hashKeyOverrides *HashKeyOverrideManager
}

// NewMatcher builds a Matcher for one evaluation request. cohortCache is the
// shared, read-only cohort definition cache (spec.md §1). groupTypeCache may
// be nil when the caller knows no group-aggregated flag will be evaluated;
// groups maps group-type name to the caller-supplied group key for that type.
func NewMatcher(distinctID string, teamID, projectID int64, reader Reader, writer HashKeyOverrideWriter, cohortCache CohortCache, groupTypeCache *GroupTypeCache, groups map[string]string) *Matcher {
	cohorts := NewCohortResolver(cohortCache, reader)
	return &Matcher{
		distinctID:       distinctID,
		teamID:           teamID,
		projectID:        projectID,
		reader:           reader,
		writer:           writer,
		groupTypeCache:   groupTypeCache,
		groups:           groups,
		cohorts:          cohorts,
		properties:       NewPropertyFetcher(reader),
		conditions:       NewConditionEvaluator(cohorts),
		hashKeyOverrides: NewHashKeyOverrideManager(reader, writer),
	}
}

// requestState holds the pass-2 pre-warm results, shared across every
// deferred flag in this request (spec.md §4.8).
type requestState struct {
	personID            *int64
	personProperties    map[string]any
	groupProperties     map[int]map[string]any
	staticCohortMatches map[int64]bool
	groupProps          *groupPropsCache
}

// EvaluateAll implements BatchEvaluator (spec.md §4.8): a two-pass evaluation
// of flags in input order, against personOverrides/groupOverrides (keyed by
// group-type name) and an optional hashKeyOverride for continuity.
func (m *Matcher) EvaluateAll(ctx context.Context, flags []Flag, personOverrides map[string]any, groupOverrides map[string]map[string]any, hashKeyOverride string) *BatchResponse {
	resp := &BatchResponse{Flags: make(map[string]FlagResult, len(flags))}

	hashKeyOverrides, err := m.ensureContinuity(ctx, flags, hashKeyOverride)
	if err != nil {
		resp.ErrorsWhileComputing = true
	}

	var deferred []Flag
	for _, flag := range flags {
		if result, ok := m.tryOverridesOnly(ctx, flag, personOverrides, groupOverrides, hashKeyOverrides); ok {
			if result.Error != "" {
				resp.ErrorsWhileComputing = true
			}
			resp.Flags[flag.Key] = result
			continue
		}
		deferred = append(deferred, flag)
	}

	if len(deferred) == 0 {
		return resp
	}

	state, err := m.prewarm(ctx, deferred)
	if err != nil {
		resp.ErrorsWhileComputing = true
		kind := string(kindOf(err))
		for _, flag := range deferred {
			resp.Flags[flag.Key] = FlagResult{Enabled: false, Reason: ReasonNoConditionMatch, Error: kind}
		}
		return resp
	}

	for _, flag := range deferred {
		result := m.evaluateDeferredFlag(ctx, flag, personOverrides, groupOverrides, hashKeyOverrides, state)
		if result.Error != "" {
			resp.ErrorsWhileComputing = true
		}
		resp.Flags[flag.Key] = result
	}

	return resp
}

// ensureContinuity runs the hash-key-override protocol once per request, only
// if at least one flag needs it and the caller supplied an override
// (spec.md §4.6).
func (m *Matcher) ensureContinuity(ctx context.Context, flags []Flag, hashKeyOverride string) (map[string]string, error) {
	if hashKeyOverride == "" {
		return nil, nil
	}
	var keys []string
	for _, flag := range flags {
		if flag.EnsureExperienceContinuity {
			keys = append(keys, flag.Key)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return m.hashKeyOverrides.Ensure(ctx, m.teamID, m.distinctID, hashKeyOverride, keys)
}

// tryOverridesOnly implements BatchEvaluator pass 1 (spec.md §4.8): evaluate
// with no DB access when PropertyOverrideGate says the flag is fully
// resolvable from the supplied overrides. ok is false when the flag must be
// deferred to the DB-backed pass.
func (m *Matcher) tryOverridesOnly(ctx context.Context, flag Flag, personOverrides map[string]any, groupOverrides map[string]map[string]any, hashKeyOverrides map[string]string) (FlagResult, bool) {
	if flag.Deleted || !flag.Active {
		return FlagResult{Enabled: false, Reason: ReasonNoConditionMatch}, true
	}

	identifier, baseIdentifier, groupTypeName, err := m.resolveIdentifier(ctx, flag, hashKeyOverrides)
	if err != nil {
		// Group-type resolution failure: fatal for this (group-aggregated)
		// flag only, resolved without any further DB access.
		return FlagResult{Enabled: false, Reason: ReasonNoGroupType, Error: string(kindOf(err))}, true
	}
	if identifier == "" {
		return FlagResult{Enabled: false, Reason: ReasonNoGroupType}, true
	}

	overrides := m.overridesFor(flag, groupTypeName, personOverrides, groupOverrides)
	if !flagFullyResolvableFromOverrides(flag, overrides) {
		return FlagResult{}, false
	}

	result, err := m.evaluateFlagCore(ctx, flag, identifier, baseIdentifier, overrides, nil, nil, nil, nil)
	if err != nil {
		return FlagResult{Enabled: false, Reason: ReasonNoConditionMatch, Error: string(kindOf(err))}, true
	}
	return result, true
}

// evaluateDeferredFlag runs a flag through the full DB-backed path (pass 2),
// using the request's pre-warmed state.
func (m *Matcher) evaluateDeferredFlag(ctx context.Context, flag Flag, personOverrides map[string]any, groupOverrides map[string]map[string]any, hashKeyOverrides map[string]string, state *requestState) FlagResult {
	if flag.Deleted || !flag.Active {
		return FlagResult{Enabled: false, Reason: ReasonNoConditionMatch}
	}

	identifier, baseIdentifier, groupTypeName, err := m.resolveIdentifier(ctx, flag, hashKeyOverrides)
	if err != nil {
		return FlagResult{Enabled: false, Reason: ReasonNoGroupType, Error: string(kindOf(err))}
	}
	if identifier == "" {
		return FlagResult{Enabled: false, Reason: ReasonNoGroupType}
	}

	overrides := m.overridesFor(flag, groupTypeName, personOverrides, groupOverrides)
	fetched := m.fetchedFor(flag, state)

	result, err := m.evaluateFlagCore(ctx, flag, identifier, baseIdentifier, overrides, fetched, state.staticCohortMatches, state.personID, state.groupProps)
	if err != nil {
		return FlagResult{Enabled: false, Reason: ReasonNoConditionMatch, Error: string(kindOf(err))}
	}
	return result
}

// prewarm implements BatchEvaluator pass 2's pre-warm step (spec.md §4.8):
// one coalesced property fetch covering every group index/key the deferred
// flags require, plus one static-cohort membership fetch covering every
// cohort id they directly reference.
func (m *Matcher) prewarm(ctx context.Context, deferred []Flag) (*requestState, error) {
	groupReqs := m.requiredGroupKeys(ctx, deferred)

	fetched, err := m.properties.Fetch(ctx, m.distinctID, m.teamID, groupReqs)
	if err != nil {
		return nil, err
	}

	state := &requestState{
		personID:         fetched.PersonID,
		personProperties: fetched.PersonProperties,
		groupProperties:  fetched.GroupProperties,
	}
	state.groupProps = newGroupPropsCache(m.teamID, fetched.GroupProperties, m.groupKeyForIndex, m.properties.FetchGroupPropertiesByType)

	cohortIDs := requiredCohortIDs(deferred)
	if len(cohortIDs) > 0 && fetched.PersonID != nil {
		matches, err := m.cohorts.ResolveStatic(ctx, *fetched.PersonID, cohortIDs)
		if err != nil {
			return nil, err
		}
		state.staticCohortMatches = matches
	} else {
		state.staticCohortMatches = map[int64]bool{}
	}

	return state, nil
}

// groupKeyForIndex resolves a group-type index to the caller-supplied group
// key for this request, for groupPropsCache's late-binding fetch.
func (m *Matcher) groupKeyForIndex(ctx context.Context, groupTypeIndex int) (string, bool) {
	if m.groupTypeCache == nil {
		return "", false
	}
	name, err := m.groupTypeCache.NameForIndex(ctx, m.projectID, groupTypeIndex)
	if err != nil {
		return "", false
	}
	key := m.groups[name]
	return key, key != ""
}

// requiredGroupKeys resolves the distinct (group_type_index, group_key) pairs
// the deferred group-aggregated flags need. A flag whose group-type name or
// key cannot be resolved is skipped here; it fails with NoGroupType at
// evaluation time instead.
func (m *Matcher) requiredGroupKeys(ctx context.Context, flags []Flag) []GroupKeyRequest {
	type seenKey struct {
		idx int
		key string
	}
	seen := map[seenKey]bool{}
	var out []GroupKeyRequest

	for _, flag := range flags {
		if !flag.Filters.IsGroupAggregated() || m.groupTypeCache == nil {
			continue
		}
		idx := *flag.Filters.AggregationGroupTypeIndex
		name, err := m.groupTypeCache.NameForIndex(ctx, m.projectID, idx)
		if err != nil {
			continue
		}
		key := m.groups[name]
		if key == "" {
			continue
		}
		sk := seenKey{idx: idx, key: key}
		if seen[sk] {
			continue
		}
		seen[sk] = true
		out = append(out, GroupKeyRequest{GroupTypeIndex: idx, GroupKey: key})
	}
	return out
}

// requiredCohortIDs gathers every cohort id directly referenced by a
// cohort-typed filter across the deferred flags' super/holdout/ordinary
// conditions, for the coalesced static-membership pre-warm.
func requiredCohortIDs(flags []Flag) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, flag := range flags {
		for _, cond := range relevantConditionsForOverrideCheck(flag) {
			for _, f := range cond.Properties {
				if !f.IsCohort() {
					continue
				}
				id, ok := cohortFilterTargetID(f)
				if !ok || seen[id] {
					continue
				}
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// resolveIdentifier implements spec.md §4.1's identifier selection. identifier
// is the hash identifier to use for rollout/variant/holdout bucketing
// (continuity-aware for person-aggregated flags); baseIdentifier is the same
// but always ignoring any hash-key override, used only by the holdout
// computed-variant fallback (spec.md §9 open question).
func (m *Matcher) resolveIdentifier(ctx context.Context, flag Flag, hashKeyOverrides map[string]string) (identifier, baseIdentifier, groupTypeName string, err error) {
	if !flag.Filters.IsGroupAggregated() {
		base := m.distinctID
		id := base
		if hk, ok := hashKeyOverrides[flag.Key]; ok && hk != "" {
			id = hk
		}
		return id, base, "", nil
	}

	if m.groupTypeCache == nil {
		return "", "", "", errNoGroupTypeMappings()
	}
	name, err := m.groupTypeCache.NameForIndex(ctx, m.projectID, *flag.Filters.AggregationGroupTypeIndex)
	if err != nil {
		return "", "", "", err
	}
	key := m.groups[name]
	return key, key, name, nil
}

// overridesFor selects the override map relevant to flag's aggregation kind.
func (m *Matcher) overridesFor(flag Flag, groupTypeName string, personOverrides map[string]any, groupOverrides map[string]map[string]any) map[string]any {
	if flag.Filters.IsGroupAggregated() {
		return groupOverrides[groupTypeName]
	}
	return personOverrides
}

// fetchedFor selects the fetched-property map relevant to flag's aggregation
// kind from the request's pre-warmed state.
func (m *Matcher) fetchedFor(flag Flag, state *requestState) map[string]any {
	if flag.Filters.IsGroupAggregated() {
		return state.groupProperties[*flag.Filters.AggregationGroupTypeIndex]
	}
	return state.personProperties
}

// relevantConditionsForOverrideCheck gathers the conditions a flag evaluation
// can possibly consult: the first super-condition, the first holdout, and
// every ordinary condition (spec.md §4.7).
func relevantConditionsForOverrideCheck(flag Flag) []Condition {
	var out []Condition
	if len(flag.Filters.SuperGroups) > 0 {
		out = append(out, flag.Filters.SuperGroups[0])
	}
	if len(flag.Filters.HoldoutGroups) > 0 {
		out = append(out, flag.Filters.HoldoutGroups[0])
	}
	out = append(out, flag.Filters.Groups...)
	return out
}

// flagFullyResolvableFromOverrides implements PropertyOverrideGate across a
// whole flag (spec.md §4.2, §8 "override precedence"): true iff every
// condition the flag could possibly consult is itself resolvable purely from
// overrides.
func flagFullyResolvableFromOverrides(flag Flag, overrides map[string]any) bool {
	for _, cond := range relevantConditionsForOverrideCheck(flag) {
		if !resolveFromOverrides(cond.Properties, overrides).sufficient {
			return false
		}
	}
	return true
}

// superConditionApplies reports whether the super-condition's filters
// reference at least one property that exists (even with value null) in the
// resolved properties (spec.md §4.7 step 2, §9 open question: null counts as
// present).
func superConditionApplies(cond Condition, overrides, fetched map[string]any) bool {
	merged := mergeProperties(fetched, overrides)
	for _, f := range cond.Properties {
		if _, ok := merged[f.Key]; ok {
			return true
		}
	}
	return false
}

// resolveVariant picks the variant for a matched condition: its own override
// if it names a real variant, else the computed variant from the flag's
// multivariate hash (spec.md §4.7 step 5).
func resolveVariant(cond Condition, flag Flag, identifier string) *string {
	if flag.Filters.Multivariate == nil {
		return nil
	}
	if cond.Variant != nil && hasVariant(flag.Filters.Multivariate.Variants, *cond.Variant) {
		return cond.Variant
	}
	variantHash := rolloutHash(flag.Key, identifier, "variant")
	if key, ok := selectVariant(flag.Filters.Multivariate.Variants, variantHash); ok {
		return &key
	}
	return nil
}

// payloadFor resolves the payload for variant (or payloads["true"] when
// variant is nil), per spec.md §3/§4.7 step 5.
func payloadFor(flag Flag, variant *string) json.RawMessage {
	key := "true"
	if variant != nil {
		key = *variant
	}
	return flag.Filters.Payloads[key]
}

// evaluateFlagCore implements ConditionEvaluator+FlagMatcher (spec.md §4.7)
// steps 2-6; step 1 (identifier resolution, including the NoGroupType
// short-circuit) has already run in the caller. fetched/staticCohortMatches/
// personID are nil in the overrides-only pass.
func (m *Matcher) evaluateFlagCore(ctx context.Context, flag Flag, identifier, baseIdentifier string, overrides, fetched map[string]any, staticCohortMatches map[int64]bool, personID *int64, groupProps *groupPropsCache) (FlagResult, error) {
	newInput := func() conditionInput {
		return conditionInput{
			flagKey:             flag.Key,
			identifier:          identifier,
			teamID:              flag.TeamID,
			overrides:           overrides,
			fetched:             fetched,
			staticCohortMatches: staticCohortMatches,
			personID:            personID,
			groupProps:          groupProps,
		}
	}

	if len(flag.Filters.SuperGroups) > 0 {
		cond := flag.Filters.SuperGroups[0]
		if superConditionApplies(cond, overrides, fetched) {
			matched, _, err := m.conditions.Evaluate(ctx, cond, newInput())
			if err != nil {
				return FlagResult{}, err
			}
			idx := 0
			result := FlagResult{Enabled: matched, Reason: ReasonSuperConditionValue, ConditionIndex: &idx}
			if matched {
				variant := resolveVariant(cond, flag, identifier)
				result.Variant = variant
				result.Payload = payloadFor(flag, variant)
			}
			return result, nil
		}
	}

	if len(flag.Filters.HoldoutGroups) > 0 {
		cond := flag.Filters.HoldoutGroups[0]
		if len(cond.Properties) == 0 {
			rollout := cond.Rollout()
			if rollout >= 100 || holdoutHash(identifier) <= rollout/100 {
				variant := "holdout"
				if cond.Variant != nil && *cond.Variant != "" {
					variant = *cond.Variant
				} else if flag.Filters.Multivariate != nil {
					// Open question (spec.md §9): the computed-variant fallback
					// deliberately ignores any hash-key override.
					variantHash := rolloutHash(flag.Key, baseIdentifier, "variant")
					if computed, ok := selectVariant(flag.Filters.Multivariate.Variants, variantHash); ok {
						variant = computed
					}
				}
				result := FlagResult{Enabled: true, Reason: ReasonHoldoutConditionVal, Variant: &variant}
				result.Payload = payloadFor(flag, &variant)
				return result, nil
			}
		}
		// Either the holdout carries property filters (unsupported this
		// release) or the rollout hash missed: fall through silently to
		// ordinary conditions.
	}

	type indexedCondition struct {
		cond Condition
		idx  int
	}
	sorted := make([]indexedCondition, len(flag.Filters.Groups))
	for i, c := range flag.Filters.Groups {
		sorted[i] = indexedCondition{cond: c, idx: i}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].cond.Variant != nil && sorted[j].cond.Variant == nil
	})

	bestReason := ReasonNoConditionMatch
	var bestIdx *int

	for _, ic := range sorted {
		input := newInput()
		matched, reason, err := m.conditions.Evaluate(ctx, ic.cond, input)
		if err != nil {
			return FlagResult{}, err
		}
		if matched {
			idx := ic.idx
			variant := resolveVariant(ic.cond, flag, identifier)
			result := FlagResult{Enabled: true, Reason: ReasonConditionMatch, ConditionIndex: &idx, Variant: variant}
			result.Payload = payloadFor(flag, variant)
			return result, nil
		}
		if higherPriority(reason, bestReason) {
			bestReason = reason
			idx := ic.idx
			bestIdx = &idx
		}
	}

	return FlagResult{Enabled: false, Reason: bestReason, ConditionIndex: bestIdx}, nil
}
