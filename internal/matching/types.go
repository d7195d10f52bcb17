// Package matching implements the per-request feature-flag evaluation engine:
// condition/super-condition/holdout resolution, deterministic hashing, cohort
// dependency resolution, property-override short-circuiting, and the
// hash-key-override continuity protocol.
package matching

import "encoding/json"

// PropertyOperator is the comparison operator carried by a PropertyFilter.
// Matching itself is delegated to the match_property oracle (propertymatch.go);
// outside that oracle, this package interprets operator semantics only for the
// cohort "in"/"not_in" special case in CohortResolver.
type PropertyOperator string

const (
	OpExact       PropertyOperator = "exact"
	OpIsNot       PropertyOperator = "is_not"
	OpIContains   PropertyOperator = "icontains"
	OpNotIContains PropertyOperator = "not_icontains"
	OpRegex       PropertyOperator = "regex"
	OpNotRegex    PropertyOperator = "not_regex"
	OpGT          PropertyOperator = "gt"
	OpLT          PropertyOperator = "lt"
	OpGTE         PropertyOperator = "gte"
	OpLTE         PropertyOperator = "lte"
	OpIsSet       PropertyOperator = "is_set"
	OpIsNotSet    PropertyOperator = "is_not_set"
	OpIn          PropertyOperator = "in"
	OpNotIn       PropertyOperator = "not_in"
)

// PropertyType distinguishes cohort-typed filters, which force DB-backed
// evaluation and are dispatched to CohortResolver, from ordinary property
// filters, which are dispatched to the match_property oracle.
type PropertyType string

const (
	PropertyTypeCohort  PropertyType = "cohort"
	PropertyTypePerson  PropertyType = "person"
	PropertyTypeGroup   PropertyType = "group"
	PropertyTypeDefault PropertyType = ""
)

// PropertyFilter is a single filter clause within a Condition or a Cohort's
// filter list. For cohort-typed filters, Value holds the referenced cohort id
// and Operator is either OpIn or OpNotIn; any other operator on a cohort
// filter degrades to false per spec.
type PropertyFilter struct {
	Key      string           `json:"key"`
	Operator PropertyOperator `json:"operator"`
	Value    any              `json:"value"`
	Type     PropertyType     `json:"type"`
	// GroupTypeIndex names which group type a PropertyTypeGroup filter reads
	// from. It is only set when the filter targets a group type other than
	// the flag's (or cohort's) own aggregation target, e.g. a person-aggregated
	// flag with a cohort dependency that also constrains an organization
	// property; such filters trigger PropertyFetcher's late-binding fetch
	// (spec.md §4.5) rather than reading the request's already-fetched map.
	GroupTypeIndex *int `json:"group_type_index,omitempty"`
}

// IsCohort reports whether this filter targets cohort membership rather than
// an ordinary property.
func (f PropertyFilter) IsCohort() bool {
	return f.Type == PropertyTypeCohort
}

// Condition is one element of a flag's ordered condition list (Filters.Groups),
// or of its super_groups / holdout_groups lists.
type Condition struct {
	Properties        []PropertyFilter `json:"properties,omitempty"`
	RolloutPercentage *float64         `json:"rollout_percentage,omitempty"`
	Variant           *string          `json:"variant,omitempty"`
}

// Rollout returns the condition's rollout percentage, defaulting to 100 when
// unset (spec.md §3: "default 100").
func (c Condition) Rollout() float64 {
	if c.RolloutPercentage == nil {
		return 100
	}
	return *c.RolloutPercentage
}

// VariantSpec is one arm of a flag's multivariate test.
type VariantSpec struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// Multivariate holds the ordered variant list; percentages must sum to 100.
type Multivariate struct {
	Variants []VariantSpec `json:"variants"`
}

// FlagFilters is the `filters` blob of a Flag, parsed from the
// flag-definition store (schema parsing is an external collaborator per
// spec.md §1, implemented in internal/flagstore).
type FlagFilters struct {
	Groups                    []Condition                `json:"groups"`
	Multivariate              *Multivariate               `json:"multivariate,omitempty"`
	AggregationGroupTypeIndex *int                        `json:"aggregation_group_type_index,omitempty"`
	Payloads                  map[string]json.RawMessage  `json:"payloads,omitempty"`
	SuperGroups               []Condition                 `json:"super_groups,omitempty"`
	HoldoutGroups             []Condition                 `json:"holdout_groups,omitempty"`
}

// IsGroupAggregated reports whether the flag aggregates over a group type
// rather than a person (spec.md §3).
func (f FlagFilters) IsGroupAggregated() bool {
	return f.AggregationGroupTypeIndex != nil
}

// Flag is a feature-flag definition as seen by the matcher.
type Flag struct {
	ID                         int64
	TeamID                     int64
	Key                        string
	Active                     bool
	Deleted                    bool
	EnsureExperienceContinuity bool
	Filters                    FlagFilters
}

// Cohort is a cohort definition as seen by the matcher.
// Static cohorts carry no Filters; membership comes from the join table via
// CohortResolver's static-cohort query (StaticCohortFetcher). Dynamic cohorts carry Filters, each
// of which may itself be cohort-typed (a dependency edge).
type Cohort struct {
	ID       int64
	TeamID   int64
	IsStatic bool
	Filters  []PropertyFilter
}

// DependencyIDs returns the cohort ids this cohort's filter list directly
// depends on (used by CohortResolver to build the BFS dependency graph).
func (c Cohort) DependencyIDs() []int64 {
	var ids []int64
	for _, f := range c.Filters {
		if f.IsCohort() {
			if id, ok := cohortFilterTargetID(f); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func cohortFilterTargetID(f PropertyFilter) (int64, bool) {
	switch v := f.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Reason is the enumerated outcome reason attached to every evaluated flag.
type Reason string

const (
	ReasonNoGroupType         Reason = "no_group_type"
	ReasonNoConditionMatch    Reason = "no_condition_match"
	ReasonOutOfRolloutBound   Reason = "out_of_rollout_bound"
	ReasonConditionMatch      Reason = "condition_match"
	ReasonHoldoutConditionVal Reason = "holdout_condition_value"
	ReasonSuperConditionValue Reason = "super_condition_value"
)

// priority gives Reason a total order so the "best reason so far" tracker
// (spec.md §4.7) can be implemented with a plain max() instead of bespoke
// comparison logic (spec.md §9).
var priority = map[Reason]int{
	ReasonNoGroupType:         0,
	ReasonNoConditionMatch:    1,
	ReasonOutOfRolloutBound:   2,
	ReasonConditionMatch:      3,
	ReasonHoldoutConditionVal: 4,
	ReasonSuperConditionValue: 5,
}

// higherPriority reports whether candidate outranks current in the ascending
// order from spec.md §4.7.
func higherPriority(candidate, current Reason) bool {
	return priority[candidate] > priority[current]
}

// FlagResult is the per-flag outcome, before being keyed into BatchResponse.Flags.
type FlagResult struct {
	Enabled       bool            `json:"enabled"`
	Variant       *string         `json:"variant,omitempty"`
	Reason        Reason          `json:"reason"`
	ConditionIndex *int           `json:"condition_index,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// BatchResponse is the outcome of Matcher.EvaluateAll.
type BatchResponse struct {
	ErrorsWhileComputing bool                  `json:"errors_while_computing"`
	Flags                map[string]FlagResult `json:"flags"`
}
