package matching

import (
	"context"

	"go.opentelemetry.io/otel"
)

// tracer emits spans around the evaluator's database round-trips. It resolves
// to a no-op implementation until the host process registers a real exporter
// via otel.SetTracerProvider, matching spec.md's treatment of tracing as an
// external, injectable collaborator the evaluator never hard-depends on.
var tracer = otel.Tracer("github.com/flagmatchio/evaluator/internal/matching")

// FetchedProperties is the result of one coalesced PropertyFetcher round-trip
// (spec.md §4.5).
type FetchedProperties struct {
	PersonID         *int64
	PersonProperties map[string]any
	GroupProperties  map[int]map[string]any // group_type_index -> properties
}

// GroupKeyRequest names one (group_index, group_key) pair the fetch must
// resolve properties for.
type GroupKeyRequest struct {
	GroupTypeIndex int
	GroupKey       string
}

// PropertyStore is the external collaborator backing PropertyFetcher: a
// single SQL round-trip resolving person id/properties plus the requested
// group properties (spec.md §4.5). internal/flagstore provides the
// PostgreSQL-backed implementation.
type PropertyStore interface {
	FetchProperties(ctx context.Context, distinctID string, teamID int64, groups []GroupKeyRequest) (*FetchedProperties, error)
	// FetchGroupPropertiesByType is the "fast path" fetch for late-binding
	// cohort evaluations that discover additional required properties after
	// the initial coalesced fetch (spec.md §4.5).
	FetchGroupPropertiesByType(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string) (map[string]any, error)
}

// PropertyFetcher performs the one coalesced fetch per request and seeds the
// matcher's request-scoped cache.
type PropertyFetcher struct {
	store PropertyStore
}

// NewPropertyFetcher builds a fetcher over the given store.
func NewPropertyFetcher(store PropertyStore) *PropertyFetcher {
	return &PropertyFetcher{store: store}
}

// Fetch resolves person id/properties and the requested group properties in
// one round-trip. A missing person is not an error: properties default to
// empty and the caller's subsequent evaluators treat missing keys as
// non-matching (spec.md §4.5, §7 PersonNotFound).
func (f *PropertyFetcher) Fetch(ctx context.Context, distinctID string, teamID int64, groups []GroupKeyRequest) (*FetchedProperties, error) {
	ctx, span := tracer.Start(ctx, "PropertyFetcher.Fetch")
	defer span.End()

	result, err := f.store.FetchProperties(ctx, distinctID, teamID, groups)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	if result.PersonProperties == nil {
		result.PersonProperties = map[string]any{}
	}
	if result.GroupProperties == nil {
		result.GroupProperties = map[int]map[string]any{}
	}
	return result, nil
}

// FetchGroupPropertiesByType is the late-binding fast path used when a
// dynamic cohort evaluation discovers it needs group properties that were not
// part of the initial coalesced fetch.
func (f *PropertyFetcher) FetchGroupPropertiesByType(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "PropertyFetcher.FetchGroupPropertiesByType")
	defer span.End()

	props, err := f.store.FetchGroupPropertiesByType(ctx, teamID, groupTypeIndex, groupKey)
	if err != nil {
		return nil, errDatabase(err.Error())
	}
	return props, nil
}
