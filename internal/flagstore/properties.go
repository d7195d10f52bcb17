package flagstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// PostgresReader implements matching.PropertyStore and
// matching.StaticCohortFetcher against the schema's person/person_distinct_id
// and group tables. It is built on the reader pool: spec.md's shared-resource
// policy keeps every read off the writer role.
type PostgresReader struct {
	pool *pgxpool.Pool
}

// NewPostgresReader wraps an existing reader pool.
func NewPostgresReader(pool *pgxpool.Pool) *PostgresReader {
	return &PostgresReader{pool: pool}
}

// fetchPropertiesQuery pulls person_id, person_properties, and group
// properties (keyed by group_type_index) in one round trip: three
// parenthesized subqueries rather than a person query followed by a
// per-group lookup. The group subquery aggregates over the requested
// (group_type_index, group_key) pairs, unnested from their parallel arrays,
// so adding a group to match against never adds a statement.
const fetchPropertiesQuery = `
SELECT
	(
		SELECT p.id
		  FROM person p
		  JOIN person_distinct_id pd ON pd.person_id = p.id
		 WHERE pd.team_id = $1 AND pd.distinct_id = $2
		 LIMIT 1
	) AS person_id,
	(
		SELECT p.properties
		  FROM person p
		  JOIN person_distinct_id pd ON pd.person_id = p.id
		 WHERE pd.team_id = $1 AND pd.distinct_id = $2
		 LIMIT 1
	) AS person_properties,
	(
		SELECT json_object_agg(g.group_type_index, g.properties)
		  FROM "group" g
		  JOIN unnest($3::int[], $4::text[]) AS req(group_type_index, group_key)
		    ON req.group_type_index = g.group_type_index AND req.group_key = g.group_key
		 WHERE g.team_id = $1
	) AS group_properties
`

// FetchProperties resolves distinctID to a person (and its properties) plus,
// for each requested group, the group's own properties, in a single
// coalesced statement: the request-local cache this seeds is built from one
// round trip regardless of how many groups are requested.
func (r *PostgresReader) FetchProperties(ctx context.Context, distinctID string, teamID int64, groups []matching.GroupKeyRequest) (_ *matching.FetchedProperties, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "FetchProperties", attribute.Int64("team_id", teamID), attribute.Int("group_count", len(groups)))
	defer func() { end(err) }()

	typeIndexes := make([]int, len(groups))
	groupKeys := make([]string, len(groups))
	for i, g := range groups {
		typeIndexes[i] = g.GroupTypeIndex
		groupKeys[i] = g.GroupKey
	}

	var (
		personID   *int64
		personJSON []byte
		groupsJSON []byte
	)
	err = r.pool.QueryRow(ctx, fetchPropertiesQuery, teamID, distinctID, typeIndexes, groupKeys).
		Scan(&personID, &personJSON, &groupsJSON)
	if err != nil {
		return nil, fmt.Errorf("querying coalesced properties: %w", err)
	}

	out := &matching.FetchedProperties{
		GroupProperties: make(map[int]map[string]any, len(groups)),
	}
	if personID != nil {
		props, perr := decodeProperties(personJSON)
		if perr != nil {
			return nil, fmt.Errorf("decoding person properties: %w", perr)
		}
		out.PersonID = personID
		out.PersonProperties = props
	}

	var rawGroups map[string]json.RawMessage
	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &rawGroups); err != nil {
			return nil, fmt.Errorf("decoding group properties: %w", err)
		}
	}
	for _, g := range groups {
		raw, ok := rawGroups[strconv.Itoa(g.GroupTypeIndex)]
		if !ok {
			out.GroupProperties[g.GroupTypeIndex] = map[string]any{}
			continue
		}
		props, gerr := decodeProperties(raw)
		if gerr != nil {
			return nil, fmt.Errorf("decoding group %d properties: %w", g.GroupTypeIndex, gerr)
		}
		out.GroupProperties[g.GroupTypeIndex] = props
	}
	return out, nil
}

// FetchGroupPropertiesByType resolves one group's own properties. A group
// with no matching row returns an empty map rather than an error: an unknown
// group simply carries no properties to match against.
func (r *PostgresReader) FetchGroupPropertiesByType(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string) (map[string]any, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT properties FROM "group" WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3`,
		teamID, groupTypeIndex, groupKey,
	).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("querying group properties: %w", err)
	}
	return decodeProperties(raw)
}

// FetchStaticCohortMemberships reports, for a fixed personID, which of
// cohortIDs the person belongs to via the cohort_people join table.
func (r *PostgresReader) FetchStaticCohortMemberships(ctx context.Context, personID int64, cohortIDs []int64) (_ map[int64]bool, err error) {
	out := make(map[int64]bool, len(cohortIDs))
	if len(cohortIDs) == 0 {
		return out, nil
	}

	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "FetchStaticCohortMemberships", attribute.Int64("person_id", personID), attribute.Int("cohort_count", len(cohortIDs)))
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx,
		`SELECT cohort_id FROM cohort_people WHERE person_id = $1 AND cohort_id = ANY($2)`,
		personID, cohortIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying static cohort memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cohortID int64
		if err := rows.Scan(&cohortID); err != nil {
			return nil, err
		}
		out[cohortID] = true
	}
	return out, rows.Err()
}
