package flagstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// CohortLoader loads the full set of cohort definitions for a team. It is
// the read-through source internal/cohortcache.Cache refreshes from; the
// cache itself is this package's caller, not an implementation detail here.
type CohortLoader interface {
	LoadCohorts(ctx context.Context, teamID int64) ([]matching.Cohort, error)
}

// PostgresCohortLoader implements CohortLoader against the cohort table.
type PostgresCohortLoader struct {
	pool *pgxpool.Pool
}

// NewPostgresCohortLoader wraps an existing reader pool.
func NewPostgresCohortLoader(pool *pgxpool.Pool) *PostgresCohortLoader {
	return &PostgresCohortLoader{pool: pool}
}

// LoadCohorts returns every cohort definition for teamID, with each row's
// filters JSONB decoded into matching.Cohort.Filters.
func (l *PostgresCohortLoader) LoadCohorts(ctx context.Context, teamID int64) (_ []matching.Cohort, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "LoadCohorts", attribute.Int64("team_id", teamID))
	defer func() { end(err) }()

	rows, err := l.pool.Query(ctx,
		`SELECT id, team_id, is_static, filters FROM cohort WHERE team_id = $1`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cohorts: %w", err)
	}
	defer rows.Close()

	var out []matching.Cohort
	for rows.Next() {
		var (
			cohort  matching.Cohort
			rawJSON []byte
		)
		if err := rows.Scan(&cohort.ID, &cohort.TeamID, &cohort.IsStatic, &rawJSON); err != nil {
			return nil, err
		}
		filters, err := decodeCohortFilters(rawJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding cohort %d filters: %w", cohort.ID, err)
		}
		cohort.Filters = filters
		out = append(out, cohort)
	}
	return out, rows.Err()
}

func decodeCohortFilters(raw []byte) ([]matching.PropertyFilter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var filters []matching.PropertyFilter
	if err := json.Unmarshal(raw, &filters); err != nil {
		return nil, err
	}
	return filters, nil
}
