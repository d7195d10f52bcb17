package flagstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// PostgresStore loads flag definitions from the feature_flag table, following
// the teacher's internal/store.PostgresStore shape but without the
// sqlc-generated query layer: flag-definition schema parsing is this
// package's own responsibility, not internal/matching's (spec.md excludes
// flag-definition loading from the core's collaborator set).
//
// feature_flag carries a filters json column in this schema; the persistence
// schema handed down to internal/matching's collaborators does not name one,
// because storing and parsing flag filters is out of scope for that package.
// Adding the column here is this package's own design decision, documented in
// DESIGN.md.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing reader pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectFlagColumns = `team_id, key, active, deleted, ensure_experience_continuity, filters`

func scanFlagRow(rows pgx.Rows) (matching.Flag, error) {
	var (
		flag    matching.Flag
		rawJSON []byte
	)
	if err := rows.Scan(&flag.TeamID, &flag.Key, &flag.Active, &flag.Deleted, &flag.EnsureExperienceContinuity, &rawJSON); err != nil {
		return matching.Flag{}, err
	}
	filters, err := parseFilters(rawJSON)
	if err != nil {
		return matching.Flag{}, fmt.Errorf("parsing filters for flag %q: %w", flag.Key, err)
	}
	flag.Filters = filters
	return flag, nil
}

// GetActiveFlags returns every active, non-deleted flag for teamID.
func (s *PostgresStore) GetActiveFlags(ctx context.Context, teamID int64) (_ []matching.Flag, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "GetActiveFlags", attribute.Int64("team_id", teamID))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectFlagColumns+` FROM feature_flag WHERE team_id = $1 AND active AND NOT deleted`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active flags: %w", err)
	}
	defer rows.Close()

	var out []matching.Flag
	for rows.Next() {
		flag, err := scanFlagRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading active flags: %w", err)
	}
	return out, nil
}

// GetFlagByKey returns one flag regardless of active/deleted state.
func (s *PostgresStore) GetFlagByKey(ctx context.Context, teamID int64, key string) (_ *matching.Flag, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "GetFlagByKey", attribute.Int64("team_id", teamID), attribute.String("flag_key", key))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectFlagColumns+` FROM feature_flag WHERE team_id = $1 AND key = $2`,
		teamID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("querying flag %q: %w", key, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrFlagNotFound
	}
	flag, err := scanFlagRow(rows)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}
