package flagstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// ShouldWriteHashKeyOverride reports whether any of flagKeys lacks a row in
// feature_flag_hash_key_override for the person behind distinctID, i.e.
// whether a write is needed. It reads from the reader pool: this is a probe,
// not a write.
func (r *PostgresReader) ShouldWriteHashKeyOverride(ctx context.Context, teamID int64, distinctID string, flagKeys []string) (_ bool, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "ShouldWriteHashKeyOverride", attribute.Int64("team_id", teamID))
	defer func() { end(err) }()

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1
		     FROM unnest($3::text[]) AS fk(key)
		    WHERE NOT EXISTS (
		      SELECT 1
		        FROM feature_flag_hash_key_override hko
		        JOIN person_distinct_id pd ON pd.person_id = hko.person_id
		       WHERE hko.team_id = $1 AND pd.distinct_id = $2 AND hko.feature_flag_key = fk.key
		    )
		 )`,
		teamID, distinctID, flagKeys,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing hash key override: %w", err)
	}
	return exists, nil
}

// ReadHashKeyOverrides returns, for each of distinctIDs, the flag-key ->
// hash-key override map recorded for that identity.
func (r *PostgresReader) ReadHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (_ map[string]map[string]string, err error) {
	out := make(map[string]map[string]string, len(distinctIDs))
	if len(distinctIDs) == 0 {
		return out, nil
	}

	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "ReadHashKeyOverrides", attribute.Int64("team_id", teamID), attribute.Int("distinct_id_count", len(distinctIDs)))
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx,
		`SELECT pd.distinct_id, hko.feature_flag_key, hko.hash_key
		   FROM feature_flag_hash_key_override hko
		   JOIN person_distinct_id pd ON pd.person_id = hko.person_id
		  WHERE hko.team_id = $1 AND pd.distinct_id = ANY($2)`,
		teamID, distinctIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying hash key overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var distinctID, flagKey, hashKey string
		if err := rows.Scan(&distinctID, &flagKey, &hashKey); err != nil {
			return nil, err
		}
		if out[distinctID] == nil {
			out[distinctID] = make(map[string]string)
		}
		out[distinctID][flagKey] = hashKey
	}
	return out, rows.Err()
}

// PostgresWriter implements matching.HashKeyOverrideWriter against the
// writer pool: the only database object the core ever writes, per spec.md's
// shared-resource policy.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter wraps an existing writer pool.
func NewPostgresWriter(pool *pgxpool.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

// writeHashKeyOverridesQuery resolves every distinctID to its person_id and
// crosses the result with flagKeys in a CTE, then inserts every
// (person_id, flag_key) row in one statement: the write never interleaves
// with another query on the connection because there is only one query.
const writeHashKeyOverridesQuery = `
WITH target_person_ids AS (
	SELECT DISTINCT person_id
	  FROM person_distinct_id
	 WHERE team_id = $1 AND distinct_id = ANY($2)
),
flag_keys AS (
	SELECT key FROM unnest($3::text[]) AS key
)
INSERT INTO feature_flag_hash_key_override (team_id, person_id, feature_flag_key, hash_key)
	SELECT $1, target_person_ids.person_id, flag_keys.key, $4
	  FROM target_person_ids
	CROSS JOIN flag_keys
ON CONFLICT DO NOTHING
`

// WriteHashKeyOverrides inserts one override row per (resolved person,
// flagKey) pair in a single INSERT: person resolution and the cross with
// flagKeys both happen inside that one statement's CTEs, holding the
// transaction across exactly one statement. Rows that already exist are
// left untouched (ON CONFLICT DO NOTHING): the override is an append-once
// record of the hash key in effect the first time continuity mattered for
// that identity.
func (w *PostgresWriter) WriteHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, flagKeys []string, hashKey string) (err error) {
	if len(distinctIDs) == 0 || len(flagKeys) == 0 {
		return nil
	}

	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "WriteHashKeyOverrides", attribute.Int64("team_id", teamID), attribute.Int("distinct_id_count", len(distinctIDs)), attribute.Int("flag_key_count", len(flagKeys)))
	defer func() { end(err) }()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning hash key override write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, writeHashKeyOverridesQuery, teamID, distinctIDs, flagKeys, hashKey); err != nil {
		return fmt.Errorf("writing hash key overrides: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing hash key override write: %w", err)
	}
	return nil
}
