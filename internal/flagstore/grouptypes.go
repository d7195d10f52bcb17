package flagstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// GroupTypeLoader implements matching.GroupTypeLoader against
// group_type_mapping, giving matching.GroupTypeCache something real to read
// through on a cache miss.
type GroupTypeLoader struct {
	pool *pgxpool.Pool
}

// NewGroupTypeLoader wraps an existing reader pool.
func NewGroupTypeLoader(pool *pgxpool.Pool) *GroupTypeLoader {
	return &GroupTypeLoader{pool: pool}
}

// LoadGroupTypeMapping returns every group_type -> group_type_index mapping
// configured for projectID.
func (l *GroupTypeLoader) LoadGroupTypeMapping(ctx context.Context, projectID int64) (_ map[string]int, err error) {
	ctx, end := telemetry.StartDBSpan(ctx, "flagstore", "LoadGroupTypeMapping", attribute.Int64("project_id", projectID))
	defer func() { end(err) }()

	rows, err := l.pool.Query(ctx,
		`SELECT group_type, group_type_index FROM group_type_mapping WHERE project_id = $1`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying group type mapping: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			groupType string
			index     int
		)
		if err := rows.Scan(&groupType, &index); err != nil {
			return nil, err
		}
		out[groupType] = index
	}
	return out, rows.Err()
}
