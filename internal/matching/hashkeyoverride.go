package matching

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// foreignKeyViolationCode is the PostgreSQL SQLSTATE for a foreign-key
// violation (23503), the only error class the hash-key-override writer
// retries on (spec.md §4.6, §5: a concurrent person delete).
const foreignKeyViolationCode = "23503"

// probeTimeout bounds the should-write probe (spec.md §5).
const probeTimeout = 1 * time.Second

// maxContinuityRetries is the retry budget for both the probe and the write
// (spec.md §4.6: "up to 2 retries").
const maxContinuityRetries = 2

// continuityRetryBackoff is the fixed 100ms backoff between retries
// (spec.md §5). A fixed interval is used rather than backoff's default
// exponential schedule because the spec specifies a flat delay, not a growing one.
const continuityRetryBackoff = 100 * time.Millisecond

// HashKeyOverrideReader is the read side of the continuity protocol,
// executed against the reader role (spec.md §4.6, §5).
type HashKeyOverrideReader interface {
	// ShouldWriteHashKeyOverride reports whether any continuity-enabled flag
	// in flagKeys lacks an override row for (teamID, the person behind
	// distinctID).
	ShouldWriteHashKeyOverride(ctx context.Context, teamID int64, distinctID string, flagKeys []string) (bool, error)

	// ReadHashKeyOverrides returns, per distinct id, the flag_key -> hash_key
	// map of override rows associated with that distinct id's person.
	ReadHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (map[string]map[string]string, error)
}

// HashKeyOverrideWriter is the write side of the continuity protocol,
// executed against the writer role (spec.md §4.6, §5): the only database
// object the core ever writes.
type HashKeyOverrideWriter interface {
	// WriteHashKeyOverrides runs in one transaction, inserting
	// (team, person, flag_key, hash_key) rows for every continuity-enabled
	// flag key lacking one, for every person matching any of distinctIDs,
	// with ON CONFLICT DO NOTHING.
	WriteHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, flagKeys []string, hashKey string) error
}

// isForeignKeyViolation reports whether err is a PostgreSQL foreign-key
// violation, the sole retryable error class for the continuity protocol.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode
}

// HashKeyOverrideManager implements the continuity protocol of spec.md §4.6.
type HashKeyOverrideManager struct {
	reader HashKeyOverrideReader
	writer HashKeyOverrideWriter
}

// NewHashKeyOverrideManager builds a manager over the given reader and writer
// roles.
func NewHashKeyOverrideManager(reader HashKeyOverrideReader, writer HashKeyOverrideWriter) *HashKeyOverrideManager {
	return &HashKeyOverrideManager{reader: reader, writer: writer}
}

// Ensure runs the full should-write / write / read-back protocol and returns
// the final flag_key -> hash_key map to use for continuity-enabled flags in
// this request. Any error at any stage is returned as the "initial error"
// (spec.md §4.6): the caller poisons errors_while_computing_flags but still
// attempts best-effort evaluation of flags that do not require continuity.
func (m *HashKeyOverrideManager) Ensure(ctx context.Context, teamID int64, distinctID, hashKeyOverride string, continuityFlagKeys []string) (map[string]string, error) {
	if hashKeyOverride == "" || len(continuityFlagKeys) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "HashKeyOverrideManager.Ensure")
	defer span.End()

	shouldWrite, err := m.probeShouldWrite(ctx, teamID, distinctID, continuityFlagKeys)
	if err != nil {
		return nil, err
	}

	if shouldWrite {
		if err := m.write(ctx, teamID, []string{distinctID, hashKeyOverride}, continuityFlagKeys, hashKeyOverride); err != nil {
			return nil, err
		}
	}

	return m.readBack(ctx, teamID, distinctID, hashKeyOverride)
}

func (m *HashKeyOverrideManager) probeShouldWrite(ctx context.Context, teamID int64, distinctID string, flagKeys []string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	result, err := backoff.Retry(probeCtx, func() (bool, error) {
		shouldWrite, err := m.reader.ShouldWriteHashKeyOverride(probeCtx, teamID, distinctID, flagKeys)
		if err != nil && isForeignKeyViolation(err) {
			return false, err // retryable
		}
		if err != nil {
			return false, backoff.Permanent(err)
		}
		return shouldWrite, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(continuityRetryBackoff)), backoff.WithMaxTries(maxContinuityRetries+1))
	if err != nil {
		return false, errDatabase(err.Error())
	}
	return result, nil
}

func (m *HashKeyOverrideManager) write(ctx context.Context, teamID int64, distinctIDs []string, flagKeys []string, hashKey string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.writer.WriteHashKeyOverrides(ctx, teamID, distinctIDs, flagKeys, hashKey)
		if err != nil && isForeignKeyViolation(err) {
			return struct{}{}, err // retryable
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(continuityRetryBackoff)), backoff.WithMaxTries(maxContinuityRetries+1))
	if err != nil {
		return errDatabase(err.Error())
	}
	return nil
}

// readBack fetches the override maps for both distinct ids and merges them so
// that, when both resolve, the row associated with the caller's current
// distinct_id wins (spec.md §4.6: "stable sort places it last, overwriting").
func (m *HashKeyOverrideManager) readBack(ctx context.Context, teamID int64, distinctID, hashKeyOverride string) (map[string]string, error) {
	byDistinctID, err := m.reader.ReadHashKeyOverrides(ctx, teamID, []string{distinctID, hashKeyOverride})
	if err != nil {
		return nil, errDatabase(err.Error())
	}

	// Apply with the anonymous/override id first and the caller's current
	// distinct_id last, so ties resolve in the current id's favor.
	order := []string{hashKeyOverride, distinctID}

	merged := make(map[string]string)
	for _, id := range order {
		for flagKey, hk := range byDistinctID[id] {
			merged[flagKey] = hk
		}
	}
	return merged, nil
}
