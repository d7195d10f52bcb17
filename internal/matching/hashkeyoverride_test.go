package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeHashKeyStore struct {
	shouldWrite    bool
	shouldWriteErr error
	writeErr       error
	writeCalls     int
	overrides      map[string]map[string]string // distinctID -> flagKey -> hashKey
}

func (f *fakeHashKeyStore) ShouldWriteHashKeyOverride(ctx context.Context, teamID int64, distinctID string, flagKeys []string) (bool, error) {
	if f.shouldWriteErr != nil {
		return false, f.shouldWriteErr
	}
	return f.shouldWrite, nil
}

func (f *fakeHashKeyStore) WriteHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, flagKeys []string, hashKey string) error {
	f.writeCalls++
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, id := range distinctIDs {
		if f.overrides == nil {
			f.overrides = map[string]map[string]string{}
		}
		if f.overrides[id] == nil {
			f.overrides[id] = map[string]string{}
		}
		for _, flagKey := range flagKeys {
			f.overrides[id][flagKey] = hashKey
		}
	}
	return nil
}

func (f *fakeHashKeyStore) ReadHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(distinctIDs))
	for _, id := range distinctIDs {
		out[id] = f.overrides[id]
	}
	return out, nil
}

func TestHashKeyOverrideManagerWritesWhenMissing(t *testing.T) {
	store := &fakeHashKeyStore{shouldWrite: true}
	mgr := NewHashKeyOverrideManager(store, store)

	result, err := mgr.Ensure(context.Background(), 1, "user_known", "user_anon", []string{"continuity-flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.writeCalls != 1 {
		t.Fatalf("expected exactly one write, got %d", store.writeCalls)
	}
	if result["continuity-flag"] != "user_anon" {
		t.Fatalf("expected override to resolve to the anonymous hash key, got %v", result)
	}
}

func TestHashKeyOverrideManagerSkipsWriteWhenNotNeeded(t *testing.T) {
	store := &fakeHashKeyStore{shouldWrite: false}
	mgr := NewHashKeyOverrideManager(store, store)

	_, err := mgr.Ensure(context.Background(), 1, "user_known", "user_anon", []string{"continuity-flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.writeCalls != 0 {
		t.Fatalf("expected no write when should-write probe is false, got %d", store.writeCalls)
	}
}

func TestHashKeyOverrideManagerNoOpWithoutOverrideOrFlags(t *testing.T) {
	store := &fakeHashKeyStore{shouldWrite: true}
	mgr := NewHashKeyOverrideManager(store, store)

	if result, err := mgr.Ensure(context.Background(), 1, "user_known", "", []string{"flag"}); err != nil || result != nil {
		t.Fatalf("expected no-op with empty hash key override, got (%v, %v)", result, err)
	}
	if result, err := mgr.Ensure(context.Background(), 1, "user_known", "user_anon", nil); err != nil || result != nil {
		t.Fatalf("expected no-op with no continuity flags, got (%v, %v)", result, err)
	}
}

func TestHashKeyOverrideManagerRetriesOnForeignKeyViolation(t *testing.T) {
	store := &fakeHashKeyStore{shouldWrite: true, writeErr: &pgconn.PgError{Code: foreignKeyViolationCode}}
	mgr := NewHashKeyOverrideManager(store, store)

	_, err := mgr.Ensure(context.Background(), 1, "user_known", "user_anon", []string{"flag"})
	if err == nil {
		t.Fatalf("expected the write to ultimately fail after exhausting retries")
	}
	if store.writeCalls != maxContinuityRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxContinuityRetries+1, store.writeCalls)
	}
}

func TestHashKeyOverrideManagerDoesNotRetryOtherErrors(t *testing.T) {
	store := &fakeHashKeyStore{shouldWrite: true, writeErr: errors.New("connection reset")}
	mgr := NewHashKeyOverrideManager(store, store)

	_, err := mgr.Ensure(context.Background(), 1, "user_known", "user_anon", []string{"flag"})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if store.writeCalls != 1 {
		t.Fatalf("expected a non-FK error to fail permanently after one attempt, got %d", store.writeCalls)
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	if !isForeignKeyViolation(&pgconn.PgError{Code: foreignKeyViolationCode}) {
		t.Fatalf("expected FK violation to be detected")
	}
	if isForeignKeyViolation(errors.New("other")) {
		t.Fatalf("expected non-pg error to not be classified as FK violation")
	}
}
