package matching

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeGroupTypeLoader struct {
	mapping map[string]int
	err     error
	calls   int32
}

func (f *fakeGroupTypeLoader) LoadGroupTypeMapping(ctx context.Context, projectID int64) (map[string]int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.mapping, nil
}

func TestGroupTypeCacheResolvesBothDirections(t *testing.T) {
	loader := &fakeGroupTypeLoader{mapping: map[string]int{"organization": 0, "project": 1}}
	cache := NewGroupTypeCache(loader)

	idx, err := cache.IndexForName(context.Background(), 1, "organization")
	if err != nil || idx != 0 {
		t.Fatalf("IndexForName = (%d, %v), want (0, nil)", idx, err)
	}

	name, err := cache.NameForIndex(context.Background(), 1, 1)
	if err != nil || name != "project" {
		t.Fatalf("NameForIndex = (%q, %v), want (\"project\", nil)", name, err)
	}
}

func TestGroupTypeCacheMemoizesAcrossCalls(t *testing.T) {
	loader := &fakeGroupTypeLoader{mapping: map[string]int{"organization": 0}}
	cache := NewGroupTypeCache(loader)

	for i := 0; i < 5; i++ {
		if _, err := cache.IndexForName(context.Background(), 7, "organization"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if atomic.LoadInt32(&loader.calls) != 1 {
		t.Fatalf("expected exactly one load, got %d", loader.calls)
	}
}

func TestGroupTypeCacheStickyFailureOnError(t *testing.T) {
	loader := &fakeGroupTypeLoader{err: errors.New("boom")}
	cache := NewGroupTypeCache(loader)

	if _, err := cache.IndexForName(context.Background(), 1, "organization"); err == nil {
		t.Fatalf("expected error on failed load")
	}
	if _, err := cache.IndexForName(context.Background(), 1, "organization"); err == nil {
		t.Fatalf("expected sticky failure on second call")
	}
	if atomic.LoadInt32(&loader.calls) != 1 {
		t.Fatalf("expected sticky failure to avoid a retry, got %d calls", loader.calls)
	}
}

func TestGroupTypeCacheStickyFailureOnEmptyMapping(t *testing.T) {
	loader := &fakeGroupTypeLoader{mapping: map[string]int{}}
	cache := NewGroupTypeCache(loader)

	if _, err := cache.NameForIndex(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected empty mapping to be treated as a sticky failure")
	}
}

func TestGroupTypeCacheNilLoaderFailsFast(t *testing.T) {
	cache := NewGroupTypeCache(nil)
	if _, err := cache.IndexForName(context.Background(), 1, "organization"); err == nil {
		t.Fatalf("expected nil loader to fail every lookup")
	}
}
