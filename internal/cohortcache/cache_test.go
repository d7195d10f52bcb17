package cohortcache

import (
	"context"
	"testing"
	"time"

	"github.com/flagmatchio/evaluator/internal/flagstore"
	"github.com/flagmatchio/evaluator/internal/matching"
)

func TestCache_GetCohort(t *testing.T) {
	loader := flagstore.NewMemoryCohortLoader()
	loader.Put(matching.Cohort{ID: 1, TeamID: 10, IsStatic: true})
	loader.Put(matching.Cohort{ID: 2, TeamID: 10, IsStatic: false})

	cache := New(loader, time.Minute)

	cohort, err := cache.GetCohort(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("GetCohort failed: %v", err)
	}
	if cohort.ID != 1 || !cohort.IsStatic {
		t.Errorf("unexpected cohort: %+v", cohort)
	}
}

func TestCache_GetCohortNotFound(t *testing.T) {
	loader := flagstore.NewMemoryCohortLoader()
	cache := New(loader, time.Minute)

	if _, err := cache.GetCohort(context.Background(), 10, 999); err == nil {
		t.Error("expected an error for an unknown cohort id")
	}
}

func TestCache_RefreshAfterExpiry(t *testing.T) {
	loader := flagstore.NewMemoryCohortLoader()
	loader.Put(matching.Cohort{ID: 1, TeamID: 10, IsStatic: true})

	cache := New(loader, time.Millisecond)
	ctx := context.Background()

	if _, err := cache.GetCohort(ctx, 10, 1); err != nil {
		t.Fatalf("initial GetCohort failed: %v", err)
	}

	loader.Put(matching.Cohort{ID: 2, TeamID: 10, IsStatic: false})
	time.Sleep(5 * time.Millisecond)

	cohort, err := cache.GetCohort(ctx, 10, 2)
	if err != nil {
		t.Fatalf("expected the newly added cohort to appear after expiry: %v", err)
	}
	if cohort.ID != 2 {
		t.Errorf("expected cohort id 2, got %d", cohort.ID)
	}
}

func TestCache_Invalidate(t *testing.T) {
	loader := flagstore.NewMemoryCohortLoader()
	loader.Put(matching.Cohort{ID: 1, TeamID: 10, IsStatic: true})

	cache := New(loader, time.Hour)
	ctx := context.Background()

	if _, err := cache.GetCohort(ctx, 10, 1); err != nil {
		t.Fatalf("initial GetCohort failed: %v", err)
	}

	loader.Put(matching.Cohort{ID: 2, TeamID: 10, IsStatic: false})
	cache.Invalidate(10)

	if _, err := cache.GetCohort(ctx, 10, 2); err != nil {
		t.Fatalf("expected invalidate to force a refresh: %v", err)
	}
}
