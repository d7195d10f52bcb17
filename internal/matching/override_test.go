package matching

import "testing"

func TestResolveFromOverridesNoFilters(t *testing.T) {
	result := resolveFromOverrides(nil, map[string]any{"email": "a@b.com"})
	if !result.sufficient {
		t.Fatalf("expected empty filter list to be trivially sufficient")
	}
}

func TestResolveFromOverridesSufficient(t *testing.T) {
	filters := []PropertyFilter{{Key: "email", Operator: OpExact, Value: "a@b.com"}}
	overrides := map[string]any{"email": "a@b.com"}
	result := resolveFromOverrides(filters, overrides)
	if !result.sufficient {
		t.Fatalf("expected sufficient overrides")
	}
	if result.properties["email"] != "a@b.com" {
		t.Fatalf("expected overrides to be returned verbatim")
	}
}

func TestResolveFromOverridesMissingKey(t *testing.T) {
	filters := []PropertyFilter{{Key: "email", Operator: OpExact, Value: "a@b.com"}}
	result := resolveFromOverrides(filters, map[string]any{"plan": "pro"})
	if result.sufficient {
		t.Fatalf("expected missing key to force insufficiency")
	}
}

func TestResolveFromOverridesNilOverrides(t *testing.T) {
	filters := []PropertyFilter{{Key: "email", Operator: OpExact, Value: "a@b.com"}}
	result := resolveFromOverrides(filters, nil)
	if result.sufficient {
		t.Fatalf("expected nil overrides with filters present to be insufficient")
	}
}

func TestResolveFromOverridesCohortFilterAlwaysInsufficient(t *testing.T) {
	filters := []PropertyFilter{{Key: "id", Operator: OpIn, Value: int64(5), Type: PropertyTypeCohort}}
	overrides := map[string]any{"id": "anything"}
	result := resolveFromOverrides(filters, overrides)
	if result.sufficient {
		t.Fatalf("expected cohort-typed filter to force DB-backed evaluation")
	}
}
