package flagstore

import "testing"

func TestParseFiltersEmpty(t *testing.T) {
	filters, err := parseFilters(nil)
	if err != nil {
		t.Fatalf("parseFilters(nil) failed: %v", err)
	}
	if len(filters.Groups) != 0 {
		t.Errorf("expected no groups for empty filters, got %d", len(filters.Groups))
	}
}

func TestParseFiltersGroups(t *testing.T) {
	raw := []byte(`{"groups":[{"properties":[{"key":"plan","operator":"exact","value":"pro","type":"person"}],"rollout_percentage":50}]}`)
	filters, err := parseFilters(raw)
	if err != nil {
		t.Fatalf("parseFilters failed: %v", err)
	}
	if len(filters.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(filters.Groups))
	}
	if filters.Groups[0].Rollout() != 50 {
		t.Errorf("expected rollout 50, got %v", filters.Groups[0].Rollout())
	}
}

func TestParseFiltersInvalidJSON(t *testing.T) {
	if _, err := parseFilters([]byte("not json")); err == nil {
		t.Error("expected an error for malformed filters JSON")
	}
}
