package matching

import (
	"math"
	"strconv"
	"testing"
)

func TestHoldoutHashCanonicalVectors(t *testing.T) {
	cases := []struct {
		identifier string
		want       float64
	}{
		{"some_distinct_id", 0.7270002403585725},
		{"test-identifier", 0.4493881716040236},
		{"example_id", 0.9402003475831224},
		{"example_id2", 0.6292740389966519},
	}

	for _, c := range cases {
		t.Run(c.identifier, func(t *testing.T) {
			got := holdoutHash(c.identifier)
			if math.Abs(got-c.want) > 1e-9 {
				t.Fatalf("holdoutHash(%q) = %v, want %v", c.identifier, got, c.want)
			}
		})
	}
}

func TestHashDeterministic(t *testing.T) {
	a := hash("flag.", "user_1", "")
	b := hash("flag.", "user_1", "")
	if a != b {
		t.Fatalf("hash is not deterministic: %v != %v", a, b)
	}
}

func TestHashRange(t *testing.T) {
	identifiers := []string{"a", "b", "some_distinct_id", "", "💡unicode"}
	for _, id := range identifiers {
		v := hash("x.", id, "")
		if v < 0 || v > 1 {
			t.Fatalf("hash(%q) = %v out of [0,1]", id, v)
		}
	}
}

func TestHashUniformity(t *testing.T) {
	const n = 2000
	buckets := make([]int, 10)
	for i := 0; i < n; i++ {
		id := "user_" + strconv.Itoa(i)
		v := rolloutHash("uniformity-flag", id, "")
		bucket := int(v * 10)
		if bucket == 10 {
			bucket = 9
		}
		buckets[bucket]++
	}
	expected := float64(n) / 10
	for i, count := range buckets {
		deviation := math.Abs(float64(count)-expected) / expected
		if deviation > 0.25 {
			t.Fatalf("bucket %d deviates %.2f from expected %.0f (count=%d)", i, deviation, expected, count)
		}
	}
}

func TestSelectVariant(t *testing.T) {
	variants := []VariantSpec{
		{Key: "control", RolloutPercentage: 33},
		{Key: "test", RolloutPercentage: 33},
		{Key: "test2", RolloutPercentage: 34},
	}

	cases := []struct {
		hash float64
		want string
	}{
		{0.0, "control"},
		{0.32, "control"},
		{0.33, "test"},
		{0.65, "test"},
		{0.66, "test2"},
		{0.999, "test2"},
	}

	for _, c := range cases {
		got, ok := selectVariant(variants, c.hash)
		if !ok || got != c.want {
			t.Fatalf("selectVariant(%v) = (%q, %v), want %q", c.hash, got, ok, c.want)
		}
	}
}

func TestSelectVariantNoCoverage(t *testing.T) {
	variants := []VariantSpec{{Key: "only", RolloutPercentage: 50}}
	if _, ok := selectVariant(variants, 0.9); ok {
		t.Fatalf("expected no variant to absorb hash 0.9 with only 50%% coverage")
	}
}

func TestHasVariant(t *testing.T) {
	variants := []VariantSpec{{Key: "a", RolloutPercentage: 50}, {Key: "b", RolloutPercentage: 50}}
	if !hasVariant(variants, "a") {
		t.Fatalf("expected hasVariant to find declared variant")
	}
	if hasVariant(variants, "c") {
		t.Fatalf("expected hasVariant to reject undeclared variant")
	}
}
