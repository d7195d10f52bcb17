package matching

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// matchProperty is the match_property oracle referenced throughout spec.md
// (§1 "treated as an oracle match_property(filter, props) -> bool"). The spec
// does not own this primitive, but a concrete dispatch table is required for
// a runnable repository; it is grounded in the teacher's operator-handler
// table (internal/engine/operators.go), adapted to the operator vocabulary of
// spec.md §3/§4 property filters rather than the teacher's rule DSL.
func matchProperty(filter PropertyFilter, props map[string]any) bool {
	value, present := props[filter.Key]

	switch filter.Operator {
	case OpIsSet:
		return present
	case OpIsNotSet:
		return !present
	}

	if !present {
		return false
	}

	switch filter.Operator {
	case OpExact:
		return equalsAny(value, filter.Value)
	case OpIsNot:
		return !equalsAny(value, filter.Value)
	case OpIContains:
		return containsFold(value, filter.Value)
	case OpNotIContains:
		return !containsFold(value, filter.Value)
	case OpRegex:
		return regexMatch(value, filter.Value)
	case OpNotRegex:
		return !regexMatch(value, filter.Value)
	case OpGT:
		return numericCompare(value, filter.Value, func(a, b float64) bool { return a > b })
	case OpLT:
		return numericCompare(value, filter.Value, func(a, b float64) bool { return a < b })
	case OpGTE:
		return numericCompare(value, filter.Value, func(a, b float64) bool { return a >= b })
	case OpLTE:
		return numericCompare(value, filter.Value, func(a, b float64) bool { return a <= b })
	case OpIn:
		return inList(value, filter.Value)
	case OpNotIn:
		return !inList(value, filter.Value)
	default:
		return false
	}
}

func equalsAny(a, b any) bool {
	if as, ok := toString(a); ok {
		bs, ok := toString(b)
		return ok && as == bs
	}
	if af, ok := toFloat64(a); ok {
		bf, ok := toFloat64(b)
		return ok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

func containsFold(value, target any) bool {
	vs, ok := toString(value)
	if !ok {
		return false
	}
	ts, ok := toString(target)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(vs), strings.ToLower(ts))
}

var (
	regexCache   sync.Map // pattern string -> *regexp.Regexp
)

func regexMatch(value, pattern any) bool {
	vs, ok := toString(value)
	if !ok {
		return false
	}
	ps, ok := toString(pattern)
	if !ok {
		return false
	}
	rx, ok := compiledRegex(ps)
	if !ok {
		return false
	}
	return rx.MatchString(vs)
}

func compiledRegex(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := regexCache.Load(pattern); ok {
		rx, ok := cached.(*regexp.Regexp)
		return rx, ok
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	regexCache.Store(pattern, rx)
	return rx, true
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	// Version-looking strings are compared with semver when both sides parse
	// as versions; otherwise fall back to numeric comparison.
	if as, ok := toString(a); ok {
		if bs, ok := toString(b); ok {
			if av, err := semver.NewVersion(as); err == nil {
				if bv, err := semver.NewVersion(bs); err == nil {
					return cmp(float64(av.Compare(bv)), 0)
				}
			}
		}
	}
	af, ok := toFloat64(a)
	if !ok {
		return false
	}
	bf, ok := toFloat64(b)
	if !ok {
		return false
	}
	return cmp(af, bf)
}

func inList(value, list any) bool {
	vs, ok := toString(value)
	if !ok {
		return false
	}
	items, ok := toStringSlice(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if item == vs {
			return true
		}
	}
	return false
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toStringSlice(v any) ([]string, bool) {
	switch values := v.(type) {
	case []string:
		return values, true
	case []any:
		out := make([]string, 0, len(values))
		for _, item := range values {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
