// Package query provides the range query value type used by scan and
// subscription operations, and its URL-query codec.
package query

import (
	"fmt"
	"net/url"
	"strconv"
)

// Range selects a contiguous span of keys. Bounds follow level semantics:
// GT/LT are exclusive, GTE/LTE inclusive. Zero-value bounds are open ends.
type Range struct {
	GT      string
	GTE     string
	LT      string
	LTE     string
	Limit   int  // 0 = unlimited
	Reverse bool // descending key order
}

// IsZero reports whether the range carries no constraints at all.
func (r Range) IsZero() bool {
	return r == Range{}
}

// Contains reports whether key falls inside the range bounds.
// Limit and Reverse do not affect membership.
func (r Range) Contains(key string) bool {
	if r.GT != "" && key <= r.GT {
		return false
	}
	if r.GTE != "" && key < r.GTE {
		return false
	}
	if r.LT != "" && key >= r.LT {
		return false
	}
	if r.LTE != "" && key > r.LTE {
		return false
	}
	return true
}

// Map returns the range as a JSON-style object carrying only the set
// fields, suitable for schema validation alongside decoded body values.
func (r Range) Map() map[string]any {
	out := map[string]any{}
	if r.GT != "" {
		out["gt"] = r.GT
	}
	if r.GTE != "" {
		out["gte"] = r.GTE
	}
	if r.LT != "" {
		out["lt"] = r.LT
	}
	if r.LTE != "" {
		out["lte"] = r.LTE
	}
	if r.Limit > 0 {
		out["limit"] = float64(r.Limit)
	}
	if r.Reverse {
		out["reverse"] = true
	}
	return out
}

// ParseValues decodes a range from URL query parameters.
// Unknown parameters are ignored; conflicting bounds (gt with gte,
// lt with lte) are rejected.
func ParseValues(values url.Values) (Range, error) {
	r := Range{
		GT:  values.Get("gt"),
		GTE: values.Get("gte"),
		LT:  values.Get("lt"),
		LTE: values.Get("lte"),
	}

	if r.GT != "" && r.GTE != "" {
		return Range{}, fmt.Errorf("query: gt and gte are mutually exclusive")
	}
	if r.LT != "" && r.LTE != "" {
		return Range{}, fmt.Errorf("query: lt and lte are mutually exclusive")
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Range{}, fmt.Errorf("query: invalid limit %q", raw)
		}
		r.Limit = n
	}

	if raw := values.Get("reverse"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Range{}, fmt.Errorf("query: invalid reverse %q", raw)
		}
		r.Reverse = b
	}

	return r, nil
}

// FromValue decodes a range from a decoded JSON value, as received in a
// procedure-call argument tuple. nil decodes to the unbounded range.
func FromValue(v any) (Range, error) {
	if v == nil {
		return Range{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Range{}, fmt.Errorf("query: range must be an object, got %T", v)
	}
	values := url.Values{}
	for k, raw := range m {
		switch rv := raw.(type) {
		case string:
			values.Set(k, rv)
		case float64:
			values.Set(k, strconv.FormatFloat(rv, 'f', -1, 64))
		case bool:
			values.Set(k, strconv.FormatBool(rv))
		default:
			return Range{}, fmt.Errorf("query: invalid %s value %v", k, raw)
		}
	}
	return ParseValues(values)
}

// Values encodes the range back into URL query parameters.
func (r Range) Values() url.Values {
	values := url.Values{}
	if r.GT != "" {
		values.Set("gt", r.GT)
	}
	if r.GTE != "" {
		values.Set("gte", r.GTE)
	}
	if r.LT != "" {
		values.Set("lt", r.LT)
	}
	if r.LTE != "" {
		values.Set("lte", r.LTE)
	}
	if r.Limit > 0 {
		values.Set("limit", strconv.Itoa(r.Limit))
	}
	if r.Reverse {
		values.Set("reverse", "true")
	}
	return values
}
