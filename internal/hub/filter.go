package hub

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter is one parsed row filter from a postgres_changes binding,
// written as `column=op.literal` (`id=eq.42`, `status=in.(open,held)`).
type Filter struct {
	Column string
	Op     string
	Value  string
}

var filterOps = map[string]bool{
	"eq":  true,
	"neq": true,
	"lt":  true,
	"lte": true,
	"gt":  true,
	"gte": true,
	"in":  true,
}

// ParseFilter parses a binding filter. An empty string means no filter.
func ParseFilter(s string) (*Filter, error) {
	if s == "" {
		return nil, nil
	}
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("malformed filter %q: want column=op.value", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("malformed filter %q: want column=op.value", s)
	}
	if !filterOps[op] {
		return nil, fmt.Errorf("unsupported filter operator %q", op)
	}
	if op == "in" {
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return nil, fmt.Errorf("malformed in filter %q: want column=in.(v1,v2)", s)
		}
	}
	return &Filter{Column: column, Op: op, Value: value}, nil
}

// Eval applies the filter to a decoded row. A missing column never
// matches. Values compare numerically when both sides parse as
// numbers, as strings otherwise.
func (f *Filter) Eval(record map[string]interface{}) bool {
	if f == nil {
		return true
	}
	raw, ok := record[f.Column]
	if !ok {
		return false
	}

	switch f.Op {
	case "eq":
		return compare(raw, f.Value) == 0
	case "neq":
		return compare(raw, f.Value) != 0
	case "lt":
		return compare(raw, f.Value) < 0
	case "lte":
		return compare(raw, f.Value) <= 0
	case "gt":
		return compare(raw, f.Value) > 0
	case "gte":
		return compare(raw, f.Value) >= 0
	case "in":
		list := strings.TrimSuffix(strings.TrimPrefix(f.Value, "("), ")")
		for _, candidate := range strings.Split(list, ",") {
			if compare(raw, strings.TrimSpace(candidate)) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compare orders a decoded column value against a filter literal:
// negative, zero or positive like strings.Compare.
func compare(raw interface{}, literal string) int {
	switch v := raw.(type) {
	case float64:
		if n, err := strconv.ParseFloat(literal, 64); err == nil {
			switch {
			case v < n:
				return -1
			case v > n:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if b, err := strconv.ParseBool(literal); err == nil {
			if v == b {
				return 0
			}
			return 1
		}
	case nil:
		if literal == "null" {
			return 0
		}
		return 1
	}
	return strings.Compare(fmt.Sprintf("%v", raw), literal)
}
