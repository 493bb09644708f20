package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// bindingMatches is the delivery guard for postgres change fan-out.
// Handlers with different filters can share one channel, so every inbound
// change is re-checked locally against the binding's tuple even though the
// server routes per subscription.
func bindingMatches(spec PostgresChangeSub, ev *ChangeEvent) bool {
	if spec.Event != "*" && spec.Event != ev.EventType {
		return false
	}
	if spec.Schema != "" && spec.Schema != "*" && spec.Schema != ev.Schema {
		return false
	}
	if spec.Table != "" && spec.Table != "*" && spec.Table != ev.Table {
		return false
	}
	if spec.Filter == "" {
		return true
	}
	return matchesFilter(spec.Filter, ev.New, ev.Old)
}

// matchesFilter evaluates a PostgREST-style filter ("column=op.value", e.g.
// "receiver_id=eq.123") against a change's row data. DELETE events carry
// only the old record, so the old row is the fallback.
func matchesFilter(filter string, newRow, oldRow map[string]any) bool {
	column, op, want, ok := splitFilter(filter)
	if !ok {
		return false
	}

	row := newRow
	if row == nil {
		row = oldRow
	}
	if row == nil {
		return false
	}
	got, present := row[column]
	if !present {
		return false
	}

	switch op {
	case "eq":
		return valueEquals(got, want)
	case "neq":
		return !valueEquals(got, want)
	case "gt", "gte", "lt", "lte":
		return orderedCompare(op, got, want)
	case "in":
		return valueIn(got, want)
	}
	return false
}

// splitFilter breaks "column=op.value" into its parts.
func splitFilter(filter string) (column, op, value string, ok bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found {
		return "", "", "", false
	}
	op, value, found = strings.Cut(rest, ".")
	if !found {
		return "", "", "", false
	}
	return column, op, value, true
}

// valueEquals compares a decoded JSON value against the filter's literal.
func valueEquals(got any, want string) bool {
	switch v := got.(type) {
	case string:
		return v == want
	case float64:
		n, err := strconv.ParseFloat(want, 64)
		return err == nil && v == n
	case int64:
		n, err := strconv.ParseInt(want, 10, 64)
		return err == nil && v == n
	case int:
		n, err := strconv.Atoi(want)
		return err == nil && v == n
	case bool:
		return strconv.FormatBool(v) == want
	case nil:
		return want == "null"
	default:
		return fmt.Sprintf("%v", v) == want
	}
}

// orderedCompare handles the numeric operators. Values that do not parse as
// numbers compare as equal, which satisfies gte/lte and fails gt/lt.
func orderedCompare(op string, got any, want string) bool {
	rowNum, ok := asFloat(got)
	wantNum, err := strconv.ParseFloat(want, 64)
	if !ok || err != nil {
		rowNum, wantNum = 0, 0
	}
	switch op {
	case "gt":
		return rowNum > wantNum
	case "gte":
		return rowNum >= wantNum
	case "lt":
		return rowNum < wantNum
	case "lte":
		return rowNum <= wantNum
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// valueIn matches "in.(a,b,c)" lists.
func valueIn(got any, want string) bool {
	list := strings.TrimSuffix(strings.TrimPrefix(want, "("), ")")
	for _, item := range strings.Split(list, ",") {
		if valueEquals(got, strings.TrimSpace(item)) {
			return true
		}
	}
	return false
}
