package match

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Operators understood by Compare.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpPrefix      = "prefix"
	OpSuffix      = "suffix"
	OpRegex       = "regex"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpExists      = "exists"
	OpGreater     = "gt"
	OpGreaterEq   = "gte"
	OpLess        = "lt"
	OpLessEq      = "lte"
	OpGlob        = "glob"
	OpBetween     = "between"
	OpNotExists   = "not_exists"
	OpContainsAny = "contains_any"
)

var aliases = map[string]string{
	"":            OpEquals,
	"=":           OpEquals,
	"==":          OpEquals,
	"eq":          OpEquals,
	"!=":          OpNotEquals,
	"≠":           OpNotEquals,
	"ne":          OpNotEquals,
	"neq":         OpNotEquals,
	"starts_with": OpPrefix,
	"ends_with":   OpSuffix,
	"matches":     OpRegex,
	">":           OpGreater,
	">=":          OpGreaterEq,
	"≥":           OpGreaterEq,
	"<":           OpLess,
	"<=":          OpLessEq,
	"≤":           OpLessEq,
}

// NormalizeOperator maps symbolic and aliased operators to their canonical name.
func NormalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if canonical, ok := aliases[op]; ok {
		return canonical
	}
	return op
}

// KnownOperator reports whether Compare understands op.
func KnownOperator(op string) bool {
	switch NormalizeOperator(op) {
	case OpEquals, OpNotEquals, OpContains, OpPrefix, OpSuffix, OpRegex, OpIn, OpNotIn,
		OpExists, OpNotExists, OpGreater, OpGreaterEq, OpLess, OpLessEq, OpGlob, OpBetween, OpContainsAny:
		return true
	default:
		return false
	}
}

// Compare evaluates "actual op expected". present tells whether actual was found at
// all; only exists and not_exists are meaningful for absent values.
func Compare(op string, actual any, present bool, expected any) (bool, error) {
	op = NormalizeOperator(op)
	switch op {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}
	if !present {
		return op == OpNotEquals || op == OpNotIn, nil
	}

	switch op {
	case OpEquals:
		return Equal(actual, expected), nil
	case OpNotEquals:
		return !Equal(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpContainsAny:
		for _, item := range toSlice(expected) {
			if contains(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case OpPrefix:
		return strings.HasPrefix(Stringify(actual), Stringify(expected)), nil
	case OpSuffix:
		return strings.HasSuffix(Stringify(actual), Stringify(expected)), nil
	case OpRegex:
		re, err := Regexp(Stringify(expected))
		if err != nil {
			return false, err
		}
		return re.MatchString(Stringify(actual)), nil
	case OpGlob:
		return Glob(Stringify(expected), Stringify(actual), PathSeparator), nil
	case OpIn:
		return in(actual, expected), nil
	case OpNotIn:
		return !in(actual, expected), nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		a, ok := ToFloat(actual)
		if !ok {
			return false, fmt.Errorf("operator %s: %v is not numeric", op, actual)
		}
		b, ok := ToFloat(expected)
		if !ok {
			return false, fmt.Errorf("operator %s: %v is not numeric", op, expected)
		}
		return CompareFloat(op, a, b), nil
	case OpBetween:
		bounds := toSlice(expected)
		if len(bounds) != 2 {
			return false, fmt.Errorf("operator between: want [min, max], got %v", expected)
		}
		a, okA := ToFloat(actual)
		lo, okLo := ToFloat(bounds[0])
		hi, okHi := ToFloat(bounds[1])
		if !okA || !okLo || !okHi {
			return false, fmt.Errorf("operator between: non-numeric operand")
		}
		return a >= lo && a <= hi, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// CompareFloat applies a canonical numeric operator.
func CompareFloat(op string, a, b float64) bool {
	switch NormalizeOperator(op) {
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	case OpEquals:
		return a == b
	case OpNotEquals:
		return a != b
	default:
		return false
	}
}

// Equal compares loosely: numbers by value, everything else by string form when the
// types differ.
func Equal(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.TypeOf(a) == reflect.TypeOf(b) && reflect.TypeOf(a) != nil && reflect.TypeOf(a).Comparable() {
		return a == b
	}
	return Stringify(a) == Stringify(b)
}

// ToFloat converts numeric values, json.Number and numeric strings.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Stringify renders scalars for string operators.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

var regexCache sync.Map // string -> *regexp.Regexp

// Regexp compiles and caches a regular expression.
func Regexp(expr string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", expr, err)
	}
	regexCache.Store(expr, re)
	return re, nil
}

func contains(actual, expected any) bool {
	if items := toSlice(actual); items != nil {
		for _, item := range items {
			if Equal(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(Stringify(actual), Stringify(expected))
}

func in(actual, expected any) bool {
	for _, item := range toSlice(expected) {
		if Equal(actual, item) {
			return true
		}
	}
	return false
}

func toSlice(v any) []any {
	switch typed := v.(type) {
	case []any:
		return typed
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}
		return out
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
