// Package predicate implements the expression language used for singleton
// predicates and general item filtering: a small tree of {keypath,
// operator, value} nodes with recursive "and"/"or" combinators.
package predicate

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Operator names an Expr's comparison or combinator.
type Operator string

const (
	Eq         Operator = "="
	Neq        Operator = "!="
	Lt         Operator = "<"
	Lte        Operator = "<="
	Gt         Operator = ">"
	Gte        Operator = ">="
	StartsWith Operator = "startsWith"
	In         Operator = "in"
	Includes   Operator = "includes"
	Matches    Operator = "matches"
	And        Operator = "and"
	Or         Operator = "or"
)

// Expr is a single predicate node. For And/Or, Value must be a []Expr of
// sub-predicates; for every other operator, Value is compared against the
// value found at Keypath.
type Expr struct {
	Keypath  string
	Operator Operator
	Value    any
}

// Now is the current-time source used to resolve "N.unit.ago" relative
// date values. Stubbed out for testing, matching the pattern used
// throughout the retrieval pack for deterministic time-dependent tests.
var Now = time.Now

var agoPattern = regexp.MustCompile(`^(\d+)\.(second|minute|hour|day|week|month|year)s?\.ago$`)

var unitDurations = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// ParseRelativeDate parses strings of the shape "7.days.ago" into a time.Time
// relative to Now(). Reports ok=false if s does not match the grammar.
func ParseRelativeDate(s string) (t time.Time, ok bool) {
	m := agoPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	d := unitDurations[m[2]]
	return Now().Add(-time.Duration(n) * d), true
}

// isFalsy reports whether v is one of the falsy sentinels: false, "",
// nil, or NaN.
func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case float64:
		return x != x // NaN
	}
	return false
}

// Lookup traverses data by the dot-separated keypath, returning the value
// found and whether the full path resolved. Each dot segment indexes into
// a nested map[string]any; arrays are not indexed by keypath segments.
func Lookup(data map[string]any, keypath string) (any, bool) {
	if keypath == "" {
		return data, true
	}
	segments := strings.Split(keypath, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Evaluate reports whether data satisfies expr.
func Evaluate(data map[string]any, expr Expr) bool {
	switch expr.Operator {
	case And:
		for _, sub := range asExprSlice(expr.Value) {
			if !Evaluate(data, sub) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range asExprSlice(expr.Value) {
			if Evaluate(data, sub) {
				return true
			}
		}
		return false
	}

	actual, present := Lookup(data, expr.Keypath)
	want := resolveRelativeDate(expr.Value)
	if present {
		actual = resolveRelativeDate(actual)
	}

	switch expr.Operator {
	case Eq:
		if !present {
			// A missing path behaves as a falsy sentinel; it equals want
			// only when want is itself one of those falsy sentinels.
			return isFalsy(want)
		}
		return compareEqual(actual, want)
	case Neq:
		if !present {
			return !isFalsy(want)
		}
		return !compareEqual(actual, want)
	case Lt, Lte, Gt, Gte:
		if !present {
			return false
		}
		return compareOrdered(expr.Operator, actual, want)
	case StartsWith:
		if !present {
			return false
		}
		as, aok := actual.(string)
		ws, wok := want.(string)
		return aok && wok && strings.HasPrefix(as, ws)
	case In:
		if !present {
			return false
		}
		return containsValue(want, actual)
	case Includes:
		if !present {
			return false
		}
		return containsValue(actual, want)
	case Matches:
		if !present {
			return false
		}
		as, aok := actual.(string)
		pattern, pok := want.(string)
		if !aok || !pok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(as)
	default:
		return false
	}
}

func asExprSlice(v any) []Expr {
	switch x := v.(type) {
	case []Expr:
		return x
	case []any:
		out := make([]Expr, 0, len(x))
		for _, e := range x {
			if expr, ok := e.(Expr); ok {
				out = append(out, expr)
			}
		}
		return out
	}
	return nil
}

func resolveRelativeDate(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, ok := ParseRelativeDate(s); ok {
		return t
	}
	return v
}

func compareEqual(a, b any) bool {
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(op Operator, a, b any) bool {
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return compareTimes(op, at, bt)
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case Lt:
		return af < bf
	case Lte:
		return af <= bf
	case Gt:
		return af > bf
	case Gte:
		return af >= bf
	}
	return false
}

func compareTimes(op Operator, a, b time.Time) bool {
	switch op {
	case Lt:
		return a.Before(b)
	case Lte:
		return a.Before(b) || a.Equal(b)
	case Gt:
		return a.After(b)
	case Gte:
		return a.After(b) || a.Equal(b)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// containsValue reports whether needle appears in haystack, where haystack
// may be a []any or a comma-joined string list.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
		return false
	case string:
		ns, ok := needle.(string)
		if !ok {
			return false
		}
		for _, part := range strings.Split(h, ",") {
			if strings.TrimSpace(part) == ns {
				return true
			}
		}
		return false
	default:
		return fmt.Sprintf("%v", haystack) == fmt.Sprintf("%v", needle)
	}
}
