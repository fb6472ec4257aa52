package predicate

import (
	"testing"
	"time"
)

func TestEvaluate_SimpleEquality(t *testing.T) {
	data := map[string]any{"content": map[string]any{"text": "hello"}}
	expr := Expr{Keypath: "content.text", Operator: Eq, Value: "hello"}
	if !Evaluate(data, expr) {
		t.Fatalf("expected match")
	}
	expr.Value = "goodbye"
	if Evaluate(data, expr) {
		t.Fatalf("expected no match")
	}
}

func TestEvaluate_NotEqualAbsentPath(t *testing.T) {
	data := map[string]any{}
	// absent path: != non-falsy value is true
	if !Evaluate(data, Expr{Keypath: "missing", Operator: Neq, Value: "something"}) {
		t.Fatalf("expected absent path != non-falsy value to be true")
	}
	// absent path: != falsy value is false
	if Evaluate(data, Expr{Keypath: "missing", Operator: Neq, Value: ""}) {
		t.Fatalf("expected absent path != falsy value to be false")
	}
}

func TestEvaluate_EqualAbsentPath(t *testing.T) {
	data := map[string]any{}
	if Evaluate(data, Expr{Keypath: "missing", Operator: Eq, Value: "something"}) {
		t.Fatalf("expected absent path == non-falsy value to be false")
	}
	if !Evaluate(data, Expr{Keypath: "missing", Operator: Eq, Value: false}) {
		t.Fatalf("expected absent path == falsy value to be true")
	}
}

func TestEvaluate_Ordering(t *testing.T) {
	data := map[string]any{"count": float64(5)}
	if !Evaluate(data, Expr{Keypath: "count", Operator: Gt, Value: float64(3)}) {
		t.Fatalf("expected 5 > 3")
	}
	if Evaluate(data, Expr{Keypath: "count", Operator: Lt, Value: float64(3)}) {
		t.Fatalf("expected 5 < 3 to be false")
	}
	if !Evaluate(data, Expr{Keypath: "count", Operator: Gte, Value: float64(5)}) {
		t.Fatalf("expected 5 >= 5")
	}
}

func TestEvaluate_StartsWithAndIncludes(t *testing.T) {
	data := map[string]any{
		"name": "archive-2024",
		"tags": []any{"work", "urgent"},
	}
	if !Evaluate(data, Expr{Keypath: "name", Operator: StartsWith, Value: "archive"}) {
		t.Fatalf("expected prefix match")
	}
	if !Evaluate(data, Expr{Keypath: "tags", Operator: Includes, Value: "urgent"}) {
		t.Fatalf("expected tags to include urgent")
	}
	if Evaluate(data, Expr{Keypath: "tags", Operator: Includes, Value: "absent"}) {
		t.Fatalf("expected tags to not include absent")
	}
}

func TestEvaluate_In(t *testing.T) {
	data := map[string]any{"type": "note"}
	expr := Expr{Keypath: "type", Operator: In, Value: []any{"note", "task"}}
	if !Evaluate(data, expr) {
		t.Fatalf("expected type in list")
	}
}

func TestEvaluate_Matches(t *testing.T) {
	data := map[string]any{"email": "user@example.com"}
	expr := Expr{Keypath: "email", Operator: Matches, Value: `^[^@]+@example\.com$`}
	if !Evaluate(data, expr) {
		t.Fatalf("expected regex match")
	}
}

func TestEvaluate_AndOr(t *testing.T) {
	data := map[string]any{"a": float64(1), "b": float64(2)}
	and := Expr{Operator: And, Value: []Expr{
		{Keypath: "a", Operator: Eq, Value: float64(1)},
		{Keypath: "b", Operator: Eq, Value: float64(2)},
	}}
	if !Evaluate(data, and) {
		t.Fatalf("expected and to match")
	}

	or := Expr{Operator: Or, Value: []Expr{
		{Keypath: "a", Operator: Eq, Value: float64(99)},
		{Keypath: "b", Operator: Eq, Value: float64(2)},
	}}
	if !Evaluate(data, or) {
		t.Fatalf("expected or to match")
	}
}

func TestParseRelativeDate(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	got, ok := ParseRelativeDate("7.days.ago")
	if !ok {
		t.Fatalf("expected 7.days.ago to parse")
	}
	want := fixed.Add(-7 * 24 * time.Hour)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, ok := ParseRelativeDate("not a date"); ok {
		t.Fatalf("expected garbage input to fail parsing")
	}
}

func TestEvaluate_RelativeDateComparison(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	data := map[string]any{"created_at": fixed.Add(-10 * 24 * time.Hour)}
	expr := Expr{Keypath: "created_at", Operator: Lt, Value: "7.days.ago"}
	if !Evaluate(data, expr) {
		t.Fatalf("expected item created 10 days ago to be before 7 days ago")
	}
}
