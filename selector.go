package gramdb

import (
	"reflect"
	"sort"
)

// Op is a selector comparison operator.
type Op string

// Selector operators.
const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpExists Op = "$exists"
)

// Condition tests one (dotted) field path.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Selector is a conjunction of conditions. An empty selector matches every
// document.
type Selector []Condition

// Eq matches documents whose field equals v. A nil v also matches a missing field.
func Eq(field string, v any) Condition { return Condition{Field: field, Op: OpEq, Value: v} }

// Ne matches documents whose field does not equal v.
func Ne(field string, v any) Condition { return Condition{Field: field, Op: OpNe, Value: v} }

// Gt matches documents whose field is greater than v.
func Gt(field string, v any) Condition { return Condition{Field: field, Op: OpGt, Value: v} }

// Gte matches documents whose field is greater than or equal to v.
func Gte(field string, v any) Condition { return Condition{Field: field, Op: OpGte, Value: v} }

// Lt matches documents whose field is less than v.
func Lt(field string, v any) Condition { return Condition{Field: field, Op: OpLt, Value: v} }

// Lte matches documents whose field is less than or equal to v.
func Lte(field string, v any) Condition { return Condition{Field: field, Op: OpLte, Value: v} }

// In matches documents whose field equals one of values.
func In(field string, values ...any) Condition {
	return Condition{Field: field, Op: OpIn, Value: values}
}

// Exists matches documents where the field is present (or absent when want is false).
func Exists(field string, want bool) Condition {
	return Condition{Field: field, Op: OpExists, Value: want}
}

// Where builds a selector from conditions.
func Where(conds ...Condition) Selector { return Selector(conds) }

// Matches reports whether doc satisfies every condition.
func (s Selector) Matches(doc Document) bool {
	if doc == nil {
		return false
	}
	for _, c := range s {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c Condition) matches(doc Document) bool {
	v, ok := doc.Get(c.Field)
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return !ok || v == nil
		}
		return ok && equalValues(v, c.Value)
	case OpNe:
		if c.Value == nil {
			return ok && v != nil
		}
		return !ok || !equalValues(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		cmp, comparable := orderValues(v, c.Value)
		if !comparable {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		if !ok {
			return false
		}
		for _, want := range inValues(c.Value) {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	case OpExists:
		want, _ := c.Value.(bool)
		return ok == want
	}
	return false
}

func inValues(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

// orderValues compares two numbers or two strings.
func orderValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	switch {
	case sa < sb:
		return -1, true
	case sa > sb:
		return 1, true
	}
	return 0, true
}

// Query is a selector with optional ordering and limit.
type Query struct {
	Selector   Selector
	SortBy     string // dotted path; "" sorts by id
	Descending bool
	Limit      int // 0 means no limit
}

// sortDocuments orders docs by the query's sort field, breaking ties by id.
// Missing values sort first, numbers before strings.
func sortDocuments(docs []Document, field string, desc bool) {
	if field == "" {
		field = "id"
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareForSort(docs[i], docs[j], field)
		if c == 0 {
			c = compareForSort(docs[i], docs[j], "id")
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareForSort(a, b Document, field string) int {
	va, oka := a.Get(field)
	vb, okb := b.Get(field)
	ra, rb := sortRank(va, oka), sortRank(vb, okb)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if c, ok := orderValues(va, vb); ok {
		return c
	}
	if ra == 3 {
		ba, bb := va.(bool), vb.(bool)
		switch {
		case !ba && bb:
			return -1
		case ba && !bb:
			return 1
		}
	}
	return 0
}

func sortRank(v any, ok bool) int {
	if !ok || v == nil {
		return 0
	}
	if _, isNum := toFloat(v); isNum {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}
