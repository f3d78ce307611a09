// Package query provides the typed predicate builder used by the cache
// repositories.
//
// A Filter is an AND of predicates over named fields. Each repository
// publishes a Fields table mapping field names to columns and kinds, and
// a Filter compiles against it to parameterised SQL; the same Filter can
// be evaluated in memory against a Record. Values never reach the SQL text.
//
//	f := query.And(
//	    query.Prefix("entry_date", "2026-10"),
//	    query.ContainsFold("content", "rain"),
//	)
//	posts, err := repo.Query(ctx, f, query.Sort{Field: "entry_date", Desc: true})
package query

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/moodlog/moodlog/internal/cache/errs"
)

// Kind is the value type of a field.
type Kind int

const (
	// KindText is a free text column.
	KindText Kind = iota
	// KindDate is a YYYY-MM-DD text column.
	KindDate
	// KindInt is an integer column.
	KindInt
	// KindBool is a 0/1 column.
	KindBool
	// KindTime is a timestamp column in db.TimeLayout.
	KindTime
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDate:
		return "date"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Op is the predicate operator.
type Op int

const (
	// OpEq matches an exact value.
	OpEq Op = iota
	// OpRange matches Lo <= value <= Hi. An untyped nil bound is open; a nil
	// pointer bound is rejected.
	OpRange
	// OpPrefix matches text or dates starting with a string.
	OpPrefix
	// OpContainsFold matches text containing a string, ignoring case.
	OpContainsFold
)

// String returns a human-readable representation of the operator.
func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpRange:
		return "range"
	case OpPrefix:
		return "prefix"
	case OpContainsFold:
		return "contains"
	default:
		return "unknown"
	}
}

// Predicate is one condition on one field.
type Predicate struct {
	Op    Op
	Field string
	Value any // OpEq, OpPrefix, OpContainsFold
	Lo    any // OpRange
	Hi    any // OpRange
}

// Eq matches field == v.
func Eq(field string, v any) Predicate {
	return Predicate{Op: OpEq, Field: field, Value: v}
}

// Range matches lo <= field <= hi. Pass nil for an open bound.
func Range(field string, lo, hi any) Predicate {
	return Predicate{Op: OpRange, Field: field, Lo: lo, Hi: hi}
}

// Prefix matches fields starting with s, e.g. Prefix("entry_date", "2026-10")
// for a month.
func Prefix(field, s string) Predicate {
	return Predicate{Op: OpPrefix, Field: field, Value: s}
}

// ContainsFold matches fields containing s, ignoring case.
func ContainsFold(field, s string) Predicate {
	return Predicate{Op: OpContainsFold, Field: field, Value: s}
}

// Filter is the conjunction of its predicates. The zero Filter matches
// everything.
type Filter struct {
	Predicates []Predicate
}

// And combines predicates.
func And(preds ...Predicate) Filter {
	return Filter{Predicates: preds}
}

// And returns a new Filter with preds appended.
func (f Filter) And(preds ...Predicate) Filter {
	out := make([]Predicate, 0, len(f.Predicates)+len(preds))
	out = append(out, f.Predicates...)
	out = append(out, preds...)
	return Filter{Predicates: out}
}

// Sort orders results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Column describes a queryable field.
type Column struct {
	Name string
	Kind Kind
}

// Fields maps public field names to columns.
type Fields map[string]Column

func (fs Fields) lookup(field string) (Column, error) {
	col, ok := fs[field]
	if !ok {
		return Column{}, fmt.Errorf("%w: unknown field %q", errs.ErrInvalidQuery, field)
	}
	return col, nil
}

// Compile renders the filter as a SQL boolean expression with ? placeholders.
// An empty filter compiles to "1=1".
func (f Filter) Compile(fields Fields) (string, []any, error) {
	if len(f.Predicates) == 0 {
		return "1=1", nil, nil
	}

	var conditions []string
	var args []any

	for _, p := range f.Predicates {
		col, err := fields.lookup(p.Field)
		if err != nil {
			return "", nil, err
		}

		switch p.Op {
		case OpEq:
			v, err := sqlValue(col, p.Value)
			if err != nil {
				return "", nil, err
			}
			if v == nil {
				conditions = append(conditions, col.Name+" IS NULL")
				continue
			}
			conditions = append(conditions, col.Name+" = ?")
			args = append(args, v)

		case OpRange:
			if p.Lo == nil && p.Hi == nil {
				return "", nil, fmt.Errorf("%w: range on %q has no bounds", errs.ErrInvalidQuery, p.Field)
			}
			if p.Lo != nil {
				v, err := sqlValue(col, p.Lo)
				if err != nil {
					return "", nil, err
				}
				if v == nil {
					return "", nil, fmt.Errorf("%w: range on %q has a nil bound", errs.ErrInvalidQuery, p.Field)
				}
				conditions = append(conditions, col.Name+" >= ?")
				args = append(args, v)
			}
			if p.Hi != nil {
				v, err := sqlValue(col, p.Hi)
				if err != nil {
					return "", nil, err
				}
				if v == nil {
					return "", nil, fmt.Errorf("%w: range on %q has a nil bound", errs.ErrInvalidQuery, p.Field)
				}
				conditions = append(conditions, col.Name+" <= ?")
				args = append(args, v)
			}

		case OpPrefix:
			s, err := textOperand(col, p)
			if err != nil {
				return "", nil, err
			}
			// substr avoids LIKE wildcard escaping. Its length is in
			// characters, not bytes.
			conditions = append(conditions, "substr("+col.Name+", 1, ?) = ?")
			args = append(args, utf8.RuneCountInString(s), s)

		case OpContainsFold:
			s, err := textOperand(col, p)
			if err != nil {
				return "", nil, err
			}
			conditions = append(conditions, "instr(lower(coalesce("+col.Name+", '')), ?) > 0")
			args = append(args, FoldASCII(s))

		default:
			return "", nil, fmt.Errorf("%w: unknown operator %d", errs.ErrInvalidQuery, p.Op)
		}
	}

	return strings.Join(conditions, " AND "), args, nil
}

// Compile renders the sort as an ORDER BY body. tiebreak is appended so
// results are stable.
func (s Sort) Compile(fields Fields, tiebreak string) (string, error) {
	if s.Field == "" {
		return tiebreak, nil
	}
	col, err := fields.lookup(s.Field)
	if err != nil {
		return "", err
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	order := col.Name + " " + dir
	if tiebreak != "" {
		order += ", " + tiebreak
	}
	return order, nil
}

func textOperand(col Column, p Predicate) (string, error) {
	if col.Kind != KindText && col.Kind != KindDate {
		return "", fmt.Errorf("%w: %s needs a text field, %q is %s", errs.ErrInvalidQuery, p.Op, p.Field, col.Kind)
	}
	s, ok := p.Value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s on %q needs a string operand", errs.ErrInvalidQuery, p.Op, p.Field)
	}
	return s, nil
}

// sqlValue converts an operand to the value stored in col.
func sqlValue(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := Normalize(col.Kind, v)
	if err != nil {
		return nil, err
	}
	switch x := n.(type) {
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UTC().Format(timeLayout), nil
	default:
		return x, nil
	}
}

// timeLayout mirrors db.TimeLayout; query does not import db to stay a leaf.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Normalize converts v to the canonical Go type of kind: string for text
// and dates, int64 for ints, bool, and time.Time.
func Normalize(kind Kind, v any) (any, error) {
	switch kind {
	case KindText, KindDate:
		switch x := v.(type) {
		case string:
			return x, nil
		case *string:
			if x == nil {
				return nil, nil
			}
			return *x, nil
		}
	case KindInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case *int64:
			if x == nil {
				return nil, nil
			}
			return *x, nil
		}
	case KindBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case KindTime:
		if x, ok := v.(time.Time); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not a %s value", errs.ErrInvalidQuery, v, kind)
}
