package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/moodlog/moodlog/internal/cache/errs"
)

// Record exposes field values for in-memory evaluation. Values use the
// canonical types of Normalize; nil means NULL.
type Record interface {
	Field(name string) (any, bool)
}

// Match evaluates the filter against r with the same semantics as the
// compiled SQL.
func (f Filter) Match(fields Fields, r Record) (bool, error) {
	for _, p := range f.Predicates {
		col, err := fields.lookup(p.Field)
		if err != nil {
			return false, err
		}
		got, ok := r.Field(p.Field)
		if !ok {
			return false, fmt.Errorf("%w: record has no field %q", errs.ErrInvalidQuery, p.Field)
		}

		matched, err := matchOne(col, p, got)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(col Column, p Predicate, got any) (bool, error) {
	switch p.Op {
	case OpEq:
		if p.Value == nil {
			return got == nil, nil
		}
		want, err := Normalize(col.Kind, p.Value)
		if err != nil {
			return false, err
		}
		if got == nil || want == nil {
			return got == nil && want == nil, nil
		}
		return Compare(col.Kind, got, want) == 0, nil

	case OpRange:
		if p.Lo == nil && p.Hi == nil {
			return false, fmt.Errorf("%w: range on %q has no bounds", errs.ErrInvalidQuery, p.Field)
		}
		if got == nil {
			// Bounds are still checked so a bad range fails on every record.
			if err := checkBounds(col, p); err != nil {
				return false, err
			}
			return false, nil
		}
		if p.Lo != nil {
			lo, err := rangeBound(col, p, p.Lo)
			if err != nil {
				return false, err
			}
			if Compare(col.Kind, got, lo) < 0 {
				return false, nil
			}
		}
		if p.Hi != nil {
			hi, err := rangeBound(col, p, p.Hi)
			if err != nil {
				return false, err
			}
			if Compare(col.Kind, got, hi) > 0 {
				return false, nil
			}
		}
		return true, nil

	case OpPrefix:
		s, err := textOperand(col, p)
		if err != nil {
			return false, err
		}
		v, _ := got.(string)
		return strings.HasPrefix(v, s), nil

	case OpContainsFold:
		s, err := textOperand(col, p)
		if err != nil {
			return false, err
		}
		v, _ := got.(string)
		return TextContainsFold(v, s), nil
	}
	return false, fmt.Errorf("%w: unknown operator %d", errs.ErrInvalidQuery, p.Op)
}

// rangeBound normalizes one range bound. A bound that is a nil pointer is
// rejected: NULL has no order.
func rangeBound(col Column, p Predicate, v any) (any, error) {
	n, err := Normalize(col.Kind, v)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: range on %q has a nil bound", errs.ErrInvalidQuery, p.Field)
	}
	return n, nil
}

func checkBounds(col Column, p Predicate) error {
	for _, v := range []any{p.Lo, p.Hi} {
		if v == nil {
			continue
		}
		if _, err := rangeBound(col, p, v); err != nil {
			return err
		}
	}
	return nil
}

// Compare orders two canonical values of kind. Mismatched types compare as
// equal only when both are nil.
func Compare(kind Kind, a, b any) int {
	switch kind {
	case KindText, KindDate:
		return strings.Compare(a.(string), b.(string))
	case KindInt:
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case KindBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case KindTime:
		return a.(time.Time).Compare(b.(time.Time))
	}
	return 0
}

// TextContainsFold reports whether s contains substr ignoring ASCII case. It
// folds exactly the characters SQLite's lower() folds, so in-memory and
// on-disk matching agree.
func TextContainsFold(s, substr string) bool {
	return strings.Contains(FoldASCII(s), FoldASCII(substr))
}

// FoldASCII lowercases ASCII letters and leaves every other rune alone.
func FoldASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
