package liveview

import (
	"reflect"
	"strings"
)

type Cmp int

const (
	CmpEq Cmp = iota
	CmpGt
	CmpGte
	CmpLt
	CmpLte
)

// one client-side comparison, applied after merge, before emission.
// `Field` may be a dotted path into sections, e.g. "metrics.volume".
type Condition struct {
	Field string
	Cmp   Cmp
	Value any
}

// admit/reject predicate. entities failing the predicate are omitted
// from the emitted sequence, never raised as errors (see `Query.Schema`).
type SchemaFunc func(entity Entity) bool

// query parameters recognized on all subscribe and one-shot operations.
// `Take` and `Skip` are forwarded to the stack. `Where`, `Schema` and
// `Limit` are applied locally.
type Query struct {
	// primary key, for state views
	Key string

	// server-side row cap and offset
	Take int
	Skip int

	// client-side comparison filter
	Where []Condition

	// validation predicate. failures are silently excluded, the
	// underlying cache is still updated.
	Schema SchemaFunc

	// client-side cap on retained results after filtering
	Limit int
}

func (self *Query) match(entity Entity) bool {
	if self == nil {
		return true
	}
	if entity == nil {
		return false
	}
	for _, condition := range self.Where {
		if !condition.match(entity) {
			return false
		}
	}
	if self.Schema != nil && !self.Schema(entity) {
		return false
	}
	return true
}

func (self *Condition) match(entity Entity) bool {
	value, ok := lookupField(entity, self.Field)
	if !ok {
		return false
	}
	if self.Cmp == CmpEq {
		if c, ok := compareValues(value, self.Value); ok {
			return c == 0
		}
		return equalValues(value, self.Value)
	}
	c, ok := compareValues(value, self.Value)
	if !ok {
		return false
	}
	switch self.Cmp {
	case CmpGt:
		return 0 < c
	case CmpGte:
		return 0 <= c
	case CmpLt:
		return c < 0
	case CmpLte:
		return c <= 0
	default:
		return false
	}
}

func lookupField(entity Entity, field string) (any, bool) {
	var value any = entity
	for _, part := range strings.Split(field, ".") {
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = fields[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func compareValues(a any, b any) (int, bool) {
	if aNumber, ok := asNumber(a); ok {
		bNumber, ok := asNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case aNumber < bNumber:
			return -1, true
		case bNumber < aNumber:
			return 1, true
		default:
			return 0, true
		}
	}
	if aStr, ok := a.(string); ok {
		bStr, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(aStr, bStr), true
	}
	return 0, false
}

func equalValues(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
