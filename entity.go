package liveview

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// an entity is a schema-shaped record composed of named sections,
// each section an independent mapping of field name to value.
// fields not yet observed are absent, not zero.
type Entity = map[string]any

// how an incoming field value combines with the stored value.
// the mapping strategy -> merge function is a static table (`mergeFuncs`),
// configured per view with `ViewSettings.FieldStrategies`.
type MergeStrategy int

const (
	MergeStrategyLastWrite MergeStrategy = iota
	MergeStrategySetOnce
	MergeStrategyAppend
	MergeStrategyMerge
	MergeStrategySum
	MergeStrategyCount
	MergeStrategyMin
	MergeStrategyMax
	MergeStrategyUniqueCount
)

func (self MergeStrategy) String() string {
	switch self {
	case MergeStrategyLastWrite:
		return "lastwrite"
	case MergeStrategySetOnce:
		return "setonce"
	case MergeStrategyAppend:
		return "append"
	case MergeStrategyMerge:
		return "merge"
	case MergeStrategySum:
		return "sum"
	case MergeStrategyCount:
		return "count"
	case MergeStrategyMin:
		return "min"
	case MergeStrategyMax:
		return "max"
	case MergeStrategyUniqueCount:
		return "uniquecount"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type mergeFunc func(oldValue any, newValue any) any

var mergeFuncs = map[MergeStrategy]mergeFunc{
	MergeStrategyLastWrite:   mergeLastWrite,
	MergeStrategySetOnce:     mergeSetOnce,
	MergeStrategyAppend:      mergeAppend,
	MergeStrategyMerge:       mergeRecursive,
	MergeStrategySum:         mergeSum,
	MergeStrategyCount:       mergeCount,
	MergeStrategyMin:         mergeMin,
	MergeStrategyMax:         mergeMax,
	MergeStrategyUniqueCount: mergeUniqueCount,
}

func mergeLastWrite(oldValue any, newValue any) any {
	return newValue
}

func mergeSetOnce(oldValue any, newValue any) any {
	if oldValue != nil {
		return oldValue
	}
	return newValue
}

func mergeAppend(oldValue any, newValue any) any {
	var values []any
	if oldValue != nil {
		if oldValues, ok := oldValue.([]any); ok {
			values = slices.Clone(oldValues)
		} else {
			values = []any{oldValue}
		}
	}
	return append(values, newValue)
}

// recursive field-by-field merge of nested structures.
// fields present in the new value override, fields absent are inherited.
func mergeRecursive(oldValue any, newValue any) any {
	oldFields, oldOk := oldValue.(map[string]any)
	newFields, newOk := newValue.(map[string]any)
	if !oldOk || !newOk {
		return newValue
	}
	merged := maps.Clone(oldFields)
	for field, value := range newFields {
		merged[field] = mergeRecursive(merged[field], value)
	}
	return merged
}

func mergeSum(oldValue any, newValue any) any {
	oldNumber, _ := asNumber(oldValue)
	newNumber, ok := asNumber(newValue)
	if !ok {
		return oldValue
	}
	return oldNumber + newNumber
}

func mergeCount(oldValue any, newValue any) any {
	oldNumber, _ := asNumber(oldValue)
	return oldNumber + 1
}

func mergeMin(oldValue any, newValue any) any {
	newNumber, ok := asNumber(newValue)
	if !ok {
		return oldValue
	}
	if oldNumber, ok := asNumber(oldValue); ok && oldNumber <= newNumber {
		return oldNumber
	}
	return newNumber
}

func mergeMax(oldValue any, newValue any) any {
	newNumber, ok := asNumber(newValue)
	if !ok {
		return oldValue
	}
	if oldNumber, ok := asNumber(oldValue); ok && newNumber <= oldNumber {
		return oldNumber
	}
	return newNumber
}

func mergeUniqueCount(oldValue any, newValue any) any {
	counter, ok := oldValue.(*UniqueCounter)
	if !ok {
		counter = &UniqueCounter{
			seen: map[string]struct{}{},
		}
		if oldValue != nil {
			counter.observe(oldValue)
		}
	} else {
		counter = counter.clone()
	}
	counter.observe(newValue)
	return counter
}

// set accumulator for the uniquecount strategy.
// marshals as its count so emitted entities stay plain json.
type UniqueCounter struct {
	seen map[string]struct{}
}

func (self *UniqueCounter) observe(value any) {
	self.seen[fmt.Sprintf("%v", value)] = struct{}{}
}

func (self *UniqueCounter) clone() *UniqueCounter {
	return &UniqueCounter{
		seen: maps.Clone(self.seen),
	}
}

func (self *UniqueCounter) Count() int {
	return len(self.seen)
}

func (self *UniqueCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(len(self.seen))
}

// json numbers decode as float64. accept native ints for values
// built in process.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// applies a patch to the stored entity.
// top-level fields use the configured strategy, defaulting to a recursive
// merge so partially populated sections accumulate.
func applyPatch(oldEntity Entity, patch Entity, strategies map[string]MergeStrategy) Entity {
	merged := Entity{}
	if oldEntity != nil {
		merged = maps.Clone(oldEntity)
	}
	for field, value := range patch {
		strategy := MergeStrategyMerge
		if s, ok := strategies[field]; ok {
			strategy = s
		}
		merged[field] = mergeFuncs[strategy](merged[field], value)
	}
	return merged
}

func copyEntity(entity Entity) Entity {
	if entity == nil {
		return nil
	}
	return copyValue(entity).(Entity)
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for field, fieldValue := range v {
			out[field] = copyValue(fieldValue)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = copyValue(element)
		}
		return out
	case *UniqueCounter:
		return v.clone()
	default:
		return v
	}
}
