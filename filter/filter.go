// Package filter implements the Filter Engine: a small AST over
// structured attributes ($eq/$in/$range), a persisted field-type
// schema registry, and evaluation against bitmapindex/numericindex,
// per spec.md §4.4 and §4.10.
package filter

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sparseix/sparseix/bitmapindex"
	"github.com/sparseix/sparseix/codec/sortable"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/numericindex"
)

// Op is a single-field filter operator.
type Op string

const (
	OpEq    Op = "$eq"
	OpIn    Op = "$in"
	OpRange Op = "$range"
)

// Condition is one `{field: {op: value}}` clause of a filter expression.
type Condition struct {
	Field string
	Op    Op
	// Value holds the $eq operand.
	Value any
	// Values holds the $in operands.
	Values []any
	// Range holds the [lo, hi] $range operands.
	Range [2]float64
}

// Errors mirror spec.md §7's taxonomy for filter-specific failures.
var (
	// ErrEmptyField is returned when a condition names no field.
	ErrEmptyField = errors.New("filter: empty field name")
	// ErrUnknownOp is returned for an unrecognized operator.
	ErrUnknownOp = errors.New("filter: unknown operator")
	// ErrRangeOnNonNumeric is returned for $range on a string/bool field.
	ErrRangeOnNonNumeric = errors.New("filter: $range on non-numeric field")
	// ErrRangeOverflow is returned when a $range's bounds are reversed.
	ErrRangeOverflow = errors.New("filter: $range lo > hi")
)

// TypeConflictError reports a write that targets a field with a type
// different from the one it was first registered with. The batch
// continues; only the offending field's write is skipped.
type TypeConflictError struct {
	Field      string
	Registered model.FieldType
	Rejected   model.FieldType
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("filter: field %q is registered as %s, rejected write of type %s", e.Field, e.Registered, e.Rejected)
}

// Validate checks a condition's shape against the taxonomy in
// spec.md §4.4/§7, independent of any schema state.
func (c Condition) Validate() error {
	if c.Field == "" {
		return ErrEmptyField
	}
	switch c.Op {
	case OpEq, OpIn, OpRange:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	if c.Op == OpRange && c.Range[0] > c.Range[1] {
		return ErrRangeOverflow
	}
	return nil
}

// Stringify applies spec.md §4.4's type-coercion rules: booleans
// stringify to "true"/"false"; other scalars via their default string
// form (integers decimal, floats via strconv).
func Stringify(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// numericSortable converts a scalar into its sortable u32 encoding.
// Integers and floats both go through codec/sortable's float path, so
// one numeric field orders them together and the float $range bounds
// compare correctly against stored integers. Integers beyond ±2^24
// lose precision in the float32 conversion.
func numericSortable(v any) (uint32, error) {
	switch val := v.(type) {
	case float32:
		return sortable.EncodeFloat32(val), nil
	case float64:
		return sortable.EncodeFloat32(float32(val)), nil
	case int:
		return sortable.EncodeFloat32(float32(val)), nil
	case int32:
		return sortable.EncodeFloat32(float32(val)), nil
	case int64:
		return sortable.EncodeFloat32(float32(val)), nil
	default:
		return 0, fmt.Errorf("filter: value %v (%T) is not numeric", v, v)
	}
}

// Evaluate runs every condition against the given indices inside an
// already-open read transaction and ANDs their per-condition bitmaps
// (conditions within a single $in are OR'd first).
func Evaluate(tx *kv.Tx, schema *Schema, numeric *numericindex.Index, conditions []Condition) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap

	for _, c := range conditions {
		if err := c.Validate(); err != nil {
			return nil, err
		}

		fieldType := schema.TypeOf(c.Field)
		bm, err := evaluateCondition(tx, numeric, fieldType, c)
		if err != nil {
			return nil, err
		}

		if result == nil {
			result = bm
		} else {
			result = roaring.And(result, bm)
		}
	}

	if result == nil {
		return roaring.New(), nil
	}
	return result, nil
}

func evaluateCondition(tx *kv.Tx, numeric *numericindex.Index, fieldType model.FieldType, c Condition) (*roaring.Bitmap, error) {
	field := []byte(c.Field)

	switch c.Op {
	case OpEq:
		return evaluateEqOrIn(tx, numeric, fieldType, field, []any{c.Value})
	case OpIn:
		return evaluateEqOrIn(tx, numeric, fieldType, field, c.Values)
	case OpRange:
		if fieldType != model.FieldTypeNumber {
			return nil, ErrRangeOnNonNumeric
		}
		lo := sortable.EncodeFloat32(float32(c.Range[0]))
		hi := sortable.EncodeFloat32(float32(c.Range[1]))
		return numeric.Range(tx, field, lo, hi)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
}

func evaluateEqOrIn(tx *kv.Tx, numeric *numericindex.Index, fieldType model.FieldType, field []byte, values []any) (*roaring.Bitmap, error) {
	result := roaring.New()
	for _, v := range values {
		var bm *roaring.Bitmap
		var err error
		if fieldType == model.FieldTypeNumber {
			enc, encErr := numericSortable(v)
			if encErr != nil {
				return nil, encErr
			}
			bm, err = numeric.Range(tx, field, enc, enc)
		} else {
			bm, err = bitmapindex.BitmapOf(tx, field, []byte(Stringify(v)))
		}
		if err != nil {
			return nil, err
		}
		result.Or(bm)
	}
	return result, nil
}
