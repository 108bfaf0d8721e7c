package filter

import (
	"github.com/sparseix/sparseix/bitmapindex"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/numericindex"
)

// FieldWrite is one attribute of a document being indexed.
type FieldWrite struct {
	Field string
	Value any
}

// FieldFailure names a field whose write was rejected, and why,
// matching spec.md §9's "structured error surface per field".
type FieldFailure struct {
	Field string
	Err   error
}

// WriteFields registers each field's type (first-write-wins) and
// updates the bitmap or numeric index accordingly, inside an
// already-open write transaction. Fields that fail type registration
// are skipped and reported in the returned slice; the rest of the
// batch still applies, per spec.md §7's TypeConflict policy.
func WriteFields(tx *kv.Tx, schema *Schema, numeric *numericindex.Index, id model.InternalID, writes []FieldWrite) ([]FieldFailure, error) {
	var failures []FieldFailure

	for _, w := range writes {
		fieldType := classify(w.Value)
		if err := schema.Register(tx, w.Field, fieldType); err != nil {
			failures = append(failures, FieldFailure{Field: w.Field, Err: err})
			continue
		}

		field := []byte(w.Field)
		if fieldType == model.FieldTypeNumber {
			enc, err := numericSortable(w.Value)
			if err != nil {
				failures = append(failures, FieldFailure{Field: w.Field, Err: err})
				continue
			}
			if err := numeric.Put(tx, field, id, enc); err != nil {
				return failures, err
			}
			continue
		}

		value := []byte(Stringify(w.Value))
		if err := bitmapindex.Add(tx, field, value, id); err != nil {
			return failures, err
		}
	}

	return failures, nil
}

func classify(v any) model.FieldType {
	switch v.(type) {
	case bool:
		return model.FieldTypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return model.FieldTypeNumber
	default:
		return model.FieldTypeString
	}
}
