package filter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/bitmapindex"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/numericindex"
)

func newTestEngine(t *testing.T) (*kv.Store, *Schema, *numericindex.Index) {
	t.Helper()
	store, err := kv.Open(kv.Options{Path: filepath.Join(t.TempDir(), "filter.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	schema, err := OpenSchema(store)
	require.NoError(t, err)
	_, err = bitmapindex.Open(store)
	require.NoError(t, err)
	numeric, err := numericindex.Open(store, numericindex.Options{})
	require.NoError(t, err)
	return store, schema, numeric
}

func TestEvaluate_EqOnString(t *testing.T) {
	store, schema, numeric := newTestEngine(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		for _, id := range []model.InternalID{10, 11, 12} {
			_, err := WriteFields(tx, schema, numeric, id, []FieldWrite{{Field: "category", Value: "Billing"}})
			if err != nil {
				return err
			}
		}
		for _, id := range []model.InternalID{20, 21} {
			_, err := WriteFields(tx, schema, numeric, id, []FieldWrite{{Field: "category", Value: "Tech"}})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *kv.Tx) error {
		bm, err := Evaluate(tx, schema, numeric, []Condition{{Field: "category", Op: OpEq, Value: "Billing"}})
		require.NoError(t, err)
		require.EqualValues(t, 3, bm.GetCardinality())
		require.True(t, bm.Contains(10))
		require.True(t, bm.Contains(11))
		require.True(t, bm.Contains(12))
		require.False(t, bm.Contains(20))
		return nil
	})
	require.NoError(t, err)
}

func TestEvaluate_NumericRange(t *testing.T) {
	store, schema, numeric := newTestEngine(t)

	prices := map[model.InternalID]float64{1: 5, 2: 10, 3: 15, 4: 20}
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		for id, p := range prices {
			if _, err := WriteFields(tx, schema, numeric, id, []FieldWrite{{Field: "price", Value: p}}); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *kv.Tx) error {
		bm, err := Evaluate(tx, schema, numeric, []Condition{{Field: "price", Op: OpRange, Range: [2]float64{10, 15}}})
		require.NoError(t, err)
		require.True(t, bm.Contains(2))
		require.True(t, bm.Contains(3))
		require.EqualValues(t, 2, bm.GetCardinality())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		_, err := WriteFields(tx, schema, numeric, model.InternalID(2), []FieldWrite{{Field: "price", Value: float64(25)}})
		return err
	}))

	err = store.View(func(tx *kv.Tx) error {
		bm, err := Evaluate(tx, schema, numeric, []Condition{{Field: "price", Op: OpRange, Range: [2]float64{10, 15}}})
		require.NoError(t, err)
		require.False(t, bm.Contains(2))
		require.True(t, bm.Contains(3))
		require.EqualValues(t, 1, bm.GetCardinality())
		return nil
	})
	require.NoError(t, err)
}

func TestSchema_TypeConflictSkipsFieldNotBatch(t *testing.T) {
	store, schema, numeric := newTestEngine(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		_, err := WriteFields(tx, schema, numeric, model.InternalID(1), []FieldWrite{{Field: "tier", Value: "gold"}})
		return err
	}))

	err := store.Update(func(tx *kv.Tx) error {
		failures, err := WriteFields(tx, schema, numeric, model.InternalID(2), []FieldWrite{
			{Field: "tier", Value: int64(5)},
			{Field: "status", Value: "active"},
		})
		require.NoError(t, err)
		require.Len(t, failures, 1)
		require.Equal(t, "tier", failures[0].Field)
		var conflict *TypeConflictError
		require.ErrorAs(t, failures[0].Err, &conflict)
		return nil
	})
	require.NoError(t, err)

	err = store.View(func(tx *kv.Tx) error {
		bm, err := Evaluate(tx, schema, numeric, []Condition{{Field: "status", Op: OpEq, Value: "active"}})
		require.NoError(t, err)
		require.True(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestCondition_Validate(t *testing.T) {
	require.ErrorIs(t, Condition{Field: "", Op: OpEq}.Validate(), ErrEmptyField)
	require.ErrorIs(t, Condition{Field: "x", Op: "$bogus"}.Validate(), ErrUnknownOp)
	require.ErrorIs(t, Condition{Field: "x", Op: OpRange, Range: [2]float64{5, 1}}.Validate(), ErrRangeOverflow)
}

func TestEvaluate_RangeOnNonNumericRejected(t *testing.T) {
	store, schema, numeric := newTestEngine(t)
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		_, err := WriteFields(tx, schema, numeric, model.InternalID(1), []FieldWrite{{Field: "name", Value: "a"}})
		return err
	}))

	err := store.View(func(tx *kv.Tx) error {
		_, err := Evaluate(tx, schema, numeric, []Condition{{Field: "name", Op: OpRange, Range: [2]float64{0, 1}}})
		require.ErrorIs(t, err, ErrRangeOnNonNumeric)
		return nil
	})
	require.NoError(t, err)
}
