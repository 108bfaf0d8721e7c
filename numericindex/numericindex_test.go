package numericindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/codec/sortable"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

func openTestIndex(t *testing.T, opts Options) (*kv.Store, *Index) {
	t.Helper()
	store, err := kv.Open(kv.Options{Path: filepath.Join(t.TempDir(), "numeric.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	idx, err := Open(store, opts)
	require.NoError(t, err)
	return store, idx
}

func TestPutAndCheckRange(t *testing.T) {
	store, idx := openTestIndex(t, Options{})
	field := []byte("price")

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Put(tx, field, model.InternalID(1), sortable.EncodeInt32(10))
	}))

	err := store.View(func(tx *kv.Tx) error {
		ok, err := idx.CheckRange(tx, field, model.InternalID(1), sortable.EncodeInt32(0), sortable.EncodeInt32(20))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = idx.CheckRange(tx, field, model.InternalID(1), sortable.EncodeInt32(20), sortable.EncodeInt32(30))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRangeAcrossBuckets(t *testing.T) {
	store, idx := openTestIndex(t, Options{BucketMaxSize: 4})
	field := []byte("score")

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		for i := int32(0); i < 20; i++ {
			if err := idx.Put(tx, field, model.InternalID(i), sortable.EncodeInt32(i)); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *kv.Tx) error {
		bm, err := idx.Range(tx, field, sortable.EncodeInt32(5), sortable.EncodeInt32(12))
		require.NoError(t, err)
		require.EqualValues(t, 8, bm.GetCardinality())
		for i := uint32(5); i <= 12; i++ {
			require.True(t, bm.Contains(i))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPutOverwriteRelocates(t *testing.T) {
	store, idx := openTestIndex(t, Options{})
	field := []byte("temp")

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Put(tx, field, model.InternalID(1), sortable.EncodeInt32(5))
	}))
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Put(tx, field, model.InternalID(1), sortable.EncodeInt32(500))
	}))

	err := store.View(func(tx *kv.Tx) error {
		bm, err := idx.Range(tx, field, sortable.EncodeInt32(0), sortable.EncodeInt32(10))
		require.NoError(t, err)
		require.EqualValues(t, 0, bm.GetCardinality())

		bm, err = idx.Range(tx, field, sortable.EncodeInt32(400), sortable.EncodeInt32(600))
		require.NoError(t, err)
		require.EqualValues(t, 1, bm.GetCardinality())
		return nil
	})
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	store, idx := openTestIndex(t, Options{})
	field := []byte("weight")

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Put(tx, field, model.InternalID(9), sortable.EncodeInt32(1))
	}))
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Remove(tx, field, model.InternalID(9))
	}))

	err := store.View(func(tx *kv.Tx) error {
		ok, err := idx.CheckRange(tx, field, model.InternalID(9), sortable.EncodeInt32(0), sortable.EncodeInt32(100))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}
