package bmw

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

func openTestIndex(t *testing.T) (*kv.Store, *Index) {
	t.Helper()
	store, err := kv.Open(kv.Options{Path: filepath.Join(t.TempDir(), "bmw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx, err := Open(store, Options{})
	require.NoError(t, err)
	return store, idx
}

func TestIndex_AddAndDirectory(t *testing.T) {
	store, idx := openTestIndex(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Add(tx, 7, 100, 1.5)
	}))

	dir := idx.Directory(7)
	require.Len(t, dir, 1)
	require.Equal(t, model.InternalID(100), dir[0].Start)
	require.InDelta(t, 1.5, dir[0].BlockMaxValue, 0.01)
}

func TestIndex_ForceNewBlockOnLargeGap(t *testing.T) {
	store, idx := openTestIndex(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		if err := idx.Add(tx, 1, 0, 1.0); err != nil {
			return err
		}
		return idx.Add(tx, 1, ForceNewBlockDiff, 1.0)
	}))

	dir := idx.Directory(1)
	require.Len(t, dir, 2)
	require.Equal(t, model.InternalID(0), dir[0].Start)
	require.Equal(t, model.InternalID(ForceNewBlockDiff), dir[1].Start)
}

func TestIndex_SplitsOnOverflow(t *testing.T) {
	store, idx := openTestIndex(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		for i := 0; i < SplitThreshold+5; i++ {
			if err := idx.Add(tx, 3, model.InternalID(i), float32(i+1)); err != nil {
				return err
			}
		}
		return nil
	}))

	dir := idx.Directory(3)
	require.Greater(t, len(dir), 1)

	total := 0
	err := store.View(func(tx *kv.Tx) error {
		for _, bi := range dir {
			b, err := idx.loadBlock(tx, 3, bi.Start)
			require.NoError(t, err)
			total += b.liveCount()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, SplitThreshold+5, total)
}

func TestIndex_RemoveTombstonesAndLowersBlockMax(t *testing.T) {
	store, idx := openTestIndex(t)

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		if err := idx.Add(tx, 5, 0, 1.0); err != nil {
			return err
		}
		return idx.Add(tx, 5, 1, 9.0)
	}))

	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Remove(tx, 5, 1)
	}))

	// Adding 9.0 requantized the 1.0 entry against a block max of 9.0
	// (byte 28), so the surviving max is 28/255*9 ≈ 0.988.
	dir := idx.Directory(5)
	require.Len(t, dir, 1)
	require.InDelta(t, float32(28)/255*9, dir[0].BlockMaxValue, 0.01)
}

func TestIndex_ReopenRestoresDirectory(t *testing.T) {
	store, idx := openTestIndex(t)
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		return idx.Add(tx, 2, 0, 4.0)
	}))

	reopened, err := Open(store, Options{})
	require.NoError(t, err)
	require.Equal(t, idx.Directory(2), reopened.Directory(2))
}
