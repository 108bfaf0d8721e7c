package sparseix

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/filter"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/wal"
)

func openTestCollection(t *testing.T, optFns ...Option) *Collection {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func vec(pairs ...float32) model.SparseVector {
	v := make(model.SparseVector, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		v = append(v, model.TermWeight{TermID: uint32(pairs[i]), Value: pairs[i+1]})
	}
	return v
}

func TestOpenClose_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	stats, err := c2.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.LiveInternalIDs)
}

func TestUpsert_AssignsFreshIDsAndPersists(t *testing.T) {
	c := openTestCollection(t)

	ids, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 0.5, 2, 0.75), Attributes: map[string]any{"color": "red"}},
		{ExternalID: model.ExternalID("doc-b"), Vector: vec(2, 1.0), Attributes: map[string]any{"color": "blue"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, model.InternalID(1), ids[0])
	require.Equal(t, model.InternalID(2), ids[1])

	results, err := c.Search(vec(2, 1.0), 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	found := false
	for _, r := range results {
		if string(r.ExternalID) == "doc-b" {
			found = true
		}
	}
	require.True(t, found)
}

func TestUpsert_ExistingExternalIDUpdatesInPlace(t *testing.T) {
	c := openTestCollection(t)

	ids1, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 1.0), Attributes: map[string]any{"color": "red"}},
	})
	require.NoError(t, err)

	ids2, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(2, 1.0), Attributes: map[string]any{"color": "blue"}},
	})
	require.NoError(t, err)
	require.Equal(t, ids1[0], ids2[0])

	// Old term (1) should no longer match; new term (2) should.
	resultsOld, err := c.Search(vec(1, 1.0), 10, nil)
	require.NoError(t, err)
	for _, r := range resultsOld {
		require.NotEqual(t, "doc-a", string(r.ExternalID))
	}

	resultsNew, err := c.Search(vec(2, 1.0), 10, nil)
	require.NoError(t, err)
	require.True(t, len(resultsNew) > 0)

	// Old bitmap entry ("color"="red") must have been cleared.
	redResults, err := c.Search(vec(2, 1.0), 10, []filter.Condition{
		{Field: "color", Op: filter.OpEq, Value: "red"},
	})
	require.NoError(t, err)
	for _, r := range redResults {
		require.NotEqual(t, "doc-a", string(r.ExternalID))
	}

	blueResults, err := c.Search(vec(2, 1.0), 10, []filter.Condition{
		{Field: "color", Op: filter.OpEq, Value: "blue"},
	})
	require.NoError(t, err)
	found := false
	for _, r := range blueResults {
		if string(r.ExternalID) == "doc-a" {
			found = true
		}
	}
	require.True(t, found)
}

func TestDelete_ReclaimsIDAndRemovesPostings(t *testing.T) {
	c := openTestCollection(t)

	ids, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 1.0), Attributes: map[string]any{"color": "red"}},
	})
	require.NoError(t, err)

	deletedIDs, err := c.Delete([]model.ExternalID{model.ExternalID("doc-a")})
	require.NoError(t, err)
	require.Equal(t, ids[0], deletedIDs[0])

	results, err := c.Search(vec(1, 1.0), 10, nil)
	require.NoError(t, err)
	require.Empty(t, results)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.LiveInternalIDs)
	require.Equal(t, 1, stats.DeletedPendingReuse)

	ids2, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-b"), Vector: vec(1, 1.0)},
	})
	require.NoError(t, err)
	require.Equal(t, ids[0], ids2[0])
}

func TestDelete_UnknownExternalIDYieldsZero(t *testing.T) {
	c := openTestCollection(t)

	ids, err := c.Delete([]model.ExternalID{model.ExternalID("missing")})
	require.NoError(t, err)
	require.Equal(t, model.InternalID(0), ids[0])
}

func TestSearch_WithFilterConditions(t *testing.T) {
	c := openTestCollection(t)

	_, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 1.0), Attributes: map[string]any{"color": "red", "price": 10}},
		{ExternalID: model.ExternalID("doc-b"), Vector: vec(1, 1.0), Attributes: map[string]any{"color": "blue", "price": 20}},
	})
	require.NoError(t, err)

	results, err := c.Search(vec(1, 1.0), 10, []filter.Condition{
		{Field: "color", Op: filter.OpEq, Value: "blue"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc-b", string(results[0].ExternalID))

	rangeResults, err := c.Search(vec(1, 1.0), 10, []filter.Condition{
		{Field: "price", Op: filter.OpRange, Range: [2]float64{15, 25}},
	})
	require.NoError(t, err)
	require.Len(t, rangeResults, 1)
	require.Equal(t, "doc-b", string(rangeResults[0].ExternalID))
}

func TestSearch_RejectsNonPositiveK(t *testing.T) {
	c := openTestCollection(t)
	_, err := c.Search(vec(1, 1.0), 0, nil)
	require.ErrorIs(t, err, ErrInvalidK)
}

func TestStats_ReflectsBMWTermsAndBlocks(t *testing.T) {
	c := openTestCollection(t)

	_, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 1.0, 2, 0.5)},
	})
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.BMWTerms)
	require.True(t, stats.BMWBlocks >= 2)
}

func TestOpen_RecoversFromNonEmptyWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.db")
	c, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, c.wal.Append(wal.OpVectorAdd, model.InternalID(99)))
	has, err := c.wal.HasEntries()
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	has2, err := c2.wal.HasEntries()
	require.NoError(t, err)
	require.False(t, has2)
}

func TestSetWALEnabled_TogglesAtRuntime(t *testing.T) {
	c := openTestCollection(t)
	c.SetWALEnabled(false)
	_, err := c.Upsert([]Point{
		{ExternalID: model.ExternalID("doc-a"), Vector: vec(1, 1.0)},
	})
	require.NoError(t, err)
	c.SetWALEnabled(true)
}
