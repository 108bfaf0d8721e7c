package sparsevec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparseix/sparseix/model"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	v := model.SparseVector{
		{TermID: 1, Value: 0.5},
		{TermID: 7, Value: -2.25},
		{TermID: 9000, Value: 1},
	}

	buf, err := Encode(v)
	require.NoError(t, err)
	require.Len(t, buf, Size(len(v)))

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, got, len(v))
	for i := range v {
		require.Equal(t, v[i].TermID, got[i].TermID)
		require.InDelta(t, float64(v[i].Value), float64(got[i].Value), 1e-2)
	}
}

func TestEncode_Empty(t *testing.T) {
	buf, err := Encode(model.SparseVector{})
	require.NoError(t, err)
	require.Equal(t, 2, len(buf))

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecode_CorruptLength(t *testing.T) {
	buf := []byte{3, 0, 1, 2, 3} // declares nnz=3 but far too short
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_ShortHeader(t *testing.T) {
	_, err := Decode([]byte{1})
	require.ErrorIs(t, err, ErrCorrupt)
}
