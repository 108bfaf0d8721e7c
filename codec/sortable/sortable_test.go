package sortable

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeInt32_PreservesOrder(t *testing.T) {
	values := []int32{math.MinInt32, -1000, -1, 0, 1, 1000, math.MaxInt32}
	encoded := make([]uint32, len(values))
	for i, v := range values {
		encoded[i] = EncodeInt32(v)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool { return encoded[i] < encoded[j] }))

	for _, v := range values {
		require.Equal(t, v, DecodeInt32(EncodeInt32(v)))
	}
}

func TestEncodeFloat32_PreservesOrder(t *testing.T) {
	values := []float32{
		float32(math.Inf(-1)), -65504, -1.5, -0.0001,
		float32(math.Copysign(0, -1)), 0, 0.0001, 1.5, 65504,
		float32(math.Inf(1)),
	}
	encoded := make([]uint32, len(values))
	for i, v := range values {
		encoded[i] = EncodeFloat32(v)
	}
	for i := 1; i < len(encoded); i++ {
		require.LessOrEqual(t, encoded[i-1], encoded[i], "values[%d]=%v values[%d]=%v", i-1, values[i-1], i, values[i])
	}

	for _, v := range values {
		require.Equal(t, v, DecodeFloat32(EncodeFloat32(v)))
	}
}

func TestEncodeFloat32_NegativeBeforePositive(t *testing.T) {
	require.Less(t, EncodeFloat32(-1), EncodeFloat32(1))
	require.Less(t, EncodeFloat32(-100), EncodeFloat32(-1))
}

func TestEncodeFloat32_NaNCanonicalized(t *testing.T) {
	nan1 := float32(math.NaN())
	nan2 := float32(math.Float32frombits(0x7fc00001))
	require.Equal(t, EncodeFloat32(nan1), EncodeFloat32(nan2))
}
