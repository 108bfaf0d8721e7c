// Package sparsevec implements the Sparse Vector Codec: the persisted
// byte layout for a document's term-weight pairs, per spec.md §4.5/§6.
//
// Layout: nnz:u16_le || term_ids:u32_le[nnz] || values:f16_le[nnz].
// Term ids are stored separately from values (columnar, not interleaved)
// so a reader can scan term ids without touching the value bytes. Each
// value is converted individually with internal/f16's
// FromFloat32/ToFloat32.
package sparsevec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sparseix/sparseix/internal/f16"
	"github.com/sparseix/sparseix/model"
)

// ErrCorrupt is returned when a record's declared nnz disagrees with its
// length, per spec.md §7's CorruptData policy: abort, never repair.
var ErrCorrupt = errors.New("sparsevec: corrupt record")

// MaxNNZ bounds the number of terms per vector to keep the u16 nnz field
// from wrapping; collections with legitimately denser vectors must chunk
// above the application layer.
const MaxNNZ = 65535

// Size returns the encoded byte length of a vector with the given nnz.
func Size(nnz int) int {
	return 2 + nnz*4 + nnz*2
}

// Encode writes v's persisted form.
func Encode(v model.SparseVector) ([]byte, error) {
	if len(v) > MaxNNZ {
		return nil, fmt.Errorf("sparsevec: nnz %d exceeds max %d", len(v), MaxNNZ)
	}
	nnz := len(v)
	buf := make([]byte, Size(nnz))

	binary.LittleEndian.PutUint16(buf[0:2], uint16(nnz))

	termOff := 2
	for i, tw := range v {
		binary.LittleEndian.PutUint32(buf[termOff+i*4:], tw.TermID)
	}

	valOff := termOff + nnz*4
	bits := make([]f16.Bits, nnz)
	for i, tw := range v {
		bits[i] = f16.FromFloat32(tw.Value)
	}
	for i, b := range bits {
		binary.LittleEndian.PutUint16(buf[valOff+i*2:], uint16(b))
	}

	return buf, nil
}

// Decode parses a persisted vector record.
func Decode(buf []byte) (model.SparseVector, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	nnz := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) != Size(nnz) {
		return nil, fmt.Errorf("%w: declared nnz=%d implies length %d, got %d", ErrCorrupt, nnz, Size(nnz), len(buf))
	}

	termOff := 2
	valOff := termOff + nnz*4

	v := make(model.SparseVector, nnz)
	for i := 0; i < nnz; i++ {
		v[i].TermID = binary.LittleEndian.Uint32(buf[termOff+i*4:])
	}
	for i := 0; i < nnz; i++ {
		bits := f16.Bits(binary.LittleEndian.Uint16(buf[valOff+i*2:]))
		v[i].Value = f16.ToFloat32(bits)
	}

	return v, nil
}
