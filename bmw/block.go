// Package bmw implements the Block-Max WAND inverted index: per-term
// posting blocks with quantized values and per-block upper bounds
// (storage side, spec.md §4.6), plus the DAAT search loop that uses
// them (search side, spec.md §4.7).
package bmw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sparseix/sparseix/model"
)

// SplitThreshold and TargetBlockSize are spec.md §6's
// block_split_threshold and block_max_size.
const (
	SplitThreshold  = 160
	TargetBlockSize = 128
	// ForceNewBlockDiff is the doc-id distance from a block's start_doc_id
	// at or beyond which insertion always starts a fresh block (spec.md §4.6
	// step 1), keeping the common case within a 16-bit diff block.
	ForceNewBlockDiff = 65536
)

// ErrCorruptBlock is returned when a stored block's header disagrees
// with its payload length, per spec.md §7's CorruptData policy.
var ErrCorruptBlock = errors.New("bmw: corrupt block")

// headerSize is BlockHeader's on-disk size (spec.md §6): version(1) +
// diff_bits(1) + n(2) + live_count(2) + padding(2) + block_max_value(4)
// + alignment_pad(4) = 16 bytes.
const headerSize = 16

const blockVersion = 1

type blockHeader struct {
	DiffBits      uint8
	N             uint16
	LiveCount     uint16
	BlockMaxValue float32
}

// block is the in-memory, mutable representation of one posting block
// while it is being built or edited. Diffs are strictly ascending.
// Values are the block's per-entry weights; a value of exactly 0 marks
// a tombstoned entry (spec.md §4.10).
type block struct {
	start  model.InternalID
	diffs  []uint64
	values []float32

	// quant holds the raw quantized byte for each entry as loaded from
	// disk (0 for a tombstone), parallel to diffs/values. It is only
	// populated by decode; blocks built fresh in memory for a pending
	// write are quantized lazily at encode time and leave quant nil.
	// The search path uses quant with internal/simd's byte-scan
	// kernels for fast tombstone skipping (spec.md §4.7's SIMD
	// advance), rather than rescanning the float values.
	quant []byte

	blockMax float32
}

func newSingleEntryBlock(start model.InternalID, value float32) *block {
	return &block{start: start, diffs: []uint64{0}, values: []float32{value}}
}

// lowerBound returns the index of the first entry with diff >= target,
// and whether that entry's diff equals target exactly.
func (b *block) lowerBound(diff uint64) (int, bool) {
	i := sort.Search(len(b.diffs), func(i int) bool { return b.diffs[i] >= diff })
	return i, i < len(b.diffs) && b.diffs[i] == diff
}

// insertOrReplace sets the value for doc_id (start+diff), inserting a
// new sorted entry if diff is not already present.
func (b *block) insertOrReplace(diff uint64, value float32) {
	i, found := b.lowerBound(diff)
	if found {
		b.values[i] = value
		return
	}
	b.diffs = append(b.diffs, 0)
	b.values = append(b.values, 0)
	copy(b.diffs[i+1:], b.diffs[i:])
	copy(b.values[i+1:], b.values[i:])
	b.diffs[i] = diff
	b.values[i] = value
}

// tombstone zeroes the value at diff, if present, without removing the
// entry. Returns whether an entry was found.
func (b *block) tombstone(diff uint64) bool {
	i, found := b.lowerBound(diff)
	if !found {
		return false
	}
	b.values[i] = 0
	return true
}

func (b *block) maxValue() float32 {
	var max float32
	for _, v := range b.values {
		if v > max {
			max = v
		}
	}
	return max
}

func (b *block) liveCount() int {
	n := 0
	for _, v := range b.values {
		if v != 0 {
			n++
		}
	}
	return n
}

// split divides b at its median entry into two blocks, per spec.md
// §4.6 step 4: the second half is re-anchored relative to a new
// start_doc_id at the median entry's absolute doc id.
func (b *block) split() (first, second *block) {
	mid := len(b.diffs) / 2
	midDiff := b.diffs[mid]

	first = &block{
		start:  b.start,
		diffs:  append([]uint64{}, b.diffs[:mid]...),
		values: append([]float32{}, b.values[:mid]...),
	}

	secondDiffs := make([]uint64, len(b.diffs)-mid)
	for i, d := range b.diffs[mid:] {
		secondDiffs[i] = d - midDiff
	}
	second = &block{
		start:  b.start + model.InternalID(midDiff),
		diffs:  secondDiffs,
		values: append([]float32{}, b.values[mid:]...),
	}
	return first, second
}

// diffBitsFor returns the smallest of {16, 32, 64} whose unsigned
// range contains maxDiff, per spec.md §4.6's on-disk width selection.
// 64 is only offered for 64-bit id-width builds.
func diffBitsFor(maxDiff uint64, idWidth model.IDWidth) uint8 {
	switch {
	case maxDiff <= math.MaxUint16:
		return 16
	case maxDiff <= math.MaxUint32:
		return 32
	case idWidth == model.IDWidth64:
		return 64
	default:
		// Unreachable under ForceNewBlockDiff, but fall back to the
		// widest allowed encoding rather than truncate silently.
		return 32
	}
}

func quantize(v, blockMax float32) byte {
	if blockMax <= 0 || v <= 0 {
		return 0
	}
	q := math.Round(float64(v/blockMax) * 255)
	if q < 0 {
		q = 0
	}
	if q > 255 {
		q = 255
	}
	return byte(q)
}

func dequantize(q byte, blockMax float32) float32 {
	if q == 0 {
		return 0
	}
	return float32(q) / 255 * blockMax
}

// encode serializes b into its on-disk BlockHeader + SoA payload.
func (b *block) encode(idWidth model.IDWidth) []byte {
	var maxDiff uint64
	if len(b.diffs) > 0 {
		maxDiff = b.diffs[len(b.diffs)-1]
	}
	diffBits := diffBitsFor(maxDiff, idWidth)
	diffBytes := int(diffBits) / 8

	blockMax := b.maxValue()
	n := len(b.diffs)

	buf := make([]byte, headerSize+n*diffBytes+n)
	buf[0] = blockVersion
	buf[1] = diffBits
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(b.liveCount()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(blockMax))

	off := headerSize
	for _, d := range b.diffs {
		switch diffBits {
		case 16:
			binary.LittleEndian.PutUint16(buf[off:], uint16(d))
		case 32:
			binary.LittleEndian.PutUint32(buf[off:], uint32(d))
		default:
			binary.LittleEndian.PutUint64(buf[off:], d)
		}
		off += diffBytes
	}
	for _, v := range b.values {
		buf[off] = quantize(v, blockMax)
		off++
	}
	return buf
}

func decodeHeader(buf []byte) (blockHeader, error) {
	if len(buf) < headerSize {
		return blockHeader{}, fmt.Errorf("%w: short header", ErrCorruptBlock)
	}
	return blockHeader{
		DiffBits:      buf[1],
		N:             binary.LittleEndian.Uint16(buf[2:4]),
		LiveCount:     binary.LittleEndian.Uint16(buf[4:6]),
		BlockMaxValue: math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
	}, nil
}

// decode parses a persisted block, reconstructing approximate raw
// values via dequantize — the exact pre-quantization weight is not
// recoverable, matching spec.md §4.6's documented bounded error.
func decode(start model.InternalID, buf []byte) (*block, error) {
	hdr, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	diffBytes := int(hdr.DiffBits) / 8
	if diffBytes == 0 {
		return nil, fmt.Errorf("%w: invalid diff_bits %d", ErrCorruptBlock, hdr.DiffBits)
	}
	n := int(hdr.N)
	want := headerSize + n*diffBytes + n
	if len(buf) != want {
		return nil, fmt.Errorf("%w: n=%d diff_bits=%d implies length %d, got %d", ErrCorruptBlock, n, hdr.DiffBits, want, len(buf))
	}

	diffs := make([]uint64, n)
	off := headerSize
	for i := range diffs {
		switch hdr.DiffBits {
		case 16:
			diffs[i] = uint64(binary.LittleEndian.Uint16(buf[off:]))
		case 32:
			diffs[i] = uint64(binary.LittleEndian.Uint32(buf[off:]))
		default:
			diffs[i] = binary.LittleEndian.Uint64(buf[off:])
		}
		off += diffBytes
	}

	quant := make([]byte, n)
	values := make([]float32, n)
	for i := range values {
		quant[i] = buf[off]
		values[i] = dequantize(buf[off], hdr.BlockMaxValue)
		off++
	}

	return &block{start: start, diffs: diffs, values: values, quant: quant, blockMax: hdr.BlockMaxValue}, nil
}
