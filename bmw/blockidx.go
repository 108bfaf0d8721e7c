package bmw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sparseix/sparseix/model"
)

// BlockIdx is one entry of a term's in-memory block directory: the
// block's start_doc_id and its block_max_value upper bound (spec.md
// §4.6's "Block Metadata"). The directory for a term is small enough
// to keep resident, letting WAND skip whole blocks without touching
// disk.
type BlockIdx struct {
	Start         model.InternalID
	BlockMaxValue float32
}

func idBytes(idWidth model.IDWidth) int {
	if idWidth == model.IDWidth64 {
		return 8
	}
	return 4
}

func entrySize(idWidth model.IDWidth) int { return idBytes(idWidth) + 4 }

// encodeBlockIdxList packs a term's block directory into the flat byte
// layout stored under term_blocks_index, sorted by Start ascending.
func encodeBlockIdxList(entries []BlockIdx, idWidth model.IDWidth) []byte {
	n := idBytes(idWidth)
	buf := make([]byte, len(entries)*entrySize(idWidth))
	off := 0
	for _, e := range entries {
		putID(buf[off:off+n], e.Start, idWidth)
		binary.LittleEndian.PutUint32(buf[off+n:off+n+4], math.Float32bits(e.BlockMaxValue))
		off += n + 4
	}
	return buf
}

func decodeBlockIdxList(buf []byte, idWidth model.IDWidth) ([]BlockIdx, error) {
	sz := entrySize(idWidth)
	if sz == 0 || len(buf)%sz != 0 {
		return nil, fmt.Errorf("%w: block-idx list length %d not a multiple of entry size %d", ErrCorruptBlock, len(buf), sz)
	}
	n := idBytes(idWidth)
	out := make([]BlockIdx, len(buf)/sz)
	for i := range out {
		off := i * sz
		out[i] = BlockIdx{
			Start:         getID(buf[off:off+n], idWidth),
			BlockMaxValue: math.Float32frombits(binary.LittleEndian.Uint32(buf[off+n : off+n+4])),
		}
	}
	return out, nil
}

func putID(dst []byte, id model.InternalID, idWidth model.IDWidth) {
	if idWidth == model.IDWidth64 {
		binary.LittleEndian.PutUint64(dst, uint64(id))
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(id))
}

func getID(src []byte, idWidth model.IDWidth) model.InternalID {
	if idWidth == model.IDWidth64 {
		return model.InternalID(binary.LittleEndian.Uint64(src))
	}
	return model.InternalID(binary.LittleEndian.Uint32(src))
}
