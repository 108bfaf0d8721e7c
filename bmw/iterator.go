package bmw

import (
	"github.com/sparseix/sparseix/internal/simd"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// iterator walks one term's posting list in increasing doc-id order,
// skipping tombstoned entries (spec.md §4.7's per-term iterator). It
// holds no threshold itself; Search prunes against the top-K threshold
// using UpperBound.
type iterator struct {
	idx    *Index
	tx     *kv.Tx
	termID uint32
	weight float32

	dir  []BlockIdx
	bi   int // index into dir of the block blk holds, or len(dir) when blk is nil
	blk  *block
	pos  int
	done bool
}

func newIterator(idx *Index, tx *kv.Tx, termID uint32, weight float32) (*iterator, error) {
	it := &iterator{idx: idx, tx: tx, termID: termID, weight: weight, dir: idx.Directory(termID)}
	if len(it.dir) == 0 {
		it.done = true
		return it, nil
	}
	if err := it.loadBlock(0); err != nil {
		return nil, err
	}
	if err := it.skipTombstonesInBlock(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *iterator) loadBlock(bi int) error {
	it.bi = bi
	it.pos = 0
	b, err := it.idx.loadBlock(it.tx, it.termID, it.dir[bi].Start)
	if err != nil {
		return err
	}
	it.blk = b
	return nil
}

// skipTombstonesInBlock advances pos within the current block to the
// next live entry, rolling over to subsequent blocks as needed, using
// internal/simd's FirstNonZero for the byte scan.
func (it *iterator) skipTombstonesInBlock() error {
	for {
		if it.blk != nil {
			next := simd.FirstNonZero(it.blk.quant, it.pos)
			if next >= 0 {
				it.pos = next
				return nil
			}
		}
		if it.bi+1 >= len(it.dir) {
			it.done = true
			it.blk = nil
			return nil
		}
		if err := it.loadBlock(it.bi + 1); err != nil {
			return err
		}
	}
}

// DocID returns the doc id the iterator currently points at. Only
// valid when Done() is false.
func (it *iterator) DocID() model.InternalID {
	return it.blk.start + model.InternalID(it.blk.diffs[it.pos])
}

// Value returns the (dequantized) posting weight at the current
// position.
func (it *iterator) Value() float32 {
	return it.blk.values[it.pos]
}

// Score returns weight * Value(), the contribution this term makes to
// the current document's total score.
func (it *iterator) Score() float64 {
	return float64(it.weight) * float64(it.Value())
}

func (it *iterator) Done() bool { return it.done }

// UpperBound returns weight * block_max_value for the block the
// iterator is currently positioned in — an upper bound on Score() for
// every remaining entry in that block, used by the pivot loop to skip
// whole blocks without decoding them (spec.md §4.7).
func (it *iterator) UpperBound() float64 {
	if it.done {
		return 0
	}
	return float64(it.weight) * float64(it.dir[it.bi].BlockMaxValue)
}

// Next advances past the current entry.
func (it *iterator) Next() error {
	if it.done {
		return nil
	}
	it.pos++
	return it.skipTombstonesInBlock()
}

// Advance moves the iterator to the first live entry with doc id >=
// target, skipping whole blocks via the cached directory before
// falling back to a linear scan inside the landing block (spec.md
// §4.7's SIMD advance).
func (it *iterator) Advance(target model.InternalID) error {
	if it.done {
		return nil
	}
	if it.DocID() >= target {
		return nil
	}

	bi := it.bi
	for bi+1 < len(it.dir) && it.dir[bi+1].Start <= target {
		bi++
	}
	if bi != it.bi {
		if err := it.loadBlock(bi); err != nil {
			return err
		}
	}

	for {
		for it.pos < len(it.blk.diffs) && it.DocID() < target {
			it.pos++
		}
		if it.pos < len(it.blk.diffs) {
			break
		}
		if it.bi+1 >= len(it.dir) {
			it.done = true
			it.blk = nil
			return nil
		}
		if err := it.loadBlock(it.bi + 1); err != nil {
			return err
		}
	}
	return it.skipTombstonesInBlock()
}
