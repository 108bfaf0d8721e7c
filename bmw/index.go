package bmw

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// TermBlocksIndexSubStoreName holds, per term_id, the packed BlockIdx
// directory (spec.md §6's term_blocks_index).
var TermBlocksIndexSubStoreName = []byte("term_blocks_index")

// TermBlocksSubStoreName holds the actual posting blocks, keyed by
// term_id || start_doc_id (spec.md §6's term_blocks).
var TermBlocksSubStoreName = []byte("term_blocks")

// Options configures an Index.
type Options struct {
	IDWidth model.IDWidth
}

// Index is the BMW posting store: one term_blocks_index + term_blocks
// pair plus an in-memory cache of every term's block directory, which
// is small enough to keep resident and lets WAND's pivot loop skip
// whole blocks without a disk read (spec.md §4.6).
type Index struct {
	store   *kv.Store
	idWidth model.IDWidth

	mu  sync.RWMutex
	dir map[uint32][]BlockIdx
}

// Open provisions the index's sub-stores and warms the in-memory block
// directory from whatever was already persisted.
func Open(store *kv.Store, opts Options) (*Index, error) {
	idWidth := opts.IDWidth
	if idWidth == 0 {
		idWidth = model.IDWidth32
	}
	if err := store.EnsureSubStore(TermBlocksIndexSubStoreName); err != nil {
		return nil, err
	}
	if err := store.EnsureSubStore(TermBlocksSubStoreName); err != nil {
		return nil, err
	}

	idx := &Index{store: store, idWidth: idWidth, dir: make(map[uint32][]BlockIdx)}
	err := store.View(func(tx *kv.Tx) error {
		sub := tx.SubStore(TermBlocksIndexSubStoreName)
		if sub == nil {
			return nil
		}
		return sub.ForEachPrefix(nil, func(k, v []byte) error {
			if len(k) != 4 {
				return nil
			}
			termID := binary.LittleEndian.Uint32(k)
			entries, err := decodeBlockIdxList(v, idWidth)
			if err != nil {
				return err
			}
			idx.dir[termID] = entries
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func termBlocksIndexKey(termID uint32) []byte {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, termID)
	return key
}

func (idx *Index) termBlockKey(termID uint32, start model.InternalID) []byte {
	n := idBytes(idx.idWidth)
	key := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(key[:4], termID)
	putID(key[4:], start, idx.idWidth)
	return key
}

// Directory returns a snapshot of a term's in-memory block directory,
// sorted by Start ascending. Callers must not mutate the result.
func (idx *Index) Directory(termID uint32) []BlockIdx {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dir[termID]
}

// Stats reports how many distinct terms have postings and the total
// number of blocks across all of them, for Collection's introspection
// surface.
func (idx *Index) Stats() (terms, blocks int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	terms = len(idx.dir)
	for _, d := range idx.dir {
		blocks += len(d)
	}
	return terms, blocks
}

// chosenBlockIndex returns the index into dir of the block that owns
// docID under insertion, i.e. the last block whose Start <= docID, or
// -1 if none qualifies (docID precedes every block, the directory is
// empty, or the candidate is ForceNewBlockDiff or further away).
func chosenBlockIndex(dir []BlockIdx, docID model.InternalID) int {
	i := sort.Search(len(dir), func(i int) bool { return dir[i].Start > docID })
	i--
	if i < 0 {
		return -1
	}
	if uint64(docID-dir[i].Start) >= ForceNewBlockDiff {
		return -1
	}
	return i
}

func (idx *Index) loadBlock(tx *kv.Tx, termID uint32, start model.InternalID) (*block, error) {
	sub := tx.SubStore(TermBlocksSubStoreName)
	buf, err := sub.Get(idx.termBlockKey(termID, start))
	if err != nil {
		return nil, err
	}
	return decode(start, buf)
}

func (idx *Index) saveBlock(tx *kv.Tx, termID uint32, b *block) error {
	sub, err := tx.CreateSubStoreIfNotExists(TermBlocksSubStoreName)
	if err != nil {
		return err
	}
	return sub.Put(idx.termBlockKey(termID, b.start), b.encode(idx.idWidth))
}

func (idx *Index) saveDirectory(tx *kv.Tx, termID uint32, entries []BlockIdx) error {
	sub, err := tx.CreateSubStoreIfNotExists(TermBlocksIndexSubStoreName)
	if err != nil {
		return err
	}
	return sub.Put(termBlocksIndexKey(termID), encodeBlockIdxList(entries, idx.idWidth))
}

// Add inserts or overwrites docID's posting value for termID, splitting
// the owning block when it grows past SplitThreshold (spec.md §4.6
// steps 1-5). Must run inside a kv.Store.Update transaction.
func (idx *Index) Add(tx *kv.Tx, termID uint32, docID model.InternalID, value float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dir := idx.dir[termID]
	ci := chosenBlockIndex(dir, docID)

	if ci < 0 {
		b := newSingleEntryBlock(docID, value)
		if err := idx.saveBlock(tx, termID, b); err != nil {
			return err
		}
		dir = insertSortedBlockIdx(dir, BlockIdx{Start: docID, BlockMaxValue: value})
		idx.dir[termID] = dir
		return idx.saveDirectory(tx, termID, dir)
	}

	b, err := idx.loadBlock(tx, termID, dir[ci].Start)
	if err != nil {
		return err
	}
	b.insertOrReplace(uint64(docID-b.start), value)

	if len(b.diffs) <= SplitThreshold {
		if err := idx.saveBlock(tx, termID, b); err != nil {
			return err
		}
		dir[ci].BlockMaxValue = b.maxValue()
		idx.dir[termID] = dir
		return idx.saveDirectory(tx, termID, dir)
	}

	first, second := b.split()
	if err := idx.saveBlock(tx, termID, first); err != nil {
		return err
	}
	if err := idx.saveBlock(tx, termID, second); err != nil {
		return err
	}
	newDir := make([]BlockIdx, 0, len(dir)+1)
	newDir = append(newDir, dir[:ci]...)
	newDir = append(newDir, BlockIdx{Start: first.start, BlockMaxValue: first.maxValue()})
	newDir = append(newDir, BlockIdx{Start: second.start, BlockMaxValue: second.maxValue()})
	newDir = append(newDir, dir[ci+1:]...)
	idx.dir[termID] = newDir
	return idx.saveDirectory(tx, termID, newDir)
}

// Remove tombstones docID's posting for termID, if present. It never
// removes or splits blocks; tombstoned entries, and blocks whose
// entries are all tombstoned, stay in place and are not reclaimed.
func (idx *Index) Remove(tx *kv.Tx, termID uint32, docID model.InternalID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dir := idx.dir[termID]
	ci := chosenBlockIndex(dir, docID)
	if ci < 0 {
		return nil
	}
	b, err := idx.loadBlock(tx, termID, dir[ci].Start)
	if err != nil {
		return err
	}
	if !b.tombstone(uint64(docID - b.start)) {
		return nil
	}
	if err := idx.saveBlock(tx, termID, b); err != nil {
		return err
	}
	dir[ci].BlockMaxValue = b.maxValue()
	idx.dir[termID] = dir
	return idx.saveDirectory(tx, termID, dir)
}

func insertSortedBlockIdx(dir []BlockIdx, e BlockIdx) []BlockIdx {
	i := sort.Search(len(dir), func(i int) bool { return dir[i].Start > e.Start })
	dir = append(dir, BlockIdx{})
	copy(dir[i+1:], dir[i:])
	dir[i] = e
	return dir
}
