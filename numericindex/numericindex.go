// Package numericindex implements the Numeric Index: a bucketed
// sortable-value index over u32 keys (produced by codec/sortable) used
// by the Filter Engine for $eq/$range over numeric fields, per
// spec.md §4.3.
//
// Two sub-stores back the index:
//
//   - numeric_forward: field||":"||ascii(id) -> the document's current
//     sortable value for that field, for O(1) point lookups and for
//     locating the bucket to clean up on overwrite/delete.
//   - numeric_inverted: field||":"||big_endian(start_value) -> a bucket
//     blob holding every (sortable, id) pair whose value falls in that
//     bucket's range. Big-endian bucket keys make the kv store's
//     lexicographic key order agree with numeric value order, so a
//     range query is a single forward cursor scan.
package numericindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// ErrCorruptBucket is returned when a bucket blob's declared entry
// count disagrees with its length. Per spec.md §7's CorruptData policy,
// the current operation is aborted and the error surfaces to the
// caller — no silent repair is attempted.
var ErrCorruptBucket = errors.New("numericindex: corrupt bucket")

// ForwardSubStoreName and InvertedSubStoreName are the kv sub-stores
// numericindex keeps its two key spaces in.
var (
	ForwardSubStoreName  = []byte("numeric_forward")
	InvertedSubStoreName = []byte("numeric_inverted")
)

// DefaultBucketMaxSize is spec.md §6's bucket_max_size.
const DefaultBucketMaxSize = 512

const fieldSep = ':'

// Index is the numeric index handle bound to one kv.Store.
type Index struct {
	store         *kv.Store
	bucketMaxSize int
	idWidth       model.IDWidth
}

// Options configures an Index.
type Options struct {
	BucketMaxSize int
	IDWidth       model.IDWidth
}

// Open ensures both sub-stores exist.
func Open(store *kv.Store, opts Options) (*Index, error) {
	if opts.BucketMaxSize == 0 {
		opts.BucketMaxSize = DefaultBucketMaxSize
	}
	if opts.IDWidth == 0 {
		opts.IDWidth = model.IDWidth32
	}
	if err := store.EnsureSubStore(ForwardSubStoreName); err != nil {
		return nil, fmt.Errorf("numericindex: open: %w", err)
	}
	if err := store.EnsureSubStore(InvertedSubStoreName); err != nil {
		return nil, fmt.Errorf("numericindex: open: %w", err)
	}
	return &Index{store: store, bucketMaxSize: opts.BucketMaxSize, idWidth: opts.IDWidth}, nil
}

func forwardKey(field []byte, id model.InternalID) []byte {
	return []byte(fmt.Sprintf("%s%c%s", field, fieldSep, id.String()))
}

func bucketFieldPrefix(field []byte) []byte {
	p := make([]byte, 0, len(field)+1)
	p = append(p, field...)
	p = append(p, fieldSep)
	return p
}

func bucketKey(field []byte, startValue uint32) []byte {
	k := bucketFieldPrefix(field)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], startValue)
	return append(k, be[:]...)
}

func startValueOf(field, bucketKeyBytes []byte) (uint32, bool) {
	prefix := bucketFieldPrefix(field)
	if !bytes.HasPrefix(bucketKeyBytes, prefix) || len(bucketKeyBytes) != len(prefix)+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(bucketKeyBytes[len(prefix):]), true
}

type bucketEntry struct {
	Sortable uint32
	ID       model.InternalID
}

func (idx *Index) entrySize() int {
	idBytes := 4
	if idx.idWidth == model.IDWidth64 {
		idBytes = 8
	}
	return 4 + idBytes
}

func (idx *Index) decodeBucket(buf []byte) ([]bucketEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: short header", ErrCorruptBucket)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	entrySize := idx.entrySize()
	want := 4 + int(count)*entrySize
	if len(buf) != want {
		return nil, fmt.Errorf("%w: declared count=%d implies length %d, got %d", ErrCorruptBucket, count, want, len(buf))
	}
	entries := make([]bucketEntry, count)
	off := 4
	for i := range entries {
		entries[i].Sortable = binary.LittleEndian.Uint32(buf[off:])
		if idx.idWidth == model.IDWidth64 {
			entries[i].ID = model.InternalID(binary.LittleEndian.Uint64(buf[off+4:]))
		} else {
			entries[i].ID = model.InternalID(binary.LittleEndian.Uint32(buf[off+4:]))
		}
		off += entrySize
	}
	return entries, nil
}

func (idx *Index) encodeBucket(entries []bucketEntry) []byte {
	entrySize := idx.entrySize()
	buf := make([]byte, 4+len(entries)*entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], e.Sortable)
		if idx.idWidth == model.IDWidth64 {
			binary.LittleEndian.PutUint64(buf[off+4:], uint64(e.ID))
		} else {
			binary.LittleEndian.PutUint32(buf[off+4:], uint32(e.ID))
		}
		off += entrySize
	}
	return buf
}

func sortEntries(entries []bucketEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sortable != entries[j].Sortable {
			return entries[i].Sortable < entries[j].Sortable
		}
		return entries[i].ID < entries[j].ID
	})
}

// locateBucket implements the SET_RANGE + backward-step bucket-location
// rule from spec.md §4.3: find the bucket whose start_value is the
// greatest value <= target among buckets of this field.
func locateBucket(c *kv.Cursor, field []byte, targetValue uint32) ([]byte, []byte) {
	prefix := bucketFieldPrefix(field)
	target := bucketKey(field, targetValue)

	k, v := c.Seek(target)
	if k == nil {
		k, v = c.Last()
	}
	for k != nil && !bytes.HasPrefix(k, prefix) {
		k, v = c.Prev()
	}
	if k != nil && bytes.Compare(k, target) > 0 {
		k, v = c.Prev()
		if k != nil && !bytes.HasPrefix(k, prefix) {
			k, v = nil, nil
		}
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}

func (idx *Index) removeFromBucket(sub *kv.SubStore, field []byte, sortable uint32, id model.InternalID) error {
	bk, bv := locateBucket(sub.Cursor(), field, sortable)
	if bk == nil {
		return nil
	}
	entries, err := idx.decodeBucket(bv)
	if err != nil {
		return err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Sortable == sortable && e.ID == id {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return sub.Delete(bk)
	}
	return sub.Put(append([]byte{}, bk...), idx.encodeBucket(out))
}

// Put inserts or overwrites field's sortable value for id, per
// spec.md §4.3's put() operation including split-on-overflow.
func (idx *Index) Put(tx *kv.Tx, field []byte, id model.InternalID, sortable uint32) error {
	forward := tx.SubStore(ForwardSubStoreName)
	inverted := tx.SubStore(InvertedSubStoreName)

	fk := forwardKey(field, id)
	if old, err := forward.Get(fk); err == nil {
		oldSortable := binary.LittleEndian.Uint32(old)
		if oldSortable != sortable {
			if err := idx.removeFromBucket(inverted, field, oldSortable, id); err != nil {
				return err
			}
		} else {
			// Value unchanged: nothing to relocate.
			return nil
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	var fv [4]byte
	binary.LittleEndian.PutUint32(fv[:], sortable)
	if err := forward.Put(fk, fv[:]); err != nil {
		return err
	}

	bk, bv := locateBucket(inverted.Cursor(), field, sortable)
	var entries []bucketEntry
	var targetKey []byte
	if bk == nil {
		targetKey = bucketKey(field, sortable)
		entries = nil
	} else {
		targetKey = append([]byte{}, bk...)
		decoded, err := idx.decodeBucket(bv)
		if err != nil {
			return err
		}
		entries = decoded
	}
	entries = append(entries, bucketEntry{Sortable: sortable, ID: id})
	sortEntries(entries)

	if len(entries) < idx.bucketMaxSize {
		return inverted.Put(targetKey, idx.encodeBucket(entries))
	}

	mid := len(entries) / 2
	first, second := entries[:mid], entries[mid:]
	newStart := second[0].Sortable
	if err := inverted.Put(targetKey, idx.encodeBucket(first)); err != nil {
		return err
	}
	return inverted.Put(bucketKey(field, newStart), idx.encodeBucket(second))
}

// Remove deletes id's entry from field, if present.
func (idx *Index) Remove(tx *kv.Tx, field []byte, id model.InternalID) error {
	forward := tx.SubStore(ForwardSubStoreName)
	inverted := tx.SubStore(InvertedSubStoreName)

	fk := forwardKey(field, id)
	old, err := forward.Get(fk)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil
		}
		return err
	}
	oldSortable := binary.LittleEndian.Uint32(old)
	if err := idx.removeFromBucket(inverted, field, oldSortable, id); err != nil {
		return err
	}
	return forward.Delete(fk)
}

// Range returns the bitmap of ids whose field value lies in [lo, hi]
// (inclusive), both encoded via codec/sortable.
func (idx *Index) Range(tx *kv.Tx, field []byte, lo, hi uint32) (*roaring.Bitmap, error) {
	inverted := tx.SubStore(InvertedSubStoreName)
	prefix := bucketFieldPrefix(field)
	result := roaring.New()

	c := inverted.Cursor()
	k, v := locateBucket(c, field, lo)
	if k == nil {
		// No bucket <= lo: fall back to the field's first bucket, if any.
		k, v = c.Seek(prefix)
		if k != nil && !bytes.HasPrefix(k, prefix) {
			k = nil
		}
	}

	for k != nil && bytes.HasPrefix(k, prefix) {
		start, ok := startValueOf(field, k)
		if !ok {
			break
		}
		if start > hi {
			break
		}
		entries, err := idx.decodeBucket(v)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Sortable >= lo && e.Sortable <= hi {
				result.Add(uint32(e.ID))
			}
		}
		k, v = c.Next()
	}

	return result, nil
}

// CheckRange reports whether id's current field value lies in [lo, hi].
func (idx *Index) CheckRange(tx *kv.Tx, field []byte, id model.InternalID, lo, hi uint32) (bool, error) {
	forward := tx.SubStore(ForwardSubStoreName)
	old, err := forward.Get(forwardKey(field, id))
	if err != nil {
		if err == kv.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	v := binary.LittleEndian.Uint32(old)
	return v >= lo && v <= hi, nil
}
