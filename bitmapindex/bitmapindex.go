// Package bitmapindex implements the Bitmap Index: a persisted
// (field, value) -> roaring bitmap inverted index used by the Filter
// Engine for $eq/$in over string and bool fields, per spec.md §4.2.
//
// Keys are "field_bytes || ':' || value_bytes"; values are the roaring
// library's own serialized bitmap form, stored as opaque bytes in a
// dedicated kv sub-store.
package bitmapindex

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// SubStoreName is the kv sub-store bitmapindex keeps its keys in.
var SubStoreName = []byte("bitmap_index")

const fieldValueSep = ':'

func key(field, value []byte) []byte {
	k := make([]byte, 0, len(field)+1+len(value))
	k = append(k, field...)
	k = append(k, fieldValueSep)
	k = append(k, value...)
	return k
}

// Index is the bitmap index handle bound to one kv.Store.
type Index struct {
	store *kv.Store
}

// Open ensures the sub-store exists and returns a handle to it.
func Open(store *kv.Store) (*Index, error) {
	if err := store.EnsureSubStore(SubStoreName); err != nil {
		return nil, fmt.Errorf("bitmapindex: open: %w", err)
	}
	return &Index{store: store}, nil
}

func loadLocked(sub *kv.SubStore, k []byte) (*roaring.Bitmap, error) {
	raw, err := sub.Get(k)
	if err != nil {
		if err == kv.ErrNotFound {
			return roaring.New(), nil
		}
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(raw); err != nil {
		return nil, fmt.Errorf("bitmapindex: decode bitmap for key %q: %w", k, err)
	}
	return bm, nil
}

func storeLocked(sub *kv.SubStore, k []byte, bm *roaring.Bitmap) error {
	buf, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("bitmapindex: encode bitmap for key %q: %w", k, err)
	}
	return sub.Put(k, buf)
}

// Add records that id has the given (field, value) pair, inside an
// already-open write transaction so it composes with the rest of a
// document write.
func Add(tx *kv.Tx, field, value []byte, id model.InternalID) error {
	sub := tx.SubStore(SubStoreName)
	k := key(field, value)
	bm, err := loadLocked(sub, k)
	if err != nil {
		return err
	}
	bm.Add(uint32(id))
	return storeLocked(sub, k, bm)
}

// AddBatch adds many ids to the same (field, value) bitmap in one
// read-modify-write, avoiding a decode/encode round trip per id.
func AddBatch(tx *kv.Tx, field, value []byte, ids []model.InternalID) error {
	sub := tx.SubStore(SubStoreName)
	k := key(field, value)
	bm, err := loadLocked(sub, k)
	if err != nil {
		return err
	}
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return storeLocked(sub, k, bm)
}

// Remove clears id from the (field, value) bitmap.
func Remove(tx *kv.Tx, field, value []byte, id model.InternalID) error {
	sub := tx.SubStore(SubStoreName)
	k := key(field, value)
	bm, err := loadLocked(sub, k)
	if err != nil {
		return err
	}
	bm.Remove(uint32(id))
	return storeLocked(sub, k, bm)
}

// Contains reports whether id is recorded under (field, value).
func Contains(tx *kv.Tx, field, value []byte, id model.InternalID) (bool, error) {
	sub := tx.SubStore(SubStoreName)
	bm, err := loadLocked(sub, key(field, value))
	if err != nil {
		return false, err
	}
	return bm.Contains(uint32(id)), nil
}

// BitmapOf returns a clone of the (field, value) bitmap, safe for the
// caller to mutate or retain past the transaction's lifetime.
func BitmapOf(tx *kv.Tx, field, value []byte) (*roaring.Bitmap, error) {
	sub := tx.SubStore(SubStoreName)
	bm, err := loadLocked(sub, key(field, value))
	if err != nil {
		return nil, err
	}
	return bm.Clone(), nil
}

// ForEachValue calls fn with the value bytes and bitmap for every value
// observed under field, in lexicographic value order.
func ForEachValue(tx *kv.Tx, field []byte, fn func(value []byte, bm *roaring.Bitmap) error) error {
	sub := tx.SubStore(SubStoreName)
	prefix := append(append([]byte{}, field...), fieldValueSep)
	return sub.ForEachPrefix(prefix, func(k, v []byte) error {
		value := bytes.TrimPrefix(k, prefix)
		bm := roaring.New()
		if _, err := bm.FromBuffer(v); err != nil {
			return fmt.Errorf("bitmapindex: decode bitmap for key %q: %w", k, err)
		}
		return fn(value, bm)
	})
}
