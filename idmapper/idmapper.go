// Package idmapper implements the ID Mapper: the string<->numeric
// internal-id bijection that every write and read path translates
// through, plus the deleted-id reclaim list and monotonic allocator
// spec.md §4.8 describes.
package idmapper

import (
	"encoding/binary"
	"sync"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/wal"
)

// Sub-store names. Forward/reverse mappings live apart from the
// counter and reclaim-list keys, which spec.md §4.8 calls "a dedicated
// sub-store".
var (
	ForwardSubStoreName = []byte("id_forward")
	ReverseSubStoreName = []byte("id_reverse")
	MetaSubStoreName    = []byte("id_meta")
)

// NextIDKey and DeletedIDsKey are the two well-known keys spec.md
// §4.8 names within MetaSubStoreName.
var (
	NextIDKey     = []byte("NEXT_ID_KEY")
	DeletedIDsKey = []byte("DELETED_IDS_KEY")
)

// Result is one entry of create_ids_batch's output.
type Result struct {
	ID    model.InternalID
	IsNew bool
}

// Mapper is the ID Mapper, bound to one kv.Store.
type Mapper struct {
	store   *kv.Store
	idWidth model.IDWidth

	// counterMu guards NEXT_ID_KEY updates, per spec.md §5's "the ID
	// Mapper holds a mutex around NEXT_ID_KEY updates" — belt-and-
	// braces on top of the store's own single-writer transactions.
	counterMu sync.Mutex
}

// Options configures a Mapper.
type Options struct {
	IDWidth model.IDWidth
}

// Open provisions the mapper's sub-stores and initializes NEXT_ID_KEY
// to 1 if this is a fresh store — internal id 0 is reserved as the
// "not found" sentinel (spec.md §6).
func Open(store *kv.Store, opts Options) (*Mapper, error) {
	idWidth := opts.IDWidth
	if idWidth == 0 {
		idWidth = model.IDWidth32
	}
	for _, name := range [][]byte{ForwardSubStoreName, ReverseSubStoreName, MetaSubStoreName} {
		if err := store.EnsureSubStore(name); err != nil {
			return nil, err
		}
	}

	m := &Mapper{store: store, idWidth: idWidth}
	err := store.Update(func(tx *kv.Tx) error {
		meta := tx.SubStore(MetaSubStoreName)
		if _, err := meta.Get(NextIDKey); err == kv.ErrNotFound {
			return meta.Put(NextIDKey, m.encodeID(1))
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapper) encodeID(id model.InternalID) []byte {
	buf := make([]byte, idByteWidth(m.idWidth))
	putIDBytes(buf, id, m.idWidth)
	return buf
}

func (m *Mapper) decodeID(buf []byte) model.InternalID {
	return getIDBytes(buf, m.idWidth)
}

func idByteWidth(w model.IDWidth) int {
	if w == model.IDWidth64 {
		return 8
	}
	return 4
}

func putIDBytes(dst []byte, id model.InternalID, w model.IDWidth) {
	if w == model.IDWidth64 {
		binary.LittleEndian.PutUint64(dst, uint64(id))
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(id))
}

func getIDBytes(src []byte, w model.IDWidth) model.InternalID {
	if w == model.IDWidth64 {
		return model.InternalID(binary.LittleEndian.Uint64(src))
	}
	return model.InternalID(binary.LittleEndian.Uint32(src))
}

func (m *Mapper) decodeIDList(buf []byte) []model.InternalID {
	n := idByteWidth(m.idWidth)
	out := make([]model.InternalID, len(buf)/n)
	for i := range out {
		out[i] = m.decodeID(buf[i*n : i*n+n])
	}
	return out
}

func (m *Mapper) encodeIDList(ids []model.InternalID) []byte {
	n := idByteWidth(m.idWidth)
	buf := make([]byte, len(ids)*n)
	for i, id := range ids {
		putIDBytes(buf[i*n:i*n+n], id, m.idWidth)
	}
	return buf
}

// Lookup returns the internal id mapped to external, or 0 if absent
// (spec.md §7's Not-Found convention).
func Lookup(tx *kv.Tx, m *Mapper, external model.ExternalID) (model.InternalID, error) {
	sub := tx.SubStore(ForwardSubStoreName)
	v, err := sub.Get(external)
	if err != nil {
		if err == kv.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return m.decodeID(v), nil
}

// TranslateBatch resolves internal ids back to their external keys
// for the read path's final translation step. Missing ids produce a
// nil ExternalID at the corresponding position.
func TranslateBatch(tx *kv.Tx, m *Mapper, ids []model.InternalID) ([]model.ExternalID, error) {
	sub := tx.SubStore(ReverseSubStoreName)
	out := make([]model.ExternalID, len(ids))
	for i, id := range ids {
		v, err := sub.Get(m.encodeID(id))
		if err != nil {
			if err == kv.ErrNotFound {
				continue
			}
			return nil, err
		}
		out[i] = append(model.ExternalID{}, v...)
	}
	return out, nil
}

// CreateIDsBatch assigns internal ids to external, reusing entries
// from the deleted-ids list first when reuseDeleted is set, then
// allocating a contiguous range from NEXT_ID_KEY for the rest. It runs
// inside a single kv.Store.Update transaction (tx), consolidating
// spec.md §4.8 steps 1, 3 and 5 — the store's own single-writer
// transactions already give the read-then-write atomicity the split
// RO/RW description calls for. If w is non-nil, one VECTOR_ADD record
// is appended per newly-assigned id before the mapping is written;
// under wal.DurabilitySync the records are durable before this
// transaction commits, under wal.DurabilityAsync they are not fsynced.
func (m *Mapper) CreateIDsBatch(tx *kv.Tx, externalIDs []model.ExternalID, reuseDeleted bool, w *wal.WAL) ([]Result, error) {
	forward, err := tx.CreateSubStoreIfNotExists(ForwardSubStoreName)
	if err != nil {
		return nil, err
	}
	reverse, err := tx.CreateSubStoreIfNotExists(ReverseSubStoreName)
	if err != nil {
		return nil, err
	}
	meta, err := tx.CreateSubStoreIfNotExists(MetaSubStoreName)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(externalIDs))
	pendingIdx := make([]int, 0, len(externalIDs))

	for i, ext := range externalIDs {
		v, err := forward.Get(ext)
		if err != nil {
			if err != kv.ErrNotFound {
				return nil, err
			}
			pendingIdx = append(pendingIdx, i)
			continue
		}
		results[i] = Result{ID: m.decodeID(v), IsNew: false}
	}

	m.counterMu.Lock()
	defer m.counterMu.Unlock()

	assigned := make([]model.InternalID, len(pendingIdx))
	remaining := len(pendingIdx)

	if reuseDeleted && remaining > 0 {
		deletedBuf, err := meta.Get(DeletedIDsKey)
		if err != nil && err != kv.ErrNotFound {
			return nil, err
		}
		deleted := m.decodeIDList(deletedBuf)
		take := remaining
		if take > len(deleted) {
			take = len(deleted)
		}
		for j := 0; j < take; j++ {
			assigned[j] = deleted[j]
		}
		deleted = deleted[take:]
		remaining -= take
		if err := meta.Put(DeletedIDsKey, m.encodeIDList(deleted)); err != nil {
			return nil, err
		}
	}

	if remaining > 0 {
		nextBuf, err := meta.Get(NextIDKey)
		if err != nil {
			return nil, err
		}
		next := m.decodeID(nextBuf)
		for j := len(assigned) - remaining; j < len(assigned); j++ {
			assigned[j] = next
			next++
		}
		if err := meta.Put(NextIDKey, m.encodeID(next)); err != nil {
			return nil, err
		}
	}

	if w != nil {
		records := make([]wal.Record, len(assigned))
		for i, id := range assigned {
			records[i] = wal.Record{Op: wal.OpVectorAdd, ID: id}
		}
		if len(records) > 0 {
			if err := w.AppendBatch(records); err != nil {
				return nil, err
			}
		}
	}

	for j, idx := range pendingIdx {
		id := assigned[j]
		results[idx] = Result{ID: id, IsNew: true}
		if err := forward.Put(externalIDs[idx], m.encodeID(id)); err != nil {
			return nil, err
		}
		if err := reverse.Put(m.encodeID(id), externalIDs[idx]); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// DeletePoints removes external's mapping and appends its internal id
// to the deleted-ids list, for each of externalIDs, in one
// transaction. A position whose external id was never mapped yields 0
// (spec.md §7's Not-Found convention).
func (m *Mapper) DeletePoints(tx *kv.Tx, externalIDs []model.ExternalID) ([]model.InternalID, error) {
	forward := tx.SubStore(ForwardSubStoreName)
	reverse := tx.SubStore(ReverseSubStoreName)
	meta, err := tx.CreateSubStoreIfNotExists(MetaSubStoreName)
	if err != nil {
		return nil, err
	}

	out := make([]model.InternalID, len(externalIDs))
	var toReclaim []model.InternalID

	for i, ext := range externalIDs {
		if forward == nil {
			continue
		}
		v, err := forward.Get(ext)
		if err != nil {
			if err == kv.ErrNotFound {
				continue
			}
			return nil, err
		}
		id := m.decodeID(v)
		out[i] = id
		if err := forward.Delete(ext); err != nil {
			return nil, err
		}
		if reverse != nil {
			if err := reverse.Delete(m.encodeID(id)); err != nil {
				return nil, err
			}
		}
		toReclaim = append(toReclaim, id)
	}

	if len(toReclaim) > 0 {
		if err := m.appendDeletedIDs(meta, toReclaim); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stats reports allocator and reclaim-list sizes for introspection.
type Stats struct {
	NextID              model.InternalID
	LiveCount           uint64
	DeletedPendingReuse int
}

// Stats reads the current allocator state. next_id-1 counts every id
// ever handed out; subtracting the reclaim-list length approximates
// the number still live (an id can also be live again if it was
// reused, which this does not double count since reuse removes it
// from the list before a new mapping is written).
func (m *Mapper) Stats(tx *kv.Tx) (Stats, error) {
	meta := tx.SubStore(MetaSubStoreName)
	nextBuf, err := meta.Get(NextIDKey)
	if err != nil {
		return Stats{}, err
	}
	next := m.decodeID(nextBuf)

	deletedBuf, err := meta.Get(DeletedIDsKey)
	if err != nil && err != kv.ErrNotFound {
		return Stats{}, err
	}
	deleted := m.decodeIDList(deletedBuf)

	live := uint64(next) - 1 - uint64(len(deleted))
	return Stats{NextID: next, LiveCount: live, DeletedPendingReuse: len(deleted)}, nil
}

// ReclaimFailedIDs appends ids to the deleted-ids list unconditionally,
// for rolling back an allocation whose downstream write failed after
// CreateIDsBatch committed.
func (m *Mapper) ReclaimFailedIDs(tx *kv.Tx, ids []model.InternalID) error {
	if len(ids) == 0 {
		return nil
	}
	meta, err := tx.CreateSubStoreIfNotExists(MetaSubStoreName)
	if err != nil {
		return err
	}
	return m.appendDeletedIDs(meta, ids)
}

func (m *Mapper) appendDeletedIDs(meta *kv.SubStore, ids []model.InternalID) error {
	existingBuf, err := meta.Get(DeletedIDsKey)
	if err != nil && err != kv.ErrNotFound {
		return err
	}
	deleted := append(m.decodeIDList(existingBuf), ids...)
	return meta.Put(DeletedIDsKey, m.encodeIDList(deleted))
}
