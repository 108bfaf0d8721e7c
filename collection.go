// Package sparseix wires the KV Store Adapter, ID Mapper, BMW Index,
// Bitmap/Numeric indices, Filter Engine, and Write-Ahead Log into a
// single Collection type implementing spec.md §2's write and read data
// flows, following the teacher's (hupe1980/vecgo) top-level
// constructor/options/logger idiom.
package sparseix

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sparseix/sparseix/bitmapindex"
	"github.com/sparseix/sparseix/bmw"
	"github.com/sparseix/sparseix/filter"
	"github.com/sparseix/sparseix/idmapper"
	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
	"github.com/sparseix/sparseix/numericindex"
	"github.com/sparseix/sparseix/sparsevec"
	"github.com/sparseix/sparseix/wal"
)

// docsSubStoreName holds each live document's packed sparse vector
// (spec.md §2's "docs store"), keyed by its internal id.
var docsSubStoreName = []byte("docs")

// attrsSubStoreName holds each live document's structured attributes
// as JSON, keyed by internal id. Retaining a copy lets Upsert/Delete
// clean up stale bitmap/numeric index entries without first reading
// them back out of those indices (bitmapindex, unlike numericindex,
// has no per-id forward lookup).
var attrsSubStoreName = []byte("doc_attrs")

// Point is one document to upsert: an opaque external key, its sparse
// vector, and its structured attributes (field -> bool/string/numeric
// scalar), matching spec.md §2's "(external_string_id, sparse_vector,
// filter_json)" write input.
type Point struct {
	ExternalID model.ExternalID
	Vector     model.SparseVector
	Attributes map[string]any
}

// SearchResult is one scored hit, translated back to its caller-facing
// external id.
type SearchResult struct {
	ExternalID model.ExternalID
	Score      float32
}

// Stats is Collection's read-only introspection surface (teacher
// metrics.go/MetricsCollector pattern, expanded for this domain).
type Stats struct {
	LiveInternalIDs     uint64
	DeletedPendingReuse int
	BMWTerms            int
	BMWBlocks           int
}

// Collection is the top-level handle for one persistent sparse-vector
// search engine instance.
type Collection struct {
	store   *kv.Store
	ids     *idmapper.Mapper
	bmwIdx  *bmw.Index
	bitmaps *bitmapindex.Index
	numeric *numericindex.Index
	schema  *filter.Schema
	wal     *wal.WAL

	opts    options
	logger  *Logger
	metrics MetricsCollector
}

// Open opens or creates a collection backed by the file at path (plus
// a path+".wal" write-ahead log), applying crash recovery if the WAL
// is non-empty.
func Open(path string, optFns ...Option) (*Collection, error) {
	o := applyOptions(optFns)

	store, err := kv.Open(kv.Options{
		Path:            path,
		ReadOnly:        o.readOnly,
		InitialMmapSize: o.initialMmapSize,
		Timeout:         o.openTimeout,
	})
	if err != nil {
		return nil, translateError(err)
	}

	ids, err := idmapper.Open(store, idmapper.Options{IDWidth: o.idWidth})
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	bmwIdx, err := bmw.Open(store, bmw.Options{IDWidth: o.idWidth})
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	bitmaps, err := bitmapindex.Open(store)
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	numeric, err := numericindex.Open(store, numericindex.Options{BucketMaxSize: o.bucketMaxSize, IDWidth: o.idWidth})
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	schema, err := filter.OpenSchema(store)
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	if err := store.EnsureSubStore(docsSubStoreName); err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	if err := store.EnsureSubStore(attrsSubStoreName); err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}

	w, err := wal.Open(path+".wal", wal.Options{Durability: o.walDurability, IDWidth: o.idWidth})
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	w.SetEnabled(o.walEnabled)

	c := &Collection{
		store:   store,
		ids:     ids,
		bmwIdx:  bmwIdx,
		bitmaps: bitmaps,
		numeric: numeric,
		schema:  schema,
		wal:     w,
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}

	if err := c.recover(); err != nil {
		_ = w.Close()
		_ = store.Close()
		return nil, translateError(err)
	}
	return c, nil
}

// recover replays the WAL if it is non-empty. Because CreateIDsBatch
// appends its VECTOR_ADD records from inside the same kv.Store.Update
// transaction that writes the external->internal mapping, bbolt's own
// transaction atomicity already rules out the "id allocated, mapping
// never written" split-brain the two-transaction description in
// spec.md §4.8 guards against: any record in the WAL either already
// has a committed mapping, or belonged to a transaction that never
// committed at all (in which case its id number was never consumed,
// since NEXT_ID_KEY lives in that same rolled-back transaction).
// Recovery is therefore a verify-and-clear pass rather than a repair.
func (c *Collection) recover() error {
	has, err := c.wal.HasEntries()
	if err != nil {
		return err
	}
	if !has {
		return nil
	}

	var replayed int
	err = c.wal.Replay(func(wal.Record) error {
		replayed++
		return nil
	})
	c.logger.LogRecovery(context.Background(), replayed, err)
	if err != nil {
		return err
	}
	return c.wal.Clear()
}

// Close flushes and closes the write-ahead log and the underlying
// store.
func (c *Collection) Close() error {
	walErr := c.wal.Close()
	storeErr := c.store.Close()
	if walErr != nil {
		return walErr
	}
	return storeErr
}

// SetWALEnabled toggles the write-ahead log at runtime, for bulk loads
// that accept losing in-flight allocation state on crash in exchange
// for throughput.
func (c *Collection) SetWALEnabled(enabled bool) {
	c.wal.SetEnabled(enabled)
}

func docKey(id model.InternalID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Upsert assigns (or reuses) an internal id per external point and
// writes its vector and attributes, per spec.md §2's write data flow:
// ID Mapper -> Sparse Vector Codec -> BMW Index -> Filter Engine, all
// in one transaction per spec.md §5's ordering guarantee.
func (c *Collection) Upsert(points []Point) ([]model.InternalID, error) {
	start := time.Now()
	out, err := c.upsert(points)
	c.metrics.RecordUpsert(time.Since(start), err)
	if len(points) > 1 {
		failed := 0
		if err != nil {
			failed = len(points)
		}
		c.logger.LogBatchUpsert(context.Background(), len(points), failed)
	}
	return out, translateError(err)
}

func (c *Collection) upsert(points []Point) ([]model.InternalID, error) {
	if len(points) == 0 {
		return nil, nil
	}

	externalIDs := make([]model.ExternalID, len(points))
	for i, p := range points {
		externalIDs[i] = p.ExternalID
	}

	out := make([]model.InternalID, len(points))
	err := c.store.Update(func(tx *kv.Tx) error {
		assigned, err := c.ids.CreateIDsBatch(tx, externalIDs, c.opts.reuseDeletedIDs, c.wal)
		if err != nil {
			return err
		}
		for i, p := range points {
			id := assigned[i].ID
			out[i] = id
			if err := c.writeVector(tx, id, p.Vector); err != nil {
				return fmt.Errorf("sparseix: upsert %q: %w", p.ExternalID, err)
			}
			if err := c.writeAttributes(tx, id, p.Attributes); err != nil {
				return fmt.Errorf("sparseix: upsert %q: %w", p.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, p := range points {
		c.logger.LogUpsert(context.Background(), uint64(out[i]), len(p.Vector), nil)
	}
	return out, nil
}

// writeVector replaces id's stored sparse vector, removing BMW
// postings for terms present in the old vector but absent from the
// new one, and inserting/overwriting postings for every term in the
// new one.
func (c *Collection) writeVector(tx *kv.Tx, id model.InternalID, v model.SparseVector) error {
	docs := tx.SubStore(docsSubStoreName)
	key := docKey(id)

	if raw, err := docs.Get(key); err == nil {
		old, err := sparsevec.Decode(raw)
		if err != nil {
			return err
		}
		newTerms := make(map[uint32]struct{}, len(v))
		for _, tw := range v {
			newTerms[tw.TermID] = struct{}{}
		}
		for _, tw := range old {
			if _, stillPresent := newTerms[tw.TermID]; !stillPresent {
				if err := c.bmwIdx.Remove(tx, tw.TermID, id); err != nil {
					return err
				}
			}
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	for _, tw := range v {
		if err := c.bmwIdx.Add(tx, tw.TermID, id, tw.Value); err != nil {
			return err
		}
	}

	buf, err := sparsevec.Encode(v)
	if err != nil {
		return err
	}
	return docs.Put(key, buf)
}

// writeAttributes replaces id's stored attribute snapshot, registering
// each field's type in the schema (skipping, per spec.md §7's
// TypeConflict policy, any field whose type conflicts with its
// registered type) and updating the bitmap/numeric indices to match.
func (c *Collection) writeAttributes(tx *kv.Tx, id model.InternalID, attrs map[string]any) error {
	sub := tx.SubStore(attrsSubStoreName)
	key := docKey(id)

	old := make(map[string]any)
	if raw, err := sub.Get(key); err == nil {
		if err := json.Unmarshal(raw, &old); err != nil {
			return err
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	for field, oldVal := range old {
		if _, stillPresent := attrs[field]; stillPresent {
			continue
		}
		if err := c.removeAttribute(tx, id, field, oldVal); err != nil {
			return err
		}
	}

	// A bitmap-type field whose value changed needs its old (field,
	// value) entry cleared first: unlike numericindex.Put, bitmapindex
	// has no forward index to locate and replace the stale entry for us.
	writes := make([]filter.FieldWrite, 0, len(attrs))
	for field, newVal := range attrs {
		if oldVal, hadOld := old[field]; hadOld && c.schema.TypeOf(field) != model.FieldTypeNumber {
			if filter.Stringify(oldVal) != filter.Stringify(newVal) {
				if err := bitmapindex.Remove(tx, []byte(field), []byte(filter.Stringify(oldVal)), id); err != nil {
					return err
				}
			}
		}
		writes = append(writes, filter.FieldWrite{Field: field, Value: newVal})
	}

	failures, err := filter.WriteFields(tx, c.schema, c.numeric, id, writes)
	if err != nil {
		return err
	}
	for _, f := range failures {
		c.logger.Logger.Warn("skipping attribute write", "field", f.Field, "error", f.Err)
	}

	buf, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return sub.Put(key, buf)
}

func (c *Collection) removeAttribute(tx *kv.Tx, id model.InternalID, field string, v any) error {
	t := c.schema.TypeOf(field)
	if t == model.FieldTypeNumber {
		return c.numeric.Remove(tx, []byte(field), id)
	}
	return bitmapindex.Remove(tx, []byte(field), []byte(filter.Stringify(v)), id)
}

// Delete removes each external id's mapping, vector, and attributes in
// one transaction, reclaiming its internal id for reuse.
func (c *Collection) Delete(externalIDs []model.ExternalID) ([]model.InternalID, error) {
	start := time.Now()
	out, err := c.delete(externalIDs)
	c.metrics.RecordDelete(time.Since(start), err)
	return out, translateError(err)
}

func (c *Collection) delete(externalIDs []model.ExternalID) ([]model.InternalID, error) {
	var out []model.InternalID
	err := c.store.Update(func(tx *kv.Tx) error {
		ids, err := c.ids.DeletePoints(tx, externalIDs)
		if err != nil {
			return err
		}
		out = ids
		for _, id := range ids {
			if id == 0 {
				continue
			}
			if err := c.removeVector(tx, id); err != nil {
				return err
			}
			if err := c.removeAttributes(tx, id); err != nil {
				return err
			}
			if err := c.wal.Append(wal.OpVectorDelete, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range out {
		c.logger.LogDelete(context.Background(), uint64(id), nil)
	}
	return out, nil
}

func (c *Collection) removeVector(tx *kv.Tx, id model.InternalID) error {
	docs := tx.SubStore(docsSubStoreName)
	key := docKey(id)
	raw, err := docs.Get(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil
		}
		return err
	}
	v, err := sparsevec.Decode(raw)
	if err != nil {
		return err
	}
	for _, tw := range v {
		if err := c.bmwIdx.Remove(tx, tw.TermID, id); err != nil {
			return err
		}
	}
	return docs.Delete(key)
}

func (c *Collection) removeAttributes(tx *kv.Tx, id model.InternalID) error {
	sub := tx.SubStore(attrsSubStoreName)
	key := docKey(id)
	raw, err := sub.Get(key)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil
		}
		return err
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}
	for field, v := range attrs {
		if err := c.removeAttribute(tx, id, field, v); err != nil {
			return err
		}
	}
	return sub.Delete(key)
}

// Search runs the read data flow of spec.md §2: the Filter Engine
// computes a candidate bitmap from conditions (if any), BMW Search
// returns the top-K scored ids intersected with it, and the ID Mapper
// translates the result back to external ids.
func (c *Collection) Search(query model.SparseVector, k int, conditions []filter.Condition) ([]SearchResult, error) {
	start := time.Now()
	out, err := c.search(query, k, conditions)
	c.metrics.RecordSearch(time.Since(start), len(out), err)
	c.logger.LogSearch(context.Background(), k, len(out), err)
	return out, translateError(err)
}

func (c *Collection) search(query model.SparseVector, k int, conditions []filter.Condition) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	var out []SearchResult
	err := c.store.View(func(tx *kv.Tx) error {
		var allowed *roaring.Bitmap
		if len(conditions) > 0 {
			bm, err := filter.Evaluate(tx, c.schema, c.numeric, conditions)
			if err != nil {
				return err
			}
			allowed = bm
		}

		candidates, err := c.bmwIdx.Search(tx, query, k, allowed)
		if err != nil {
			return err
		}

		ids := make([]model.InternalID, len(candidates))
		for i, cd := range candidates {
			ids[i] = cd.ID
		}
		externals, err := idmapper.TranslateBatch(tx, c.ids, ids)
		if err != nil {
			return err
		}

		out = make([]SearchResult, len(candidates))
		for i, cd := range candidates {
			out[i] = SearchResult{ExternalID: externals[i], Score: cd.Score}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns a read-only snapshot of the collection's current size.
func (c *Collection) Stats() (Stats, error) {
	var s Stats
	err := c.store.View(func(tx *kv.Tx) error {
		ms, err := c.ids.Stats(tx)
		if err != nil {
			return err
		}
		s.LiveInternalIDs = ms.LiveCount
		s.DeletedPendingReuse = ms.DeletedPendingReuse
		return nil
	})
	if err != nil {
		return Stats{}, translateError(err)
	}
	s.BMWTerms, s.BMWBlocks = c.bmwIdx.Stats()
	return s, nil
}

