// Package kv is the KV Store Adapter: a thin layer over an embedded,
// single-writer/multi-reader MVCC key-value store with auto-growing file
// geometry. Every other persisted component (bitmap index, numeric
// index, BMW blocks, id mapper) opens its own named sub-store through
// this package and never touches the underlying engine directly.
//
// The adapter is backed by bbolt: an mmap-backed B+Tree with named
// buckets, byte-ordered keys, and snapshot-isolated read/write
// transactions — the closest match in the reference corpus to the
// store spec.md describes.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by lookups that find no matching key.
var ErrNotFound = errors.New("kv: not found")

// Options configures the underlying store file.
type Options struct {
	// Path is the file the store is persisted to.
	Path string
	// ReadOnly opens the store for readers only (e.g. a replica).
	ReadOnly bool
	// InitialMmapSize pre-sizes the memory map so the store can grow
	// without remapping during a hot write burst.
	InitialMmapSize int
	// Timeout bounds how long Open waits to acquire the file lock.
	Timeout time.Duration
}

// Store is a single on-disk KV engine instance holding any number of
// named sub-stores (buckets).
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store file at opts.Path.
func Open(opts Options) (*Store, error) {
	boltOpts := &bolt.Options{
		ReadOnly:        opts.ReadOnly,
		Timeout:         opts.Timeout,
		InitialMmapSize: opts.InitialMmapSize,
	}
	db, err := bolt.Open(opts.Path, 0600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", opts.Path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file and memory map.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSubStore creates the named sub-store if it does not already
// exist. Idempotent; safe to call on every startup.
func (s *Store) EnsureSubStore(name []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
}

// Tx is a single read or write transaction spanning any number of
// sub-stores, matching spec.md's requirement that a document's BMW,
// filter, and id-mapper writes occur in one transaction.
type Tx struct {
	tx *bolt.Tx
}

// Writable reports whether the transaction may mutate sub-stores.
func (t *Tx) Writable() bool { return t.tx.Writable() }

// SubStore returns the named sub-store, or nil if it does not exist.
// Callers must have called EnsureSubStore for names that might not
// exist yet on a fresh store.
func (t *Tx) SubStore(name []byte) *SubStore {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil
	}
	return &SubStore{b: b}
}

// CreateSubStoreIfNotExists is the in-transaction equivalent of
// Store.EnsureSubStore, for write transactions that need a sub-store
// that might not have been provisioned yet.
func (t *Tx) CreateSubStoreIfNotExists(name []byte) (*SubStore, error) {
	b, err := t.tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, err
	}
	return &SubStore{b: b}, nil
}

// View runs fn in a read-only, snapshot-isolated transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Update runs fn in a read-write transaction. Only one Update runs at a
// time per Store (single-writer), matching spec.md's concurrency model;
// readers never block behind it.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// SubStore is one named key space within the store.
type SubStore struct {
	b *bolt.Bucket
}

// Get returns the value for key, or (nil, ErrNotFound).
// The returned slice is only valid for the lifetime of the transaction;
// callers that need to retain it must copy it.
func (s *SubStore) Get(key []byte) ([]byte, error) {
	v := s.b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put inserts or overwrites key.
func (s *SubStore) Put(key, value []byte) error {
	return s.b.Put(key, value)
}

// Delete removes key. A no-op if key is absent.
func (s *SubStore) Delete(key []byte) error {
	return s.b.Delete(key)
}

// Cursor returns a byte-ordered cursor over the sub-store.
func (s *SubStore) Cursor() *Cursor {
	return &Cursor{c: s.b.Cursor()}
}

// ForEachPrefix calls fn for every key with the given prefix, in
// ascending key order, stopping early if fn returns an error.
func (s *SubStore) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := s.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachRange calls fn for every key in [start, end), in ascending
// key order. A nil end means "to the end of the sub-store".
func (s *SubStore) ForEachRange(start, end []byte, fn func(key, value []byte) error) error {
	c := s.b.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Cursor is a positionable iterator over a sub-store's byte-ordered keys.
type Cursor struct {
	c *bolt.Cursor
}

// Seek positions the cursor at the first key >= seek and returns it.
func (c *Cursor) Seek(seek []byte) (key, value []byte) { return c.c.Seek(seek) }

// First positions the cursor at the first key in the sub-store.
func (c *Cursor) First() (key, value []byte) { return c.c.First() }

// Last positions the cursor at the last key in the sub-store.
func (c *Cursor) Last() (key, value []byte) { return c.c.Last() }

// Next advances the cursor and returns the new position.
func (c *Cursor) Next() (key, value []byte) { return c.c.Next() }

// Prev steps the cursor backward and returns the new position.
func (c *Cursor) Prev() (key, value []byte) { return c.c.Prev() }
