package filter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// SchemaSubStoreName and schemaKey locate the persisted field-type
// registry: a fixed reserved key within its own sub-store, matching
// spec.md §6's "Schema key: a fixed reserved key; value is a
// JSON-like map of field -> type_code".
var (
	SchemaSubStoreName = []byte("filter_schema")
	schemaKey          = []byte("__schema__")
)

// Schema is the in-memory mirror of the persisted field-type registry.
// It implements spec.md §4.10's field-type lifecycle: a field moves
// Unregistered -> Registered(type) on its first successful write and
// stays Registered for the process lifetime; conflicting writes are
// rejected field-locally without aborting the batch.
type Schema struct {
	store *kv.Store

	mu     sync.RWMutex
	fields map[string]model.FieldType
}

// OpenSchema loads the persisted schema (if any) and ensures its
// sub-store exists.
func OpenSchema(store *kv.Store) (*Schema, error) {
	if err := store.EnsureSubStore(SchemaSubStoreName); err != nil {
		return nil, fmt.Errorf("filter: open schema: %w", err)
	}
	s := &Schema{store: store, fields: make(map[string]model.FieldType)}

	err := store.View(func(tx *kv.Tx) error {
		raw, err := tx.SubStore(SchemaSubStoreName).Get(schemaKey)
		if err != nil {
			if err == kv.ErrNotFound {
				return nil
			}
			return err
		}
		var onDisk map[string]uint8
		if jsonErr := json.Unmarshal(raw, &onDisk); jsonErr != nil {
			return fmt.Errorf("filter: decode schema: %w", jsonErr)
		}
		for field, code := range onDisk {
			s.fields[field] = model.FieldType(code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// TypeOf returns the registered type for field, or
// model.FieldTypeUnregistered if it has never been written.
func (s *Schema) TypeOf(field string) model.FieldType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fields[field]
}

// Register attempts to record field as having type t.
//
// If the field is unregistered, it is registered and the new state is
// persisted inside tx. If it is already registered with a different
// type, a *TypeConflictError is returned and no write occurs — the
// caller skips that field and continues its batch per spec.md §7.
func (s *Schema) Register(tx *kv.Tx, field string, t model.FieldType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.fields[field]
	if ok {
		if existing != t {
			return &TypeConflictError{Field: field, Registered: existing, Rejected: t}
		}
		return nil
	}

	s.fields[field] = t
	return s.persistLocked(tx)
}

func (s *Schema) persistLocked(tx *kv.Tx) error {
	onDisk := make(map[string]uint8, len(s.fields))
	for field, t := range s.fields {
		onDisk[field] = uint8(t)
	}
	buf, err := json.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("filter: encode schema: %w", err)
	}
	return tx.SubStore(SchemaSubStoreName).Put(schemaKey, buf)
}
