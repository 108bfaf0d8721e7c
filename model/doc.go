// Package model defines the core types shared across the sparse-vector
// search engine: internal/external document identifiers and sparse
// vectors. The filter AST is filter.Condition in package filter.
//
// # Identity Types
//
//   - ExternalID: caller-supplied opaque key, unique per collection.
//   - InternalID: monotonically allocated numeric id (uint32 or uint64
//     depending on IDWidth), reused after deletion via a reclaim queue.
//
// # Data Types
//
//   - SparseVector: ordered (TermID, Value) pairs, TermID strictly
//     ascending.
package model
