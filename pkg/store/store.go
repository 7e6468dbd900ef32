// Package store defines the persistence boundary: an append-only log for the
// trace ledger and a versioned key-value store for the registry. Storage
// technology is an implementation detail behind these interfaces; the ledger
// and registry define hashing and state-machine semantics, never SQL.
package store

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by KV.Get for unknown keys.
	ErrKeyNotFound = errors.New("store: key not found")
	// ErrRevisionMismatch is returned by KV.Put when the expected revision
	// does not match the stored one (optimistic concurrency).
	ErrRevisionMismatch = errors.New("store: revision mismatch")
	// ErrSequenceConflict is returned by AppendLog.Append when the sequence
	// number is already taken.
	ErrSequenceConflict = errors.New("store: sequence conflict")
)

// AppendLog is durable append-only storage for ledger records. Sequence
// numbers are 1-based and strictly monotonic; the ledger, not the store,
// assigns them.
type AppendLog interface {
	Append(ctx context.Context, seq uint64, payload []byte) error
	// Read returns payloads for sequences in [from, to], ordered by sequence.
	Read(ctx context.Context, from, to uint64) ([][]byte, error)
	// Len returns the highest stored sequence number (0 when empty).
	Len(ctx context.Context) (uint64, error)
}

// KV is a versioned key-value store with compare-and-swap writes. A Put with
// expectedRev 0 creates the key; any other value must match the stored
// revision exactly.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, revision uint64, err error)
	Put(ctx context.Context, key string, value []byte, expectedRev uint64) (newRev uint64, err error)
	// List returns all entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// ObjectStore is content-addressed blob storage used for ledger segment
// archival. Store returns the content hash under which the blob is kept.
type ObjectStore interface {
	Store(ctx context.Context, data []byte) (hash string, err error)
	Get(ctx context.Context, hash string) ([]byte, error)
}
