package store

import (
	"context"
	"strings"
	"sync"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
)

// MemoryLog is a thread-safe in-memory AppendLog, the default for tests and
// ephemeral deployments.
type MemoryLog struct {
	mu       sync.RWMutex
	payloads [][]byte
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, seq uint64, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq != uint64(len(l.payloads))+1 {
		return ErrSequenceConflict
	}
	cp := append([]byte(nil), payload...)
	l.payloads = append(l.payloads, cp)
	return nil
}

func (l *MemoryLog) Read(ctx context.Context, from, to uint64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	max := uint64(len(l.payloads))
	if to > max {
		to = max
	}
	if from > to {
		return nil, nil
	}

	out := make([][]byte, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		out = append(out, append([]byte(nil), l.payloads[seq-1]...))
	}
	return out, nil
}

func (l *MemoryLog) Len(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.payloads)), nil
}

// Overwrite replaces a stored payload in place. It exists so tests can
// simulate storage-level tampering; production code has no mutation path.
func (l *MemoryLog) Overwrite(seq uint64, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= 1 && seq <= uint64(len(l.payloads)) {
		l.payloads[seq-1] = append([]byte(nil), payload...)
	}
}

type kvEntry struct {
	value    []byte
	revision uint64
}

// MemoryKV is a thread-safe in-memory versioned KV store.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]kvEntry
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]kvEntry)}
}

func (s *MemoryKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), e.revision, nil
}

func (s *MemoryKV) Put(ctx context.Context, key string, value []byte, expectedRev uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	switch {
	case expectedRev == 0 && exists:
		return 0, ErrRevisionMismatch
	case expectedRev != 0 && (!exists || existing.revision != expectedRev):
		return 0, ErrRevisionMismatch
	}

	newRev := expectedRev + 1
	s.data[key] = kvEntry{value: append([]byte(nil), value...), revision: newRev}
	return newRev, nil
}

func (s *MemoryKV) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

// MemoryObjectStore is an in-memory content-addressed blob store.
type MemoryObjectStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{data: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := canonicalize.HashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[hash] = append([]byte(nil), data...)
	return hash, nil
}

func (s *MemoryObjectStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}
