package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogAppendRead(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, 1, []byte("a")))
	require.NoError(t, l.Append(ctx, 2, []byte("b")))
	require.NoError(t, l.Append(ctx, 3, []byte("c")))

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	payloads, err := l.Read(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, "b", string(payloads[0]))
	assert.Equal(t, "c", string(payloads[1]))
}

func TestMemoryLogSequenceConflict(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, 1, []byte("a")))
	assert.ErrorIs(t, l.Append(ctx, 1, []byte("dup")), ErrSequenceConflict)
	assert.ErrorIs(t, l.Append(ctx, 5, []byte("gap")), ErrSequenceConflict)
}

func TestMemoryLogReadOutOfRange(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, 1, []byte("a")))

	payloads, err := l.Read(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, payloads)

	// Clamped to available range.
	payloads, err = l.Read(ctx, 0, 99)
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}

func TestMemoryKVCreateAndUpdate(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	rev, err := kv.Put(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	// Create on an existing key fails.
	_, err = kv.Put(ctx, "k", []byte("v2"), 0)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	// CAS with the right revision succeeds.
	rev, err = kv.Put(ctx, "k", []byte("v2"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	// Stale revision is rejected.
	_, err = kv.Put(ctx, "k", []byte("v3"), 1)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	val, rev, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(val))
	assert.Equal(t, uint64(2), rev)
}

func TestMemoryKVGetMissing(t *testing.T) {
	kv := NewMemoryKV()
	_, _, err := kv.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryKVList(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	_, err := kv.Put(ctx, "artifact/f1/1.0.0", []byte("a"), 0)
	require.NoError(t, err)
	_, err = kv.Put(ctx, "artifact/f1/2.0.0", []byte("b"), 0)
	require.NoError(t, err)
	_, err = kv.Put(ctx, "index/f1", []byte("c"), 0)
	require.NoError(t, err)

	out, err := kv.List(ctx, "artifact/f1/")
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
