package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointInTimeLookup(t *testing.T) {
	s := NewInMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Record("cust-1", "credit_score", 650, t0)
	s.Record("cust-1", "credit_score", 720, t0.Add(48*time.Hour))

	// As of t0+1h only the first observation is visible.
	vals, err := s.GetFeaturesAt(context.Background(), "cust-1", []string{"credit_score"}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 650, vals["credit_score"].Value)

	// As of t0+3d the newer value wins.
	vals, err = s.GetFeaturesAt(context.Background(), "cust-1", []string{"credit_score"}, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 720, vals["credit_score"].Value)
}

func TestNoFutureLeakage(t *testing.T) {
	s := NewInMemoryStore()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Record("cust-2", "risk_flag", true, t0)

	vals, err := s.GetFeaturesAt(context.Background(), "cust-2", []string{"risk_flag"}, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.NotContains(t, vals, "risk_flag")
}

func TestUnknownFeatureOmitted(t *testing.T) {
	s := NewInMemoryStore()
	vals, err := s.GetFeaturesAt(context.Background(), "nobody", []string{"anything"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestOutOfOrderRecording(t *testing.T) {
	s := NewInMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Record("e", "f", "newer", t0.Add(time.Hour))
	s.Record("e", "f", "older", t0)

	vals, err := s.GetFeaturesAt(context.Background(), "e", []string{"f"}, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "older", vals["f"].Value)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewInMemorySnapshotStore()
	snap := NewSnapshot("cust-1", time.Now().UTC(), map[string]Value{
		"credit_score": {Value: 720, ObservedAt: time.Now().UTC()},
	})
	require.NotEmpty(t, snap.Ref)

	require.NoError(t, store.Save(context.Background(), snap))
	loaded, err := store.Load(context.Background(), snap.Ref)
	require.NoError(t, err)
	assert.Equal(t, snap.EntityID, loaded.EntityID)
	assert.Equal(t, 720, loaded.Values["credit_score"].Value)

	_, err = store.Load(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSnapshotPlain(t *testing.T) {
	snap := NewSnapshot("e", time.Now(), map[string]Value{
		"a": {Value: 1},
		"b": {Value: "x"},
	})
	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, snap.Plain())
}
