// Package features defines the Feature Store capability consumed by the
// engine, with strict point-in-time semantics: a fetch at as-of time T must
// never observe a value recorded after T. The in-memory implementation is
// the reference for those semantics and the default test double.
package features

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Value is one feature value as it was known at a specific instant.
type Value struct {
	Value      any       `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Snapshot freezes the exact feature values used by one execution. Replays
// resolve the snapshot by ref instead of consulting the live store.
type Snapshot struct {
	Ref      string           `json:"ref"`
	EntityID string           `json:"entity_id"`
	AsOf     time.Time        `json:"as_of"`
	Values   map[string]Value `json:"values"`
}

// NewSnapshot allocates a snapshot with a fresh ref.
func NewSnapshot(entityID string, asOf time.Time, values map[string]Value) Snapshot {
	return Snapshot{
		Ref:      uuid.NewString(),
		EntityID: entityID,
		AsOf:     asOf,
		Values:   values,
	}
}

// Plain returns the snapshot values stripped of observation metadata, the
// shape logic evaluation consumes.
func (s Snapshot) Plain() map[string]any {
	out := make(map[string]any, len(s.Values))
	for name, v := range s.Values {
		out[name] = v.Value
	}
	return out
}

// Store is the point-in-time feature store capability.
type Store interface {
	// GetFeaturesAt returns the named features for an entity as they were
	// known at asOf. Features with no observation at or before asOf are
	// omitted from the result.
	GetFeaturesAt(ctx context.Context, entityID string, names []string, asOf time.Time) (map[string]Value, error)
}

// SnapshotStore persists frozen snapshots keyed by ref.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, ref string) (Snapshot, error)
}

// observation is one recorded feature value.
type observation struct {
	value      any
	observedAt time.Time
}

// InMemoryStore is a thread-safe in-memory feature store.
type InMemoryStore struct {
	mu sync.RWMutex
	// entity -> feature -> observations sorted by observedAt ascending
	data map[string]map[string][]observation
}

// NewInMemoryStore creates an empty in-memory feature store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[string][]observation)}
}

// Record registers an observation of a feature value.
func (s *InMemoryStore) Record(entityID, name string, value any, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.data[entityID]
	if !ok {
		entity = make(map[string][]observation)
		s.data[entityID] = entity
	}
	obs := entity[name]
	obs = append(obs, observation{value: value, observedAt: observedAt})
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].observedAt.Before(obs[j].observedAt)
	})
	entity[name] = obs
}

// GetFeaturesAt returns the latest observation of each feature at or before
// asOf. Future-observed values never leak.
func (s *InMemoryStore) GetFeaturesAt(ctx context.Context, entityID string, names []string, asOf time.Time) (map[string]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entity := s.data[entityID]
	out := make(map[string]Value, len(names))
	for _, name := range names {
		obs := entity[name]
		// Latest observation with observedAt <= asOf.
		idx := sort.Search(len(obs), func(i int) bool {
			return obs[i].observedAt.After(asOf)
		})
		if idx == 0 {
			continue
		}
		chosen := obs[idx-1]
		out[name] = Value{Value: chosen.value, ObservedAt: chosen.observedAt}
	}
	return out, nil
}

// InMemorySnapshotStore is a thread-safe in-memory snapshot store.
type InMemorySnapshotStore struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

// NewInMemorySnapshotStore creates an empty snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{data: make(map[string]Snapshot)}
}

func (s *InMemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.Ref == "" {
		return fmt.Errorf("features: snapshot has no ref")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.Ref] = snap
	return nil
}

func (s *InMemorySnapshotStore) Load(ctx context.Context, ref string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[ref]
	if !ok {
		return Snapshot{}, fmt.Errorf("features: snapshot %q not found", ref)
	}
	return snap, nil
}
