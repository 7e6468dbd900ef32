package logic

import (
	"context"
	"fmt"
	"sync"
)

// Func is an in-process decision function. Native logic is referenced by
// registered name so artifacts stay serializable.
type Func func(ctx context.Context, input map[string]any, ec Context) (map[string]any, error)

// NativeLogic wraps a registered Go function.
type NativeLogic struct {
	name string
	fn   Func
}

func (l *NativeLogic) Execute(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.fn(ctx, input, ec)
}

// NativeRegistry maps names to in-process functions.
type NativeRegistry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{fns: make(map[string]Func)}
}

// Register binds a name to a function. Re-registering a name is an error:
// native logic must be as immutable as any other published representation.
func (r *NativeRegistry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("logic: native function %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Resolve returns the logic registered under name.
func (r *NativeRegistry) Resolve(name string) (*NativeLogic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	if !ok {
		return nil, fmt.Errorf("logic: native function %q not registered", name)
	}
	return &NativeLogic{name: name, fn: fn}, nil
}
