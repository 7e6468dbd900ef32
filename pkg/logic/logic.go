// Package logic provides the Evaluatable contract the engine executes
// against, with interchangeable representations behind it: declarative rule
// sets, CEL expression programs, sandboxed WASM modules, and registered
// native functions. The engine never knows which variant backs a version.
package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

// Context carries the evaluation-time inputs beyond the caller document:
// the frozen feature snapshot and the as-of instant.
type Context struct {
	Features map[string]any
	AsOf     time.Time
}

// Evaluatable is the single execution contract all logic variants implement.
type Evaluatable interface {
	Execute(ctx context.Context, input map[string]any, ec Context) (map[string]any, error)
}

// FromSpec materializes an Evaluatable from its serialized spec. WASM specs
// compile a module; callers should Close the returned value if it implements
// io.Closer once it is no longer needed.
func FromSpec(ctx context.Context, spec contracts.LogicSpec, natives *NativeRegistry) (Evaluatable, error) {
	switch spec.Kind {
	case contracts.LogicKindRuleSet:
		return NewRuleLogic(spec.Source)
	case contracts.LogicKindCEL:
		return NewCELLogic(string(spec.Source))
	case contracts.LogicKindWASM:
		return NewWASMLogic(ctx, spec.Source)
	case contracts.LogicKindNative:
		if natives == nil {
			return nil, fmt.Errorf("logic: no native registry configured")
		}
		return natives.Resolve(string(spec.Source))
	default:
		return nil, fmt.Errorf("logic: unknown logic kind %q", spec.Kind)
	}
}

// Verify checks that a spec is well-formed and compiles, without keeping the
// result. The registry runs this at draft registration so broken logic never
// enters the release workflow.
func Verify(ctx context.Context, spec contracts.LogicSpec, natives *NativeRegistry) error {
	ev, err := FromSpec(ctx, spec, natives)
	if err != nil {
		return err
	}
	if c, ok := ev.(interface{ Close(context.Context) error }); ok {
		_ = c.Close(ctx)
	}
	return nil
}
