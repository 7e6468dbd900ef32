package logic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMLogic executes opaque decision logic compiled to a WASI module.
// Deny-by-default: no filesystem, no network, no environment, no wall clock,
// no randomness. The module sees only its stdin and produces stdout, which
// is what makes its execution reproducible.
//
// Protocol: the module reads a JSON document {"input": ..., "features": ...}
// from stdin and writes the output JSON object to stdout.
type WASMLogic struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWASMLogic compiles a WASM module for repeated execution.
func NewWASMLogic(ctx context.Context, moduleBytes []byte) (*WASMLogic, error) {
	if len(moduleBytes) == 0 {
		return nil, fmt.Errorf("logic: empty wasm module")
	}

	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("logic: wasm compile: %w", err)
	}

	return &WASMLogic{runtime: r, compiled: compiled}, nil
}

func (l *WASMLogic) Execute(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"input":    input,
		"features": ec.Features,
		"as_of":    ec.AsOf,
	})
	if err != nil {
		return nil, fmt.Errorf("logic: wasm payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: safe for concurrent instantiation
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	// Deliberately not wired: WithFSConfig, WithSysWalltime, WithSysNanotime,
	// WithRandSource, WithEnv.

	mod, err := l.runtime.InstantiateModule(ctx, l.compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("logic: wasm run failed: %w (stderr: %s)", err, stderr.String())
	}
	defer func() { _ = mod.Close(ctx) }()

	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("logic: wasm produced invalid output JSON: %w", err)
	}
	return out, nil
}

// Close releases the wazero runtime.
func (l *WASMLogic) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}
