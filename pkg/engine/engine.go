// Package engine executes decision functions deterministically. Every
// execution resolves a version as of a caller-supplied instant, validates
// input and output against the version's schemas, evaluates logic against a
// frozen feature snapshot, and appends exactly one trace record: OK on
// success, ERROR on any failure. Execute-then-append is one atomic unit; a
// cancelled execution appends nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
	"github.com/data-riot/policy-as-code/pkg/contracts"
	"github.com/data-riot/policy-as-code/pkg/features"
	"github.com/data-riot/policy-as-code/pkg/logic"
	"github.com/data-riot/policy-as-code/pkg/observability"
	"github.com/data-riot/policy-as-code/pkg/resiliency"
	"github.com/data-riot/policy-as-code/pkg/schema"
	"github.com/data-riot/policy-as-code/pkg/store"
)

// DefaultTimeout bounds a single logic evaluation.
const DefaultTimeout = 5 * time.Second

// Resolver is the registry capability the engine needs.
type Resolver interface {
	ResolveActive(ctx context.Context, functionID string, asOf time.Time) (contracts.Artifact, error)
	Get(ctx context.Context, functionID, version string) (contracts.Artifact, error)
}

// Appender is the ledger capability the engine needs.
type Appender interface {
	Append(ctx context.Context, rec contracts.TraceRecord) (contracts.TraceRecord, error)
}

// Request is one execution request. Version pins a specific version for
// replay; empty means the active version at AsOf. Snapshot, when set,
// replaces the live feature fetch entirely (replay path).
type Request struct {
	FunctionID string
	Version    string
	Input      map[string]any
	CallerID   string
	EntityID   string
	AsOf       time.Time
	Snapshot   *features.Snapshot
}

// Result is the outcome of a successful execution.
type Result struct {
	TraceID     string         `json:"trace_id"`
	FunctionID  string         `json:"function_id"`
	Version     string         `json:"version"`
	Output      map[string]any `json:"output"`
	InputHash   string         `json:"input_hash"`
	OutputHash  string         `json:"output_hash"`
	SnapshotRef string         `json:"feature_snapshot_ref,omitempty"`
}

// Engine is stateless across executions; many Execute calls run concurrently.
// The only shared mutable state is the compiled-logic cache, keyed by logic
// hash so a cache entry can never serve stale logic.
type Engine struct {
	registry  Resolver
	ledger    Appender
	features  features.Store
	snapshots features.SnapshotStore
	payloads  store.ObjectStore
	natives   *logic.NativeRegistry
	retrier   *resiliency.Retrier
	obs       *observability.Provider
	timeout   time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	compiled map[string]logic.Evaluatable
}

// New creates an engine over a registry, ledger, and feature store.
func New(registry Resolver, ledger Appender, store features.Store, snapshots features.SnapshotStore) *Engine {
	return &Engine{
		registry:  registry,
		ledger:    ledger,
		features:  store,
		snapshots: snapshots,
		retrier:   resiliency.NewRetrier(3, 50*time.Millisecond, 100),
		timeout:   DefaultTimeout,
		clock:     time.Now,
		logger:    slog.Default().With("component", "engine"),
		compiled:  make(map[string]logic.Evaluatable),
	}
}

// WithTimeout overrides the per-execution logic timeout.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	e.timeout = d
	return e
}

// WithNativeRegistry enables native logic resolution.
func (e *Engine) WithNativeRegistry(n *logic.NativeRegistry) *Engine {
	e.natives = n
	return e
}

// WithPayloadStore archives canonical input and output documents by content
// hash. Replay needs the original input; hashes alone cannot reproduce it.
func (e *Engine) WithPayloadStore(s store.ObjectStore) *Engine {
	e.payloads = s
	return e
}

// WithRetrier overrides the feature-fetch retrier.
func (e *Engine) WithRetrier(r *resiliency.Retrier) *Engine {
	e.retrier = r
	return e
}

// WithObservability attaches tracing and RED metrics.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Execute runs one decision. On success exactly one OK trace record is
// appended and the result carries its trace ID. On failure the error is
// returned to the caller and exactly one ERROR record is appended, except
// when the caller's context was cancelled, in which case nothing is appended.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = e.clock().UTC()
	}
	asOf = asOf.UTC()

	var done func(error, string)
	if e.obs != nil {
		ctx, done = e.obs.TrackExecution(ctx, req.FunctionID, req.Version)
	}

	var resolved contracts.Artifact
	res, err := e.execute(ctx, req, asOf, &resolved)
	if done != nil {
		done(err, contracts.CodeOf(err))
	}
	if err != nil {
		// Caller cancellation leaves no trace: the execute-then-append
		// unit never started its append.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Result{}, err
		}
		e.appendError(ctx, req, resolved, asOf, err)
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, req Request, asOf time.Time, resolved *contracts.Artifact) (Result, error) {
	art, err := e.resolve(ctx, req, asOf)
	if err != nil {
		return Result{}, err
	}
	*resolved = art

	inputSchema, err := schema.Compile("input", art.InputSchema)
	if err != nil {
		return Result{}, contracts.WrapError(contracts.CodeExecution, err, "input schema unusable")
	}
	if err := inputSchema.Validate(req.Input); err != nil {
		return Result{}, err
	}

	snap, err := e.snapshot(ctx, req, art, asOf)
	if err != nil {
		return Result{}, err
	}

	output, err := e.evaluate(ctx, art, req.Input, logic.Context{Features: snap.Plain(), AsOf: asOf})
	if err != nil {
		return Result{}, err
	}

	outputSchema, err := schema.Compile("output", art.OutputSchema)
	if err != nil {
		return Result{}, contracts.WrapError(contracts.CodeExecution, err, "output schema unusable")
	}
	if err := outputSchema.Validate(output); err != nil {
		return Result{}, err
	}

	inputBytes, err := canonicalize.JCS(req.Input)
	if err != nil {
		return Result{}, contracts.WrapError(contracts.CodeExecution, err, "input not canonicalizable")
	}
	outputBytes, err := canonicalize.JCS(output)
	if err != nil {
		return Result{}, contracts.WrapError(contracts.CodeExecution, err, "output not canonicalizable")
	}
	inputHash := canonicalize.HashBytes(inputBytes)
	outputHash := canonicalize.HashBytes(outputBytes)

	// Archive the canonical documents under their content hashes so audit
	// can replay from the trace record alone.
	if e.payloads != nil {
		if _, err := e.payloads.Store(ctx, inputBytes); err != nil {
			return Result{}, contracts.WrapError(contracts.CodeExternalDependency, err, "input archive")
		}
		if _, err := e.payloads.Store(ctx, outputBytes); err != nil {
			return Result{}, contracts.WrapError(contracts.CodeExternalDependency, err, "output archive")
		}
	}

	// The compute above ran under the caller's context; the append must
	// survive cancellation from here on or the execution would be lost.
	rec, err := e.ledger.Append(context.WithoutCancel(ctx), contracts.TraceRecord{
		EventType:          contracts.EventTypeDecision,
		FunctionID:         art.FunctionID,
		Version:            art.Version,
		FunctionHash:       art.LogicHash,
		CallerID:           req.CallerID,
		AsOf:               &asOf,
		Status:             contracts.TraceStatusOK,
		InputHash:          inputHash,
		OutputHash:         outputHash,
		FeatureSnapshotRef: snap.Ref,
	})
	if err != nil {
		return Result{}, contracts.WrapError(contracts.CodeExternalDependency, err, "trace append")
	}

	return Result{
		TraceID:     rec.TraceID,
		FunctionID:  art.FunctionID,
		Version:     art.Version,
		Output:      output,
		InputHash:   inputHash,
		OutputHash:  outputHash,
		SnapshotRef: snap.Ref,
	}, nil
}

// resolve returns the artifact to execute. A pinned version may target any
// state past DRAFT, which is what replay and shadow testing need; unpinned
// execution requires an effective window covering asOf.
func (e *Engine) resolve(ctx context.Context, req Request, asOf time.Time) (contracts.Artifact, error) {
	if req.Version == "" {
		art, err := e.registry.ResolveActive(ctx, req.FunctionID, asOf)
		if contracts.IsCode(err, contracts.CodeVersionNotFound) {
			return contracts.Artifact{}, contracts.WrapError(contracts.CodeInactiveFunction, err,
				"%s is not active at %s", req.FunctionID, asOf.Format(time.RFC3339))
		}
		return art, err
	}
	art, err := e.registry.Get(ctx, req.FunctionID, req.Version)
	if err != nil {
		return contracts.Artifact{}, err
	}
	if art.Status == contracts.StatusDraft {
		return contracts.Artifact{}, contracts.NewError(contracts.CodeInactiveFunction,
			"%s/%s is a draft and cannot be executed", art.FunctionID, art.Version)
	}
	return art, nil
}

// snapshot freezes the features for this execution. A request-supplied
// snapshot (replay) is used as-is; otherwise required features are fetched
// point-in-time and the frozen snapshot is persisted under a fresh ref.
func (e *Engine) snapshot(ctx context.Context, req Request, art contracts.Artifact, asOf time.Time) (features.Snapshot, error) {
	if req.Snapshot != nil {
		return *req.Snapshot, nil
	}
	if len(art.RequiredFeatures) == 0 {
		return features.Snapshot{}, nil
	}
	if e.features == nil {
		return features.Snapshot{}, contracts.NewError(contracts.CodeExternalDependency,
			"%s/%s requires features but no feature store is configured", art.FunctionID, art.Version)
	}

	var values map[string]features.Value
	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		var ferr error
		values, ferr = e.features.GetFeaturesAt(ctx, req.EntityID, art.RequiredFeatures, asOf)
		return ferr
	})
	if err != nil {
		return features.Snapshot{}, contracts.WrapError(contracts.CodeExternalDependency, err, "feature fetch")
	}

	snap := features.NewSnapshot(req.EntityID, asOf, values)
	if e.snapshots != nil {
		if err := e.snapshots.Save(ctx, snap); err != nil {
			return features.Snapshot{}, contracts.WrapError(contracts.CodeExternalDependency, err, "snapshot save")
		}
	}
	return snap, nil
}

// evaluate runs the compiled logic under the execution timeout.
func (e *Engine) evaluate(ctx context.Context, art contracts.Artifact, input map[string]any, ec logic.Context) (map[string]any, error) {
	ev, err := e.compiledLogic(ctx, art)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeExecution, err, "logic unusable")
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := ev.Execute(evalCtx, input, ec)
		ch <- outcome{output: out, err: err}
	}()

	select {
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, contracts.NewError(contracts.CodeExecutionTimeout,
			"%s/%s exceeded %s", art.FunctionID, art.Version, e.timeout)
	case o := <-ch:
		if o.err != nil {
			if contracts.CodeOf(o.err) != "" {
				return nil, o.err
			}
			return nil, contracts.WrapError(contracts.CodeExecution, o.err, "logic evaluation")
		}
		return o.output, nil
	}
}

// compiledLogic returns a cached Evaluatable for the artifact's logic hash,
// compiling on first use.
func (e *Engine) compiledLogic(ctx context.Context, art contracts.Artifact) (logic.Evaluatable, error) {
	e.mu.RLock()
	ev, ok := e.compiled[art.LogicHash]
	e.mu.RUnlock()
	if ok {
		return ev, nil
	}

	ev, err := logic.FromSpec(ctx, art.Logic, e.natives)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.compiled[art.LogicHash]; ok {
		if c, isCloser := ev.(interface{ Close(context.Context) error }); isCloser {
			_ = c.Close(ctx)
		}
		return cached, nil
	}
	e.compiled[art.LogicHash] = ev
	return ev, nil
}

// Close releases compiled logic holding external resources.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for hash, ev := range e.compiled {
		if c, ok := ev.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil && first == nil {
				first = fmt.Errorf("engine: close logic %s: %w", hash, err)
			}
		}
		delete(e.compiled, hash)
	}
	return first
}

// appendError records a failed execution. Best effort: if even the append
// fails there is nothing left to do but log.
func (e *Engine) appendError(ctx context.Context, req Request, resolved contracts.Artifact, asOf time.Time, execErr error) {
	code := contracts.CodeOf(execErr)
	if code == "" {
		code = contracts.CodeExecution
	}

	version := req.Version
	if resolved.Version != "" {
		version = resolved.Version
	}

	var inputHash, snapRef string
	if h, err := canonicalize.CanonicalHash(req.Input); err == nil {
		inputHash = h
	}
	if req.Snapshot != nil {
		snapRef = req.Snapshot.Ref
	}

	_, err := e.ledger.Append(context.WithoutCancel(ctx), contracts.TraceRecord{
		EventType:          contracts.EventTypeDecision,
		FunctionID:         req.FunctionID,
		Version:            version,
		FunctionHash:       resolved.LogicHash,
		CallerID:           req.CallerID,
		AsOf:               &asOf,
		Status:             contracts.TraceStatusError,
		ErrorCode:          code,
		InputHash:          inputHash,
		FeatureSnapshotRef: snapRef,
		Detail:             execErr.Error(),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "error trace append failed",
			"function_id", req.FunctionID, "error_code", code, "err", err)
	}
}
