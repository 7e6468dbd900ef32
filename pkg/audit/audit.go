// Package audit verifies ledger integrity and replays historical decisions
// to detect drift. The service is strictly read-only with respect to the
// primary ledger: replays run through a shadow engine whose appends are
// discarded, and drift reports are returned to the caller, never persisted
// as ledger truth.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/data-riot/policy-as-code/pkg/contracts"
	"github.com/data-riot/policy-as-code/pkg/engine"
	"github.com/data-riot/policy-as-code/pkg/features"
	"github.com/data-riot/policy-as-code/pkg/ledger"
	"github.com/data-riot/policy-as-code/pkg/logic"
	"github.com/data-riot/policy-as-code/pkg/store"
)

// defaultWorkers bounds bulk replay parallelism.
const defaultWorkers = 8

// Service audits the ledger and replays decisions.
type Service struct {
	led      *ledger.Ledger
	registry engine.Resolver
	snaps    features.SnapshotStore
	payloads store.ObjectStore
	shadow   *engine.Engine
	workers  int
}

// New creates an audit service. The shadow engine it builds appends to a
// discarding ledger, so re-executions can never contaminate the chain.
func New(led *ledger.Ledger, registry engine.Resolver, snaps features.SnapshotStore, payloads store.ObjectStore) *Service {
	return &Service{
		led:      led,
		registry: registry,
		snaps:    snaps,
		payloads: payloads,
		shadow:   engine.New(registry, ledger.Discard{}, nil, nil),
		workers:  defaultWorkers,
	}
}

// WithNativeRegistry enables replay of native-logic versions.
func (s *Service) WithNativeRegistry(n *logic.NativeRegistry) *Service {
	s.shadow.WithNativeRegistry(n)
	return s
}

// WithWorkers overrides bulk replay parallelism.
func (s *Service) WithWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// ChainReport is the outcome of a full-ledger integrity check.
type ChainReport struct {
	ledger.VerifyResult
	// Coverage lists the distinct (function, version) pairs observed among
	// decision records, ordered for stable output.
	Coverage []string `json:"coverage"`
}

// VerifyChain recomputes the whole chain and reports coverage.
func (s *Service) VerifyChain(ctx context.Context) (ChainReport, error) {
	result, err := s.led.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		return ChainReport{}, err
	}

	recs, err := s.led.Records(ctx, 1, s.led.Length())
	if err != nil {
		return ChainReport{}, err
	}
	seen := make(map[string]bool)
	for _, rec := range recs {
		if rec.EventType != contracts.EventTypeDecision {
			continue
		}
		seen[rec.FunctionID+"@"+rec.Version] = true
	}
	coverage := make([]string, 0, len(seen))
	for pair := range seen {
		coverage = append(coverage, pair)
	}
	sort.Strings(coverage)

	return ChainReport{VerifyResult: result, Coverage: coverage}, nil
}

// Replay re-executes one historical decision. With againstVersion empty the
// original version is used and any mismatch is a determinism violation,
// surfaced both in the report and as an ERR_DETERMINISM_VIOLATION error.
// With an explicit againstVersion the mismatch is expected and classified.
func (s *Service) Replay(ctx context.Context, traceID, againstVersion string) (contracts.DriftReport, error) {
	rec, err := s.led.Get(ctx, traceID)
	if err != nil {
		return contracts.DriftReport{}, err
	}
	if rec.EventType != contracts.EventTypeDecision {
		return contracts.DriftReport{}, fmt.Errorf("audit: trace %s is not a decision record", traceID)
	}
	if rec.Status != contracts.TraceStatusOK {
		return contracts.DriftReport{}, fmt.Errorf("audit: trace %s recorded an error, nothing to replay", traceID)
	}

	input, err := s.loadDocument(ctx, rec.InputHash)
	if err != nil {
		return contracts.DriftReport{}, fmt.Errorf("audit: original input: %w", err)
	}

	// The recorded as_of is the instant the decision was evaluated against;
	// the append timestamp is only a fallback for records predating it.
	asOf := rec.Timestamp
	if rec.AsOf != nil {
		asOf = *rec.AsOf
	}
	var snap features.Snapshot
	if rec.FeatureSnapshotRef != "" {
		snap, err = s.snaps.Load(ctx, rec.FeatureSnapshotRef)
		if err != nil {
			return contracts.DriftReport{}, fmt.Errorf("audit: feature snapshot: %w", err)
		}
		asOf = snap.AsOf
	}

	version := againstVersion
	if version == "" {
		version = rec.Version
	}

	res, err := s.shadow.Execute(ctx, engine.Request{
		FunctionID: rec.FunctionID,
		Version:    version,
		Input:      input,
		CallerID:   "audit-replay",
		AsOf:       asOf,
		Snapshot:   &snap,
	})
	if err != nil {
		return contracts.DriftReport{}, fmt.Errorf("audit: replay execution: %w", err)
	}

	report := contracts.DriftReport{
		TraceID:            traceID,
		FunctionID:         rec.FunctionID,
		OriginalVersion:    rec.Version,
		ReplayedVersion:    version,
		OriginalOutputHash: rec.OutputHash,
		ReplayedOutputHash: res.OutputHash,
		Match:              res.OutputHash == rec.OutputHash,
	}

	if report.Match {
		report.Classification = contracts.ClassificationIdentical
		return report, nil
	}

	if version == rec.Version {
		report.Classification = contracts.ClassificationViolation
		report.Detail = "same-version replay diverged from the recorded output"
		return report, contracts.NewError(contracts.CodeDeterminismViolation,
			"trace %s: %s/%s replay produced %s, recorded %s",
			traceID, rec.FunctionID, rec.Version, res.OutputHash, rec.OutputHash)
	}

	original, err := s.loadDocument(ctx, rec.OutputHash)
	if err != nil {
		return contracts.DriftReport{}, fmt.Errorf("audit: original output: %w", err)
	}
	report.Classification, report.Detail = classifyDrift(original, res.Output)
	return report, nil
}

// loadDocument fetches a canonical JSON document archived under its hash.
func (s *Service) loadDocument(ctx context.Context, hash string) (map[string]any, error) {
	if s.payloads == nil {
		return nil, fmt.Errorf("no payload archive configured")
	}
	raw, err := s.payloads.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode archived document %s: %w", hash, err)
	}
	return doc, nil
}

// classifyDrift compares decision-relevant fields. A field flipping from
// truthy to falsy is a regression, falsy to truthy an improvement, and any
// other difference neutral. Mixed flips count as regression: losing a
// granted outcome dominates.
func classifyDrift(original, replayed map[string]any) (contracts.Classification, string) {
	regressed := false
	improved := false
	for field, before := range original {
		after, ok := replayed[field]
		if !ok {
			continue
		}
		b, a := truthy(before), truthy(after)
		switch {
		case b && !a:
			regressed = true
		case !b && a:
			improved = true
		}
	}

	switch {
	case regressed:
		return contracts.ClassificationRegression, "decision-relevant field flipped from granted to denied"
	case improved:
		return contracts.ClassificationImprovement, "decision-relevant field flipped from denied to granted"
	default:
		return contracts.ClassificationNeutral, "outputs differ in non-directional fields"
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		return true
	}
}

// BulkReport aggregates a bulk replay run.
type BulkReport struct {
	FunctionID string                           `json:"function_id"`
	Version    string                           `json:"version"`
	Total      int                              `json:"total"`
	Matches    int                              `json:"matches"`
	Mismatches int                              `json:"mismatches"`
	Failures   int                              `json:"failures"`
	ByClass    map[contracts.Classification]int `json:"by_classification"`
	Reports    []contracts.DriftReport          `json:"reports"`
}

// BulkReplay replays a sample of historical traces against a candidate
// version. With an empty sample every OK decision trace of the function is
// replayed. Replays run on a bounded worker pool; the live execution path is
// never involved.
func (s *Service) BulkReplay(ctx context.Context, functionID, version string, traceIDs []string) (BulkReport, error) {
	if len(traceIDs) == 0 {
		var err error
		traceIDs, err = s.okTraces(ctx, functionID)
		if err != nil {
			return BulkReport{}, err
		}
	}

	report := BulkReport{
		FunctionID: functionID,
		Version:    version,
		Total:      len(traceIDs),
		ByClass:    make(map[contracts.Classification]int),
	}

	type outcome struct {
		report contracts.DriftReport
		err    error
	}

	jobs := make(chan string)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for traceID := range jobs {
				dr, err := s.Replay(ctx, traceID, version)
				if contracts.IsCode(err, contracts.CodeDeterminismViolation) {
					// The report still classifies the mismatch.
					err = nil
				}
				results <- outcome{report: dr, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, id := range traceIDs {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		if o.err != nil {
			report.Failures++
			continue
		}
		report.Reports = append(report.Reports, o.report)
		report.ByClass[o.report.Classification]++
		if o.report.Match {
			report.Matches++
		} else {
			report.Mismatches++
		}
	}
	sort.Slice(report.Reports, func(i, j int) bool {
		return report.Reports[i].TraceID < report.Reports[j].TraceID
	})
	return report, ctx.Err()
}

// okTraces lists the trace IDs of every OK decision record for a function.
func (s *Service) okTraces(ctx context.Context, functionID string) ([]string, error) {
	recs, err := s.led.RangeQuery(ctx, functionID, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rec := range recs {
		if rec.EventType == contracts.EventTypeDecision && rec.Status == contracts.TraceStatusOK {
			out = append(out, rec.TraceID)
		}
	}
	return out, nil
}
