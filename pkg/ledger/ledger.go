// Package ledger implements the immutable trace ledger: a single globally
// ordered, hash-chained, append-only sequence of trace records covering both
// decision executions and registry governance events.
//
//   - Each record's chain hash binds it to its predecessor:
//     chain_hash[i] = sha256(chain_hash[i-1] ‖ JCS(record[i] sans chain_hash))
//   - chain_hash[0] chains from a fixed genesis value
//   - Appends are linearized through a single writer; payload hashing happens
//     in callers, so only the chain step is serialized
//   - Durability is delegated to an append-only store; the ledger owns only
//     the hashing and serialization contract
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
	"github.com/data-riot/policy-as-code/pkg/contracts"
	"github.com/data-riot/policy-as-code/pkg/store"
)

// GenesisHash seeds the chain. It is a constant of the format, not of any
// deployment: two ledgers with the same records have the same head.
var GenesisHash = canonicalize.HashBytes([]byte("policy-as-code/trace-ledger/genesis/v1"))

// ReadCache optionally serves immutable records to read traffic. Cache
// failures are never fatal; the log remains authoritative.
type ReadCache interface {
	Put(ctx context.Context, traceID string, payload []byte) error
	Get(ctx context.Context, traceID string) ([]byte, error)
}

// Ledger is the single logical writer for one trace chain.
type Ledger struct {
	mu        sync.Mutex
	log       store.AppendLog
	cache     ReadCache
	seq       uint64
	headHash  string
	byTraceID map[string]uint64
	clock     func() time.Time
}

// New opens a ledger over an append-only store, recovering sequence, head
// hash, and the trace-ID index from any existing records.
func New(ctx context.Context, log store.AppendLog) (*Ledger, error) {
	l := &Ledger{
		log:       log,
		headHash:  GenesisHash,
		byTraceID: make(map[string]uint64),
		clock:     time.Now,
	}

	n, err := log.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: recover length: %w", err)
	}
	if n == 0 {
		return l, nil
	}

	payloads, err := log.Read(ctx, 1, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: recover records: %w", err)
	}
	for _, payload := range payloads {
		var rec contracts.TraceRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("ledger: recover decode seq %d: %w", l.seq+1, err)
		}
		l.seq = rec.Sequence
		l.headHash = rec.ChainHash
		l.byTraceID[rec.TraceID] = rec.Sequence
	}

	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithReadCache attaches a read-side cache for Get traffic.
func (l *Ledger) WithReadCache(cache ReadCache) *Ledger {
	l.cache = cache
	return l
}

// ChainHash computes a record's chain hash from its predecessor's. The
// record's own ChainHash field is excluded from the hashed bytes.
func ChainHash(prevHash string, rec contracts.TraceRecord) (string, error) {
	rec.ChainHash = ""
	canonical, err := canonicalize.JCS(rec)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize record %s: %w", rec.TraceID, err)
	}
	return canonicalize.HashBytes(append([]byte(prevHash), canonical...)), nil
}

// Append assigns the record its sequence, prev hash, and chain hash, then
// persists it. This is the only serialization point in the system.
func (l *Ledger) Append(ctx context.Context, rec contracts.TraceRecord) (contracts.TraceRecord, error) {
	if rec.TraceID == "" {
		rec.TraceID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byTraceID[rec.TraceID]; dup {
		return contracts.TraceRecord{}, fmt.Errorf("ledger: trace %s already appended", rec.TraceID)
	}

	rec.Sequence = l.seq + 1
	rec.PrevHash = l.headHash

	chainHash, err := ChainHash(l.headHash, rec)
	if err != nil {
		return contracts.TraceRecord{}, err
	}
	rec.ChainHash = chainHash

	payload, err := json.Marshal(rec)
	if err != nil {
		return contracts.TraceRecord{}, fmt.Errorf("ledger: marshal record: %w", err)
	}

	if err := l.log.Append(ctx, rec.Sequence, payload); err != nil {
		// The in-memory head is untouched; the next append retries the
		// same sequence number.
		return contracts.TraceRecord{}, fmt.Errorf("ledger: append seq %d: %w", rec.Sequence, err)
	}

	l.seq = rec.Sequence
	l.headHash = rec.ChainHash
	l.byTraceID[rec.TraceID] = rec.Sequence

	if l.cache != nil {
		if err := l.cache.Put(ctx, rec.TraceID, payload); err != nil {
			slog.Debug("ledger: read cache put failed", "trace_id", rec.TraceID, "err", err)
		}
	}

	return rec, nil
}

// Get retrieves a record by trace ID.
func (l *Ledger) Get(ctx context.Context, traceID string) (contracts.TraceRecord, error) {
	if l.cache != nil {
		if payload, err := l.cache.Get(ctx, traceID); err == nil && payload != nil {
			var rec contracts.TraceRecord
			if err := json.Unmarshal(payload, &rec); err == nil {
				return rec, nil
			}
		}
	}

	l.mu.Lock()
	seq, ok := l.byTraceID[traceID]
	l.mu.Unlock()
	if !ok {
		return contracts.TraceRecord{}, fmt.Errorf("ledger: trace %q not found", traceID)
	}

	recs, err := l.readRange(ctx, seq, seq)
	if err != nil {
		return contracts.TraceRecord{}, err
	}
	if len(recs) != 1 {
		return contracts.TraceRecord{}, fmt.Errorf("ledger: trace %q missing from log at seq %d", traceID, seq)
	}
	return recs[0], nil
}

// RangeQuery returns the records for a function whose timestamps fall in
// [start, end], in ledger order.
func (l *Ledger) RangeQuery(ctx context.Context, functionID string, start, end time.Time) ([]contracts.TraceRecord, error) {
	recs, err := l.readRange(ctx, 1, l.Length())
	if err != nil {
		return nil, err
	}

	var out []contracts.TraceRecord
	for _, rec := range recs {
		if rec.FunctionID != functionID {
			continue
		}
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Records returns the records in [from, to] by sequence number.
func (l *Ledger) Records(ctx context.Context, from, to uint64) ([]contracts.TraceRecord, error) {
	return l.readRange(ctx, from, to)
}

// Length returns the number of appended records.
func (l *Ledger) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Head returns the current head chain hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// VerifyResult is the outcome of an integrity check over a range.
type VerifyResult struct {
	OK                 bool   `json:"ok"`
	FirstBrokenTraceID string `json:"first_broken_trace_id,omitempty"`
	FirstBrokenSeq     uint64 `json:"first_broken_seq,omitempty"`
	RecordsChecked     int    `json:"records_checked"`
}

// VerifyIntegrity recomputes the chain over [from, to]. Any single-byte
// alteration of a historical record invalidates its own chain hash and every
// subsequent one, so the first broken record localizes the tamper window.
func (l *Ledger) VerifyIntegrity(ctx context.Context, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if max := l.Length(); to == 0 || to > max {
		to = max
	}
	if from > to {
		return VerifyResult{OK: true}, nil
	}

	prevHash := GenesisHash
	if from > 1 {
		prev, err := l.readRange(ctx, from-1, from-1)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(prev) != 1 {
			return VerifyResult{}, fmt.Errorf("ledger: predecessor seq %d unreadable", from-1)
		}
		prevHash = prev[0].ChainHash
	}

	recs, err := l.readRange(ctx, from, to)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{OK: true}
	for _, rec := range recs {
		result.RecordsChecked++

		broken := rec.PrevHash != prevHash
		if !broken {
			computed, err := ChainHash(prevHash, rec)
			if err != nil {
				return VerifyResult{}, err
			}
			broken = computed != rec.ChainHash
		}
		if broken {
			result.OK = false
			result.FirstBrokenTraceID = rec.TraceID
			result.FirstBrokenSeq = rec.Sequence
			return result, nil
		}
		prevHash = rec.ChainHash
	}

	return result, nil
}

func (l *Ledger) readRange(ctx context.Context, from, to uint64) ([]contracts.TraceRecord, error) {
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	payloads, err := l.log.Read(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledger: read [%d,%d]: %w", from, to, err)
	}
	out := make([]contracts.TraceRecord, 0, len(payloads))
	for _, payload := range payloads {
		var rec contracts.TraceRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("ledger: decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Discard is an Appender that assigns nothing and persists nothing. The
// audit service executes shadow replays against it so re-executions never
// touch the primary chain.
type Discard struct{}

// Append returns the record unchanged.
func (Discard) Append(_ context.Context, rec contracts.TraceRecord) (contracts.TraceRecord, error) {
	return rec, nil
}
