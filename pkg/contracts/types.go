// Package contracts defines the shared domain types exchanged between the
// registry, engine, ledger, and audit subsystems, plus the error taxonomy
// they surface to callers.
package contracts

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a decision function version.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusActive        Status = "ACTIVE"
	StatusDeprecated    Status = "DEPRECATED"
	StatusRetired       Status = "RETIRED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool { return s == StatusRetired }

// LogicKind discriminates the executable representation of a version's logic.
type LogicKind string

const (
	LogicKindRuleSet LogicKind = "rule_set" // declarative rule AST
	LogicKindCEL     LogicKind = "cel"      // CEL expression program
	LogicKindWASM    LogicKind = "wasm"     // sandboxed WASM module
	LogicKindNative  LogicKind = "native"   // registered in-process function
)

// LogicSpec is the serializable representation of a version's logic.
// For rule_set the source is the rule set JSON; for cel the CEL expression
// text; for wasm the raw module bytes; for native the registered name.
type LogicSpec struct {
	Kind   LogicKind `json:"kind"`
	Source []byte    `json:"source"`
}

// Metadata carries authorship and legal context for an artifact.
type Metadata struct {
	Author    string   `json:"author"`
	Tags      []string `json:"tags,omitempty"`
	LegalRefs []string `json:"legal_refs,omitempty"`
}

// Role identifies the duty a signer performs on a release.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleReviewer Role = "REVIEWER"
)

// Signature is a verified signature accumulated on a release.
type Signature struct {
	SignerID  string    `json:"signer_id"`
	Role      Role      `json:"role"`
	KeyID     string    `json:"key_id"`
	Bytes     string    `json:"signature"` // hex
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a versioned decision function. Logic and LogicHash are frozen
// once the artifact leaves DRAFT; changes require a new version.
type Artifact struct {
	FunctionID       string          `json:"function_id"`
	Version          string          `json:"version"`
	Logic            LogicSpec       `json:"logic"`
	InputSchema      json.RawMessage `json:"input_schema"`
	OutputSchema     json.RawMessage `json:"output_schema"`
	RequiredFeatures []string        `json:"required_features,omitempty"`
	LogicHash        string          `json:"logic_hash"`
	Metadata         Metadata        `json:"metadata"`
	Status           Status          `json:"status"`
	Signatures       []Signature     `json:"signatures,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SignatureByRole returns the accumulated signature for a role, if present.
func (a *Artifact) SignatureByRole(role Role) (Signature, bool) {
	for _, s := range a.Signatures {
		if s.Role == role {
			return s, true
		}
	}
	return Signature{}, false
}

// EffectiveWindow is one entry of the effective-version index. A nil Until
// means the window is open-ended.
type EffectiveWindow struct {
	Version string     `json:"version"`
	From    time.Time  `json:"effective_from"`
	Until   *time.Time `json:"effective_until,omitempty"`
}

// Covers reports whether t falls inside the window ([From, Until)).
func (w EffectiveWindow) Covers(t time.Time) bool {
	if t.Before(w.From) {
		return false
	}
	return w.Until == nil || t.Before(*w.Until)
}

// EventType categorizes ledger records.
type EventType string

const (
	EventTypeDecision   EventType = "DECISION"
	EventTypeGovernance EventType = "GOVERNANCE"
)

// TraceStatus is the outcome recorded for an execution.
type TraceStatus string

const (
	TraceStatusOK    TraceStatus = "OK"
	TraceStatusError TraceStatus = "ERROR"
)

// TraceRecord is one immutable entry of the trace ledger. Sequence, PrevHash
// and ChainHash are assigned by the ledger at append time; everything else is
// set by the producer. AsOf is the instant the decision was evaluated against
// (version resolution and feature point-in-time); Timestamp is merely the
// append time. Governance events leave AsOf unset.
type TraceRecord struct {
	TraceID            string      `json:"trace_id"`
	Sequence           uint64      `json:"sequence"`
	EventType          EventType   `json:"event_type"`
	FunctionID         string      `json:"function_id"`
	Version            string      `json:"version"`
	FunctionHash       string      `json:"function_hash,omitempty"`
	CallerID           string      `json:"caller_id"`
	Timestamp          time.Time   `json:"timestamp"`
	AsOf               *time.Time  `json:"as_of,omitempty"`
	Status             TraceStatus `json:"status"`
	ErrorCode          string      `json:"error_code,omitempty"`
	InputHash          string      `json:"input_hash,omitempty"`
	OutputHash         string      `json:"output_hash,omitempty"`
	FeatureSnapshotRef string      `json:"feature_snapshot_ref,omitempty"`
	Detail             string      `json:"detail,omitempty"`
	PrevHash           string      `json:"prev_hash"`
	ChainHash          string      `json:"chain_hash"`
}

// Classification buckets a replay mismatch.
type Classification string

const (
	ClassificationIdentical   Classification = "identical"
	ClassificationRegression  Classification = "regression"
	ClassificationImprovement Classification = "improvement"
	ClassificationNeutral     Classification = "neutral"
	ClassificationViolation   Classification = "violation"
)

// DriftReport is the outcome of replaying one historical trace. It is an
// audit artifact, never written to the primary ledger.
type DriftReport struct {
	TraceID            string         `json:"trace_id"`
	FunctionID         string         `json:"function_id"`
	OriginalVersion    string         `json:"original_version"`
	ReplayedVersion    string         `json:"replayed_version"`
	OriginalOutputHash string         `json:"original_output_hash"`
	ReplayedOutputHash string         `json:"replayed_output_hash"`
	Match              bool           `json:"match"`
	Classification     Classification `json:"classification"`
	Detail             string         `json:"detail,omitempty"`
}
