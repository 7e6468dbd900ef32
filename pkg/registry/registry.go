// Package registry manages versioned decision functions through the signed
// release workflow. An artifact's logic and hash are frozen the moment it
// leaves DRAFT; publishing a correction means registering a new version.
// State lives in a versioned KV store and every successful transition is
// recorded as a governance event on the trace ledger.
package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
	"github.com/data-riot/policy-as-code/pkg/contracts"
	"github.com/data-riot/policy-as-code/pkg/legalref"
	"github.com/data-riot/policy-as-code/pkg/logic"
	"github.com/data-riot/policy-as-code/pkg/rules"
	"github.com/data-riot/policy-as-code/pkg/schema"
	"github.com/data-riot/policy-as-code/pkg/signer"
	"github.com/data-riot/policy-as-code/pkg/store"
)

// casAttempts bounds optimistic-concurrency retries on KV writes.
const casAttempts = 3

// Appender is the ledger capability the registry needs: append one record.
type Appender interface {
	Append(ctx context.Context, rec contracts.TraceRecord) (contracts.TraceRecord, error)
}

// Registry is the control plane for decision function versions.
type Registry struct {
	kv      store.KV
	ledger  Appender
	signer  signer.Signer
	legal   legalref.Validator
	natives *logic.NativeRegistry
	clock   func() time.Time
}

// New creates a registry over a KV store, a ledger, and a signature verifier.
func New(kv store.KV, ledger Appender, sig signer.Signer) *Registry {
	return &Registry{
		kv:     kv,
		ledger: ledger,
		signer: sig,
		clock:  time.Now,
	}
}

// WithLegalValidator enables validation of metadata legal references.
func (r *Registry) WithLegalValidator(v legalref.Validator) *Registry {
	r.legal = v
	return r
}

// WithNativeRegistry enables artifacts whose logic kind is native.
func (r *Registry) WithNativeRegistry(n *logic.NativeRegistry) *Registry {
	r.natives = n
	return r
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func artifactKey(functionID, version string) string {
	return "artifact/" + functionID + "/" + version
}

func indexKey(functionID string) string {
	return "index/" + functionID
}

// transitions is the release state machine. Absence means the transition is
// rejected with ERR_INVALID_STATE_TRANSITION.
var transitions = map[contracts.Status][]contracts.Status{
	contracts.StatusDraft:         {contracts.StatusPendingReview},
	contracts.StatusPendingReview: {contracts.StatusApproved, contracts.StatusDraft},
	contracts.StatusApproved:      {contracts.StatusActive},
	contracts.StatusActive:        {contracts.StatusDeprecated, contracts.StatusRetired},
	contracts.StatusDeprecated:    {contracts.StatusRetired},
}

func canTransition(from, to contracts.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LogicHash computes the content hash binding an artifact to its logic.
func LogicHash(spec contracts.LogicSpec) (string, error) {
	return canonicalize.CanonicalHash(spec)
}

// ReleasePayload is the canonical byte string signers sign for a release:
// the (function_id, version, logic_hash) triple in canonical JSON. Both
// signatures cover the same bytes, so neither signer can be shown a
// different artifact.
func ReleasePayload(functionID, version, logicHash string) ([]byte, error) {
	return canonicalize.JCS(map[string]string{
		"function_id": functionID,
		"version":     version,
		"logic_hash":  logicHash,
	})
}

// RegisterDraft validates and stores a new artifact version in DRAFT.
// Validation is fail-closed: malformed semver, non-compiling schemas or
// logic, conflicting rules, and unverifiable legal references all reject
// the draft.
func (r *Registry) RegisterDraft(ctx context.Context, art contracts.Artifact) (contracts.Artifact, error) {
	if art.FunctionID == "" {
		return contracts.Artifact{}, contracts.NewError(contracts.CodeValidation, "function_id is required")
	}
	if _, err := semver.StrictNewVersion(art.Version); err != nil {
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "version %q is not strict semver", art.Version)
	}
	if _, err := schema.Compile("input", art.InputSchema); err != nil {
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "input schema rejected")
	}
	if _, err := schema.Compile("output", art.OutputSchema); err != nil {
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "output schema rejected")
	}
	if err := logic.Verify(ctx, art.Logic, r.natives); err != nil {
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "logic rejected")
	}

	if art.Logic.Kind == contracts.LogicKindRuleSet {
		rs, err := rules.Parse(art.Logic.Source)
		if err != nil {
			return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "rule set rejected")
		}
		if analysis := rules.Analyze(rs); analysis.HasConflicts() {
			return contracts.Artifact{}, &contracts.RuleConflictError{Conflicts: analysis.Conflicts}
		}
	}

	if err := r.validateLegalRefs(ctx, art.Metadata.LegalRefs); err != nil {
		return contracts.Artifact{}, err
	}

	hash, err := LogicHash(art.Logic)
	if err != nil {
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeValidation, err, "logic hash")
	}

	now := r.clock().UTC()
	art.LogicHash = hash
	art.Status = contracts.StatusDraft
	art.Signatures = nil
	art.CreatedAt = now
	art.UpdatedAt = now

	value, err := json.Marshal(art)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("registry: marshal artifact: %w", err)
	}
	if _, err := r.kv.Put(ctx, artifactKey(art.FunctionID, art.Version), value, 0); err != nil {
		if err == store.ErrRevisionMismatch {
			return contracts.Artifact{}, contracts.NewError(contracts.CodeDuplicateVersion,
				"version %s of %s already registered", art.Version, art.FunctionID)
		}
		return contracts.Artifact{}, contracts.WrapError(contracts.CodeExternalDependency, err, "store artifact")
	}

	if err := r.appendGovernance(ctx, art, art.Metadata.Author, "register_draft"); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

func (r *Registry) validateLegalRefs(ctx context.Context, iris []string) error {
	if len(iris) == 0 {
		return nil
	}
	if r.legal == nil {
		return contracts.NewError(contracts.CodeLegalReference, "legal references declared but no validator configured")
	}
	for _, iri := range iris {
		ref, err := r.legal.Validate(ctx, iri)
		if err != nil {
			return contracts.WrapError(contracts.CodeExternalDependency, err, "legal reference validator")
		}
		if !ref.Valid {
			return contracts.NewError(contracts.CodeLegalReference, "legal reference %q did not validate", iri)
		}
	}
	return nil
}

// Get loads one artifact version.
func (r *Registry) Get(ctx context.Context, functionID, version string) (contracts.Artifact, error) {
	art, _, err := r.load(ctx, functionID, version)
	return art, err
}

func (r *Registry) load(ctx context.Context, functionID, version string) (contracts.Artifact, uint64, error) {
	value, rev, err := r.kv.Get(ctx, artifactKey(functionID, version))
	if err != nil {
		if err == store.ErrKeyNotFound {
			return contracts.Artifact{}, 0, contracts.NewError(contracts.CodeVersionNotFound,
				"%s version %s not found", functionID, version)
		}
		return contracts.Artifact{}, 0, contracts.WrapError(contracts.CodeExternalDependency, err, "load artifact")
	}
	var art contracts.Artifact
	if err := json.Unmarshal(value, &art); err != nil {
		return contracts.Artifact{}, 0, fmt.Errorf("registry: decode artifact %s/%s: %w", functionID, version, err)
	}
	return art, rev, nil
}

// update applies fn to the stored artifact under optimistic concurrency.
func (r *Registry) update(ctx context.Context, functionID, version string, fn func(*contracts.Artifact) error) (contracts.Artifact, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		art, rev, err := r.load(ctx, functionID, version)
		if err != nil {
			return contracts.Artifact{}, err
		}
		if err := fn(&art); err != nil {
			return contracts.Artifact{}, err
		}
		art.UpdatedAt = r.clock().UTC()

		value, err := json.Marshal(art)
		if err != nil {
			return contracts.Artifact{}, fmt.Errorf("registry: marshal artifact: %w", err)
		}
		_, err = r.kv.Put(ctx, artifactKey(functionID, version), value, rev)
		if err == nil {
			return art, nil
		}
		if err != store.ErrRevisionMismatch {
			return contracts.Artifact{}, contracts.WrapError(contracts.CodeExternalDependency, err, "store artifact")
		}
	}
	return contracts.Artifact{}, contracts.NewError(contracts.CodeExternalDependency,
		"artifact %s/%s contended beyond %d attempts", functionID, version, casAttempts)
}

func transitionTo(art *contracts.Artifact, to contracts.Status) error {
	if !canTransition(art.Status, to) {
		return contracts.NewError(contracts.CodeInvalidStateTransition,
			"%s/%s: %s -> %s not permitted", art.FunctionID, art.Version, art.Status, to)
	}
	art.Status = to
	return nil
}

// RequestRelease moves a draft into review. Logic is frozen from here on.
func (r *Registry) RequestRelease(ctx context.Context, functionID, version, requesterID string) (contracts.Artifact, error) {
	art, err := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
		return transitionTo(a, contracts.StatusPendingReview)
	})
	if err != nil {
		return contracts.Artifact{}, err
	}
	if err := r.appendGovernance(ctx, art, requesterID, "request_release"); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

// Sign verifies and accumulates one release signature. The payload signed is
// ReleasePayload(function_id, version, logic_hash). When a valid OWNER and a
// valid REVIEWER signature from distinct signers are both present, the
// artifact becomes APPROVED.
func (r *Registry) Sign(ctx context.Context, functionID, version string, sig contracts.Signature) (contracts.Artifact, error) {
	if sig.Role != contracts.RoleOwner && sig.Role != contracts.RoleReviewer {
		return contracts.Artifact{}, contracts.NewError(contracts.CodeValidation, "unknown signer role %q", sig.Role)
	}

	art, err := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
		if a.Status != contracts.StatusPendingReview {
			return contracts.NewError(contracts.CodeInvalidStateTransition,
				"%s/%s: cannot sign in state %s", a.FunctionID, a.Version, a.Status)
		}
		if _, dup := a.SignatureByRole(sig.Role); dup {
			return contracts.NewError(contracts.CodeInvalidStateTransition,
				"%s/%s: %s signature already present", a.FunctionID, a.Version, sig.Role)
		}
		for _, existing := range a.Signatures {
			if existing.SignerID == sig.SignerID {
				return contracts.NewError(contracts.CodeSeparationOfDuties,
					"signer %s already signed as %s", sig.SignerID, existing.Role)
			}
		}

		payload, err := ReleasePayload(a.FunctionID, a.Version, a.LogicHash)
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(sig.Bytes)
		if err != nil {
			return contracts.WrapError(contracts.CodeValidation, err, "signature is not hex")
		}
		ok, err := r.signer.Verify(ctx, payload, raw, sig.KeyID)
		if err != nil {
			return contracts.WrapError(contracts.CodeExternalDependency, err, "signature verification")
		}
		if !ok {
			return contracts.NewError(contracts.CodeValidation,
				"signature by %s with key %s did not verify", sig.SignerID, sig.KeyID)
		}

		if sig.Timestamp.IsZero() {
			sig.Timestamp = r.clock().UTC()
		}
		a.Signatures = append(a.Signatures, sig)

		_, hasOwner := a.SignatureByRole(contracts.RoleOwner)
		_, hasReviewer := a.SignatureByRole(contracts.RoleReviewer)
		if hasOwner && hasReviewer {
			return transitionTo(a, contracts.StatusApproved)
		}
		return nil
	})
	if err != nil {
		return contracts.Artifact{}, err
	}
	if err := r.appendGovernance(ctx, art, sig.SignerID, "sign:"+string(sig.Role)); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

// WithdrawRelease returns a pending release to DRAFT, discarding accumulated
// signatures.
func (r *Registry) WithdrawRelease(ctx context.Context, functionID, version, requesterID string) (contracts.Artifact, error) {
	art, err := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
		if err := transitionTo(a, contracts.StatusDraft); err != nil {
			return err
		}
		a.Signatures = nil
		return nil
	})
	if err != nil {
		return contracts.Artifact{}, err
	}
	if err := r.appendGovernance(ctx, art, requesterID, "withdraw_release"); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

// Activate makes an APPROVED version the active one from the given instant,
// closing the previously open effective window and deprecating its version.
// Windows never overlap: activation at an instant not after the current open
// window's start is rejected.
func (r *Registry) Activate(ctx context.Context, functionID, version, actorID string, from time.Time) (contracts.Artifact, error) {
	if from.IsZero() {
		from = r.clock().UTC()
	}
	from = from.UTC()

	art, err := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
		return transitionTo(a, contracts.StatusActive)
	})
	if err != nil {
		return contracts.Artifact{}, err
	}

	previous, err := r.appendWindow(ctx, functionID, version, from)
	if err != nil {
		// A version is ACTIVE only while an effective window exists. The
		// window was rejected, so undo the status flip; the version stays
		// APPROVED and activation can be retried at a valid instant.
		if _, revertErr := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
			if a.Status != contracts.StatusActive {
				return nil
			}
			a.Status = contracts.StatusApproved
			return nil
		}); revertErr != nil {
			return contracts.Artifact{}, fmt.Errorf("registry: revert %s/%s after window rejection: %w (window: %v)",
				functionID, version, revertErr, err)
		}
		return contracts.Artifact{}, err
	}
	if previous != "" && previous != version {
		if _, err := r.update(ctx, functionID, previous, func(a *contracts.Artifact) error {
			return transitionTo(a, contracts.StatusDeprecated)
		}); err != nil {
			return contracts.Artifact{}, err
		}
	}

	if err := r.appendGovernance(ctx, art, actorID, "activate"); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

// Retire permanently removes a version from service, closing its effective
// window if still open. RETIRED is terminal.
func (r *Registry) Retire(ctx context.Context, functionID, version, actorID string, at time.Time) (contracts.Artifact, error) {
	if at.IsZero() {
		at = r.clock().UTC()
	}
	at = at.UTC()

	art, err := r.update(ctx, functionID, version, func(a *contracts.Artifact) error {
		return transitionTo(a, contracts.StatusRetired)
	})
	if err != nil {
		return contracts.Artifact{}, err
	}
	if err := r.closeWindow(ctx, functionID, version, at); err != nil {
		return contracts.Artifact{}, err
	}
	if err := r.appendGovernance(ctx, art, actorID, "retire"); err != nil {
		return contracts.Artifact{}, err
	}
	return art, nil
}

// appendWindow closes the open window at from and opens a new one for
// version. Returns the version whose window was closed, if any.
func (r *Registry) appendWindow(ctx context.Context, functionID, version string, from time.Time) (string, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		windows, rev, err := r.windows(ctx, functionID)
		if err != nil {
			return "", err
		}

		previous := ""
		for i := range windows {
			if windows[i].Version == version {
				return "", contracts.NewError(contracts.CodeInvalidStateTransition,
					"%s/%s already has an effective window", functionID, version)
			}
			if windows[i].Until == nil {
				if !windows[i].From.Before(from) {
					return "", contracts.NewError(contracts.CodeInvalidStateTransition,
						"%s: activation at %s does not follow open window start %s",
						functionID, from.Format(time.RFC3339), windows[i].From.Format(time.RFC3339))
				}
				until := from
				windows[i].Until = &until
				previous = windows[i].Version
			}
		}
		windows = append(windows, contracts.EffectiveWindow{Version: version, From: from})

		err = r.putWindows(ctx, functionID, windows, rev)
		if err == nil {
			return previous, nil
		}
		if err != store.ErrRevisionMismatch {
			return "", contracts.WrapError(contracts.CodeExternalDependency, err, "store effective index")
		}
	}
	return "", contracts.NewError(contracts.CodeExternalDependency,
		"effective index for %s contended beyond %d attempts", functionID, casAttempts)
}

func (r *Registry) closeWindow(ctx context.Context, functionID, version string, at time.Time) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		windows, rev, err := r.windows(ctx, functionID)
		if err != nil {
			return err
		}

		changed := false
		for i := range windows {
			if windows[i].Version == version && windows[i].Until == nil {
				until := at
				windows[i].Until = &until
				changed = true
			}
		}
		if !changed {
			return nil
		}

		err = r.putWindows(ctx, functionID, windows, rev)
		if err == nil {
			return nil
		}
		if err != store.ErrRevisionMismatch {
			return contracts.WrapError(contracts.CodeExternalDependency, err, "store effective index")
		}
	}
	return contracts.NewError(contracts.CodeExternalDependency,
		"effective index for %s contended beyond %d attempts", functionID, casAttempts)
}

func (r *Registry) windows(ctx context.Context, functionID string) ([]contracts.EffectiveWindow, uint64, error) {
	value, rev, err := r.kv.Get(ctx, indexKey(functionID))
	if err != nil {
		if err == store.ErrKeyNotFound {
			return nil, 0, nil
		}
		return nil, 0, contracts.WrapError(contracts.CodeExternalDependency, err, "load effective index")
	}
	var windows []contracts.EffectiveWindow
	if err := json.Unmarshal(value, &windows); err != nil {
		return nil, 0, fmt.Errorf("registry: decode effective index for %s: %w", functionID, err)
	}
	return windows, rev, nil
}

func (r *Registry) putWindows(ctx context.Context, functionID string, windows []contracts.EffectiveWindow, rev uint64) error {
	sort.Slice(windows, func(i, j int) bool { return windows[i].From.Before(windows[j].From) })
	value, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("registry: marshal effective index: %w", err)
	}
	_, err = r.kv.Put(ctx, indexKey(functionID), value, rev)
	return err
}

// Windows returns the effective-version index for a function, ordered by
// window start.
func (r *Registry) Windows(ctx context.Context, functionID string) ([]contracts.EffectiveWindow, error) {
	windows, _, err := r.windows(ctx, functionID)
	return windows, err
}

// ResolveActive returns the artifact whose effective window covers asOf.
// Resolution is a pure read over the index: re-resolving a past instant
// after later activations yields the same version.
func (r *Registry) ResolveActive(ctx context.Context, functionID string, asOf time.Time) (contracts.Artifact, error) {
	windows, _, err := r.windows(ctx, functionID)
	if err != nil {
		return contracts.Artifact{}, err
	}
	for _, w := range windows {
		if w.Covers(asOf) {
			return r.Get(ctx, functionID, w.Version)
		}
	}
	return contracts.Artifact{}, contracts.NewError(contracts.CodeVersionNotFound,
		"%s has no version effective at %s", functionID, asOf.UTC().Format(time.RFC3339))
}

// ListVersions returns every registered version of a function, ordered by
// semver.
func (r *Registry) ListVersions(ctx context.Context, functionID string) ([]contracts.Artifact, error) {
	entries, err := r.kv.List(ctx, "artifact/"+functionID+"/")
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeExternalDependency, err, "list versions")
	}

	out := make([]contracts.Artifact, 0, len(entries))
	for key, value := range entries {
		var art contracts.Artifact
		if err := json.Unmarshal(value, &art); err != nil {
			return nil, fmt.Errorf("registry: decode artifact at %s: %w", key, err)
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, erri := semver.StrictNewVersion(out[i].Version)
		vj, errj := semver.StrictNewVersion(out[j].Version)
		if erri != nil || errj != nil {
			return out[i].Version < out[j].Version
		}
		return vi.LessThan(vj)
	})
	return out, nil
}

func (r *Registry) appendGovernance(ctx context.Context, art contracts.Artifact, actorID, action string) error {
	// The KV transition is already committed; the governance record must
	// land even if the caller has gone away.
	_, err := r.ledger.Append(context.WithoutCancel(ctx), contracts.TraceRecord{
		EventType:    contracts.EventTypeGovernance,
		FunctionID:   art.FunctionID,
		Version:      art.Version,
		FunctionHash: art.LogicHash,
		CallerID:     actorID,
		Status:       contracts.TraceStatusOK,
		Detail:       action,
	})
	if err != nil {
		return contracts.WrapError(contracts.CodeExternalDependency, err, "governance event %s", action)
	}
	return nil
}
