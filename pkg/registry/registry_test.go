package registry_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-riot/policy-as-code/pkg/contracts"
	"github.com/data-riot/policy-as-code/pkg/ledger"
	"github.com/data-riot/policy-as-code/pkg/legalref"
	"github.com/data-riot/policy-as-code/pkg/registry"
	"github.com/data-riot/policy-as-code/pkg/signer"
	"github.com/data-riot/policy-as-code/pkg/store"
)

const objectSchema = `{"type":"object"}`

const approvalRules = `{
	"rules": [
		{"id": "deny-high", "priority": 10,
		 "conditions": [{"field": "amount", "op": "gt", "value": 1000}],
		 "result": {"approved": false}}
	],
	"default_result": {"approved": true}
}`

type testEnv struct {
	reg     *registry.Registry
	led     *ledger.Ledger
	keyring *signer.Keyring
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	led, err := ledger.New(context.Background(), store.NewMemoryLog())
	require.NoError(t, err)

	keyring, err := signer.NewKeyring([]byte("registry-test-root-secret"))
	require.NoError(t, err)

	legal := legalref.NewStaticValidator()
	legal.Register("lex:gdpr/art22", "GDPR", "Article 22")

	reg := registry.New(store.NewMemoryKV(), led, keyring).WithLegalValidator(legal)
	return &testEnv{reg: reg, led: led, keyring: keyring}
}

func draftArtifact(functionID, version string) contracts.Artifact {
	return contracts.Artifact{
		FunctionID:   functionID,
		Version:      version,
		Logic:        contracts.LogicSpec{Kind: contracts.LogicKindRuleSet, Source: []byte(approvalRules)},
		InputSchema:  []byte(objectSchema),
		OutputSchema: []byte(objectSchema),
		Metadata:     contracts.Metadata{Author: "alice"},
	}
}

// sign produces a verified signature for the release payload.
func (e *testEnv) sign(t *testing.T, art contracts.Artifact, signerID string, role contracts.Role) contracts.Signature {
	t.Helper()
	payload, err := registry.ReleasePayload(art.FunctionID, art.Version, art.LogicHash)
	require.NoError(t, err)
	keyID := "key-" + signerID
	raw, err := e.keyring.Sign(context.Background(), payload, keyID)
	require.NoError(t, err)
	return contracts.Signature{
		SignerID: signerID,
		Role:     role,
		KeyID:    keyID,
		Bytes:    hex.EncodeToString(raw),
	}
}

// approve walks an artifact from DRAFT to APPROVED with two distinct signers.
func (e *testEnv) approve(t *testing.T, art contracts.Artifact) contracts.Artifact {
	t.Helper()
	ctx := context.Background()

	_, err := e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)

	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	require.NoError(t, err)
	approved, err := e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "bob", contracts.RoleReviewer))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApproved, approved.Status)
	return approved
}

// cancelAfterPut commits the write and then cancels the caller's context,
// simulating a caller that goes away mid-call.
type cancelAfterPut struct {
	store.KV
	cancel context.CancelFunc
}

func (c *cancelAfterPut) Put(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := c.KV.Put(ctx, key, value, rev)
	c.cancel()
	return newRev, err
}

func TestGovernanceEventSurvivesCallerCancellation(t *testing.T) {
	led, err := ledger.New(context.Background(), store.NewMemoryLog())
	require.NoError(t, err)
	keyring, err := signer.NewKeyring([]byte("registry-test-root-secret"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(&cancelAfterPut{KV: store.NewMemoryKV(), cancel: cancel}, led, keyring)

	// The KV transition commits, then the caller is gone. The governance
	// record must land anyway: every committed transition is recorded.
	_, err = reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), led.Length())
	recs, err := led.Records(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventTypeGovernance, recs[0].EventType)
	assert.Equal(t, "register_draft", recs[0].Detail)
}

func TestRegisterDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, art.Status)
	assert.NotEmpty(t, art.LogicHash)
	assert.False(t, art.CreatedAt.IsZero())

	// Registration is a governance event on the ledger.
	assert.Equal(t, uint64(1), e.led.Length())
	recs, err := e.led.Records(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventTypeGovernance, recs[0].EventType)
	assert.Equal(t, "register_draft", recs[0].Detail)
}

func TestRegisterDraftDuplicateVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)

	_, err = e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	assert.True(t, contracts.IsCode(err, contracts.CodeDuplicateVersion), "got %v", err)
}

func TestRegisterDraftRejectsBadSemver(t *testing.T) {
	e := newEnv(t)

	art := draftArtifact("loan-approval", "v1")
	_, err := e.reg.RegisterDraft(context.Background(), art)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidation), "got %v", err)
}

func TestRegisterDraftRejectsConflictingRules(t *testing.T) {
	e := newEnv(t)

	art := draftArtifact("loan-approval", "1.0.0")
	art.Logic.Source = []byte(`{
		"rules": [
			{"id": "a", "priority": 5,
			 "conditions": [{"field": "amount", "op": "gt", "value": 100}],
			 "result": {"approved": true}},
			{"id": "b", "priority": 5,
			 "conditions": [{"field": "amount", "op": "lt", "value": 500}],
			 "result": {"approved": false}}
		]
	}`)

	_, err := e.reg.RegisterDraft(context.Background(), art)
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeRuleConflict), "got %v", err)
}

func TestRegisterDraftRejectsUnknownLegalRef(t *testing.T) {
	e := newEnv(t)

	art := draftArtifact("loan-approval", "1.0.0")
	art.Metadata.LegalRefs = []string{"lex:unknown/art1"}

	_, err := e.reg.RegisterDraft(context.Background(), art)
	assert.True(t, contracts.IsCode(err, contracts.CodeLegalReference), "got %v", err)
}

func TestRegisterDraftAcceptsKnownLegalRef(t *testing.T) {
	e := newEnv(t)

	art := draftArtifact("loan-approval", "1.0.0")
	art.Metadata.LegalRefs = []string{"lex:gdpr/art22"}

	_, err := e.reg.RegisterDraft(context.Background(), art)
	assert.NoError(t, err)
}

func TestReleaseWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)

	pending, err := e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingReview, pending.Status)

	// One signature is not enough.
	afterOwner, err := e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingReview, afterOwner.Status)

	approved, err := e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "bob", contracts.RoleReviewer))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, approved.Status)
	assert.Len(t, approved.Signatures, 2)
}

func TestSignSeparationOfDuties(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	_, err = e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)

	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	require.NoError(t, err)

	// Same signer cannot also review, regardless of key used.
	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleReviewer))
	assert.True(t, contracts.IsCode(err, contracts.CodeSeparationOfDuties), "got %v", err)
}

func TestSignRejectsDuplicateRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	_, err = e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)

	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	require.NoError(t, err)
	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "carol", contracts.RoleOwner))
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)
}

func TestSignRejectsTamperedSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	_, err = e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)

	sig := e.sign(t, art, "alice", contracts.RoleOwner)
	flipped := "0"
	if sig.Bytes[0] == '0' {
		flipped = "1"
	}
	sig.Bytes = flipped + sig.Bytes[1:]

	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, sig)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidation), "got %v", err)
}

func TestSignRequiresPendingReview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)

	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)
}

func TestWithdrawReleaseDiscardsSignatures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	_, err = e.reg.RequestRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)
	_, err = e.reg.Sign(ctx, art.FunctionID, art.Version, e.sign(t, art, "alice", contracts.RoleOwner))
	require.NoError(t, err)

	back, err := e.reg.WithdrawRelease(ctx, art.FunctionID, art.Version, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, back.Status)
	assert.Empty(t, back.Signatures)
}

func TestActivateAndEffectiveWindows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * 24 * time.Hour)

	v1, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	e.approve(t, v1)
	active1, err := e.reg.Activate(ctx, v1.FunctionID, v1.Version, "ops", t0)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, active1.Status)

	v2, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "2.0.0"))
	require.NoError(t, err)
	e.approve(t, v2)
	_, err = e.reg.Activate(ctx, v2.FunctionID, v2.Version, "ops", t1)
	require.NoError(t, err)

	// Activating v2 closed v1's window and deprecated it.
	windows, err := e.reg.Windows(ctx, "loan-approval")
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, "1.0.0", windows[0].Version)
	require.NotNil(t, windows[0].Until)
	assert.True(t, windows[0].Until.Equal(t1))
	assert.Equal(t, "2.0.0", windows[1].Version)
	assert.Nil(t, windows[1].Until)

	old, err := e.reg.Get(ctx, "loan-approval", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDeprecated, old.Status)

	// Point-in-time resolution is stable: asking for an instant inside
	// v1's window still yields v1 after v2 went live.
	resolved, err := e.reg.ResolveActive(ctx, "loan-approval", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resolved.Version)

	resolved, err = e.reg.ResolveActive(ctx, "loan-approval", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", resolved.Version)

	// Before any window opened there is no effective version.
	_, err = e.reg.ResolveActive(ctx, "loan-approval", t0.Add(-time.Hour))
	assert.True(t, contracts.IsCode(err, contracts.CodeVersionNotFound), "got %v", err)
}

func TestActivateRequiresApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	art, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)

	_, err = e.reg.Activate(ctx, art.FunctionID, art.Version, "ops", time.Time{})
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)
}

func TestActivateRejectsNonMonotonicWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v1, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	e.approve(t, v1)
	_, err = e.reg.Activate(ctx, v1.FunctionID, v1.Version, "ops", t0)
	require.NoError(t, err)

	v2, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "2.0.0"))
	require.NoError(t, err)
	e.approve(t, v2)

	// A window starting at or before the open one would overlap.
	_, err = e.reg.Activate(ctx, v2.FunctionID, v2.Version, "ops", t0)
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)
}

func TestFailedActivationLeavesVersionApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v1, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	e.approve(t, v1)
	_, err = e.reg.Activate(ctx, v1.FunctionID, v1.Version, "ops", t0)
	require.NoError(t, err)

	v2, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "2.0.0"))
	require.NoError(t, err)
	e.approve(t, v2)

	// The overlapping window is rejected and must not leave v2 ACTIVE
	// without a window.
	_, err = e.reg.Activate(ctx, v2.FunctionID, v2.Version, "ops", t0)
	require.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)

	got, err := e.reg.Get(ctx, "loan-approval", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)

	// A later attempt at a valid instant succeeds and takes over resolution.
	t1 := t0.Add(24 * time.Hour)
	activated, err := e.reg.Activate(ctx, v2.FunctionID, v2.Version, "ops", t1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, activated.Status)

	resolved, err := e.reg.ResolveActive(ctx, "loan-approval", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", resolved.Version)
}

func TestRetireClosesWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	v1, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", "1.0.0"))
	require.NoError(t, err)
	e.approve(t, v1)
	_, err = e.reg.Activate(ctx, v1.FunctionID, v1.Version, "ops", t0)
	require.NoError(t, err)

	retired, err := e.reg.Retire(ctx, v1.FunctionID, v1.Version, "ops", t1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRetired, retired.Status)

	_, err = e.reg.ResolveActive(ctx, "loan-approval", t1.Add(time.Hour))
	assert.True(t, contracts.IsCode(err, contracts.CodeVersionNotFound), "got %v", err)

	// RETIRED is terminal.
	_, err = e.reg.RequestRelease(ctx, v1.FunctionID, v1.Version, "alice")
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStateTransition), "got %v", err)
}

func TestGetUnknownVersion(t *testing.T) {
	e := newEnv(t)

	_, err := e.reg.Get(context.Background(), "loan-approval", "9.9.9")
	assert.True(t, contracts.IsCode(err, contracts.CodeVersionNotFound), "got %v", err)
}

func TestListVersionsSemverOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, v := range []string{"2.0.0", "1.0.0", "1.10.0", "1.2.0"} {
		_, err := e.reg.RegisterDraft(ctx, draftArtifact("loan-approval", v))
		require.NoError(t, err)
	}

	arts, err := e.reg.ListVersions(ctx, "loan-approval")
	require.NoError(t, err)
	versions := make([]string, len(arts))
	for i, a := range arts {
		versions[i] = a.Version
	}
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0", "2.0.0"}, versions)
}
