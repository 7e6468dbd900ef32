package signer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	k, err := NewKeyring([]byte("test-root-secret-0123456789abcdef"))
	require.NoError(t, err)

	payload := []byte("loan_eligibility/1.0.0/sha256:abc")
	sig, err := k.Sign(context.Background(), payload, "alice")
	require.NoError(t, err)

	ok, err := k.Verify(context.Background(), payload, sig, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWrongKeyFails(t *testing.T) {
	k, err := NewKeyring([]byte("test-root-secret-0123456789abcdef"))
	require.NoError(t, err)

	payload := []byte("payload")
	sig, err := k.Sign(context.Background(), payload, "alice")
	require.NoError(t, err)

	ok, err := k.Verify(context.Background(), payload, sig, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyTamperedPayloadFails(t *testing.T) {
	k, err := NewKeyring([]byte("test-root-secret-0123456789abcdef"))
	require.NoError(t, err)

	sig, err := k.Sign(context.Background(), []byte("original"), "alice")
	require.NoError(t, err)

	ok, err := k.Verify(context.Background(), []byte("tampered"), sig, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDerivationIsDeterministic(t *testing.T) {
	k1, err := NewKeyring([]byte("test-root-secret-0123456789abcdef"))
	require.NoError(t, err)
	k2, err := NewKeyring([]byte("test-root-secret-0123456789abcdef"))
	require.NoError(t, err)

	p1, err := k1.PublicKey("alice")
	require.NoError(t, err)
	p2, err := k2.PublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	pb, err := k1.PublicKey("bob")
	require.NoError(t, err)
	assert.NotEqual(t, p1, pb)
}

func TestRootSecretTooShort(t *testing.T) {
	_, err := NewKeyring([]byte("short"))
	assert.Error(t, err)
}
