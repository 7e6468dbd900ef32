// Package signer defines the KMS capability used by the registry's release
// workflow. The core never depends on a specific provider; the Keyring
// implementation here derives ed25519 keys per key ID from a root secret via
// HKDF, which is sufficient for tests and single-node deployments.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Signer is the signing capability. Verification failures return (false, nil);
// provider failures return an error. Signing is never blindly retried.
type Signer interface {
	Sign(ctx context.Context, payload []byte, keyID string) ([]byte, error)
	Verify(ctx context.Context, payload, signature []byte, keyID string) (bool, error)
}

// Keyring is an in-process Signer deriving one ed25519 keypair per key ID
// from a root secret. The same root secret always yields the same keys, so a
// keyring can be reconstructed from configuration.
type Keyring struct {
	mu   sync.Mutex
	root []byte
	keys map[string]ed25519.PrivateKey
}

// NewKeyring creates a keyring from a root secret.
func NewKeyring(rootSecret []byte) (*Keyring, error) {
	if len(rootSecret) < 16 {
		return nil, fmt.Errorf("signer: root secret must be at least 16 bytes, got %d", len(rootSecret))
	}
	return &Keyring{
		root: append([]byte(nil), rootSecret...),
		keys: make(map[string]ed25519.PrivateKey),
	}, nil
}

func (k *Keyring) derive(keyID string) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if priv, ok := k.keys[keyID]; ok {
		return priv, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, k.root, nil, []byte("signer/key/"+keyID))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("signer: derive key %q: %w", keyID, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	k.keys[keyID] = priv
	return priv, nil
}

// Sign signs the payload with the key derived for keyID.
func (k *Keyring) Sign(ctx context.Context, payload []byte, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := k.derive(keyID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, payload), nil
}

// Verify checks the signature against the key derived for keyID.
func (k *Keyring) Verify(ctx context.Context, payload, signature []byte, keyID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	priv, err := k.derive(keyID)
	if err != nil {
		return false, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, payload, signature), nil
}

// PublicKey returns the public key derived for keyID.
func (k *Keyring) PublicKey(keyID string) (ed25519.PublicKey, error) {
	priv, err := k.derive(keyID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}
