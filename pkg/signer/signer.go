// Package signer provides the content-addressed hasher and detached-signer
// used by the audit chain and by capability/allowance tokens. Keys are
// generated once per daemon process; the public key is recorded in the
// audit chain's genesis entry.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer wraps an ed25519 keypair generated for this process lifetime.
type Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// New generates a fresh signing keypair.
func New() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{public: pub, private: priv}, nil
}

// FromSeed reconstructs a Signer from a previously persisted 32-byte seed,
// so one signing identity can outlive a process. The daemon does not
// call it; it generates a fresh keypair with New at every start.
func FromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{public: pub, private: priv}, nil
}

// PublicKey returns the public key bytes, recorded verbatim in the audit
// chain's genesis entry.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

// PublicKeyHex renders the public key as a hex string for display/config.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.public)
}

// Sign produces a detached signature over digest.
func (s *Signer) Sign(digest []byte) []byte {
	return ed25519.Sign(s.private, digest)
}

// Verify checks sig against digest using pub. It never panics on a
// malformed public key; it returns false instead.
func Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the hex-encoded SHA-256 digest of data.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}
