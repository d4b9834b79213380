package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var (
	// ErrBadPublicKey is returned when a key is not a valid Ed25519 public key.
	ErrBadPublicKey = errors.New("crypto: public key must be 32 bytes")
	// ErrBadSignature is returned when a signature has the wrong length.
	ErrBadSignature = errors.New("crypto: signature must be 64 bytes")
)

// PID is the participant identifier: base58(sha256(public_key)). It is a
// pure function of the key, so two hubs derive the same identity for the
// same participant.
type PID string

// DerivePID computes the identifier for an Ed25519 public key.
func DerivePID(publicKey ed25519.PublicKey) (PID, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", ErrBadPublicKey
	}
	sum := sha256.Sum256(publicKey)
	return PID(base58.Encode(sum[:])), nil
}

// String implements fmt.Stringer.
func (p PID) String() string { return string(p) }

// Valid reports whether p decodes as a base58 sha256 digest.
func (p PID) Valid() bool {
	raw := base58.Decode(string(p))
	return len(raw) == sha256.Size
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrBadPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSignature decodes a hex-encoded detached Ed25519 signature.
func ParseSignature(hexSig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, ErrBadSignature
	}
	return raw, nil
}

// Verify checks a detached Ed25519 signature over message.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// GenerateKey produces a fresh Ed25519 key pair. Used by seeds tooling and
// tests.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SegmentFingerprint returns the canonical lock key for a segment: the
// sha256 of the equivalent code and the participant pair in sorted order.
// Sorting makes the fingerprint direction-independent so opposing flows on
// the same line contend on one lock.
func SegmentFingerprint(equivalent string, a, b PID) [32]byte {
	lo, hi := a, b
	if strings.Compare(string(lo), string(hi)) > 0 {
		lo, hi = hi, lo
	}
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(equivalent))))
	h.Write([]byte{0})
	h.Write([]byte(lo))
	h.Write([]byte{0})
	h.Write([]byte(hi))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// LockKey folds a fingerprint into the signed 64-bit key space used by
// pg_advisory_xact_lock.
func LockKey(fingerprint [32]byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(fingerprint[i])
	}
	return int64(v)
}
