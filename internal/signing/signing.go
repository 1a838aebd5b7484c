// Package signing provides the signature primitives for anchor packs.
// Two algorithms are supported: ed25519 (default) and BLS12-381.
package signing

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Supported signature algorithms.
const (
	AlgEd25519 = "ed25519"
	AlgBLS     = "bls"
)

// Signer produces signatures with one local key.
type Signer interface {
	// Sign signs the message and returns the raw signature bytes.
	Sign(message []byte) []byte

	// PublicKey returns the raw public key bytes.
	PublicKey() []byte

	// Algorithm returns the algorithm identifier.
	Algorithm() string

	// KID returns the key id derived from the public key.
	KID() string
}

// Verify checks a signature for the given algorithm.
func Verify(alg string, publicKey, message, signature []byte) bool {
	switch alg {
	case AlgEd25519, "":
		return verifyEd25519(publicKey, message, signature)
	case AlgBLS:
		return verifyBLS(publicKey, message, signature)
	default:
		return false
	}
}

// KeyID derives a short stable key id from raw public key bytes:
// the hex of the first 8 bytes of BLAKE3(pub).
func KeyID(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// EncodeKey encodes raw public key bytes as base64url without padding,
// the wire form carried in trust anchors and pack signatures.
func EncodeKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeKey decodes a base64url public key.
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key:\n%w", err)
	}
	return raw, nil
}
