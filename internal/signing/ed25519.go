package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519Signer signs with a stdlib ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer wraps an existing ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}

	return &Ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewEd25519Signer(priv)
}

// Sign signs the message.
func (s *Ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// PublicKey returns the raw public key bytes.
func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.pub)
}

// Algorithm returns the algorithm identifier.
func (s *Ed25519Signer) Algorithm() string {
	return AlgEd25519
}

// KID returns the key id derived from the public key.
func (s *Ed25519Signer) KID() string {
	return KeyID(s.PublicKey())
}

// verifyEd25519 checks an ed25519 signature.
func verifyEd25519(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
