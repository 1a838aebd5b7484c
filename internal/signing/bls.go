package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSSigner holds a BLS private/public key pair.
type BLSSigner struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// DeriveBLSSigner derives a deterministic BLS key pair from an ed25519
// private key, binding the pack-signing key to the node identity via
// BLAKE3("trustmesh-bls-keygen" || seed).
func DeriveBLSSigner(privKey ed25519.PrivateKey) (*BLSSigner, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("trustmesh-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return NewBLSSignerFromSeed(derived[:])
}

// GenerateBLSSigner creates a new BLS key pair from a random seed.
func GenerateBLSSigner() (*BLSSigner, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return NewBLSSignerFromSeed(ikm[:])
}

// NewBLSSignerFromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	public := new(blst.P1Affine).From(secret)

	return &BLSSigner{
		secret: secret,
		public: public,
	}, nil
}

// Sign creates a BLS signature over the message.
func (s *BLSSigner) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(s.secret, message, blsDST)
	return sig.Compress()
}

// PublicKey returns the compressed public key bytes.
func (s *BLSSigner) PublicKey() []byte {
	return s.public.Compress()
}

// Algorithm returns the algorithm identifier.
func (s *BLSSigner) Algorithm() string {
	return AlgBLS
}

// KID returns the key id derived from the public key.
func (s *BLSSigner) KID() string {
	return KeyID(s.PublicKey())
}

// verifyBLS checks a BLS signature against a message and public key.
func verifyBLS(publicKey, message, signature []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}
