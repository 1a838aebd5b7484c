// Package anchor implements the signed anchor pack lifecycle: building and
// publishing packs from local signer identities, verifying inbound packs
// against the trust registry, applying them with last-writer-wins semantics
// and pulling them from federated peers.
package anchor

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"TrustMesh/internal/canonical"
	"TrustMesh/internal/merkle"
	"TrustMesh/internal/policy"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/trust"
)

// PackVersion is the only wire version this node produces and accepts.
const PackVersion = 1

// Verification and sync failure reasons, stable across the wire.
var (
	ErrMalformedPack    = errors.New("malformed_pack")
	ErrUntrustedIssuer  = errors.New("untrusted_issuer")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrStaleSeq         = errors.New("stale_seq")
)

// Signature carries the issuer's signature over the canonical pack bytes.
type Signature struct {
	KID    string `json:"kid,omitempty"`
	PubKey string `json:"pubKey"` // base64url raw key bytes
	Alg    string `json:"alg,omitempty"`
	Sig    string `json:"sig"` // base64url raw signature bytes
}

// Pack is a signed, sequence-numbered snapshot of an issuer's anchor set.
type Pack struct {
	Version   int            `json:"version"`
	IssuerOrg string         `json:"issuerOrg"`
	CreatedAt string         `json:"createdAt"`
	Seq       uint64         `json:"seq"`
	Anchors   []trust.Anchor `json:"anchors"`
	Signature *Signature     `json:"signature,omitempty"`
}

// SigningBytes returns the canonical JSON of the pack with the signature
// stripped. Signing and verification both run over these exact bytes.
func (p *Pack) SigningBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = nil

	raw, err := canonical.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize pack:\n%w", err)
	}

	return raw, nil
}

// Engine drives the pack lifecycle for one node. The policy engine is
// optional; when present it gates cross-org pulls.
type Engine struct {
	store    storage.Store
	registry *trust.Registry
	history  *merkle.Accumulator
	policy   *policy.Engine

	// peerMu serializes concurrent pulls from the same peer while leaving
	// distinct peers free to proceed in parallel.
	mu     sync.Mutex
	peerMu map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates a pack engine. history receives the canonical bytes of
// every applied pack; policyEngine may be nil to disable federation gating.
func NewEngine(store storage.Store, registry *trust.Registry, history *merkle.Accumulator, policyEngine *policy.Engine) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		history:  history,
		policy:   policyEngine,
		peerMu:   make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// BuildPack assembles an unsigned pack from the namespace's local signer
// identities. Every identity becomes an ACTIVE anchor of the issuing org,
// stamped with the pack's creation time.
func (e *Engine) BuildPack(ns, issuerOrg string, seq uint64) (*Pack, error) {
	signers, err := e.registry.ListSigners(ns)
	if err != nil {
		return nil, fmt.Errorf("build pack:\n%w", err)
	}

	createdAt := trust.Timestamp(e.now())

	anchors := make([]trust.Anchor, 0, len(signers))
	for _, s := range signers {
		anchors = append(anchors, trust.Anchor{
			OrgID:     issuerOrg,
			KID:       s.KID,
			PubKey:    s.PubKey,
			Alg:       s.Alg,
			Status:    trust.StatusActive,
			CreatedAt: s.CreatedAt,
			UpdatedAt: createdAt,
		})
	}

	return &Pack{
		Version:   PackVersion,
		IssuerOrg: issuerOrg,
		CreatedAt: createdAt,
		Seq:       seq,
		Anchors:   anchors,
	}, nil
}

// SignPack signs the pack's canonical bytes and attaches the signature.
func SignPack(pack *Pack, signer signing.Signer) error {
	raw, err := pack.SigningBytes()
	if err != nil {
		return err
	}

	pack.Signature = &Signature{
		KID:    signer.KID(),
		PubKey: signing.EncodeKey(signer.PublicKey()),
		Alg:    signer.Algorithm(),
		Sig:    signing.EncodeKey(signer.Sign(raw)),
	}

	return nil
}

// Publish builds, signs and persists the next outbound pack for the
// namespace, advancing the publish cursor. The latest pack stays available
// for peers to fetch.
func (e *Engine) Publish(ns, issuerOrg string, signer signing.Signer) (*Pack, error) {
	seq, err := e.nextSeq(ns)
	if err != nil {
		return nil, err
	}

	pack, err := e.BuildPack(ns, issuerOrg, seq)
	if err != nil {
		return nil, err
	}

	if err := SignPack(pack, signer); err != nil {
		return nil, err
	}

	raw, err := canonical.Marshal(pack)
	if err != nil {
		return nil, fmt.Errorf("encode published pack:\n%w", err)
	}

	if err := e.store.Set(pubPackKey(ns), raw); err != nil {
		return nil, fmt.Errorf("persist published pack:\n%w", err)
	}

	if err := e.store.Set(pubSeqKey(ns), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return nil, fmt.Errorf("persist publish cursor:\n%w", err)
	}

	return pack, nil
}

// LatestPack returns the most recently published pack for the namespace,
// or nil when nothing has been published yet.
func (e *Engine) LatestPack(ns string) (*Pack, error) {
	raw, err := e.store.Get(pubPackKey(ns))
	if err != nil {
		return nil, fmt.Errorf("load published pack:\n%w", err)
	}
	if raw == nil {
		return nil, nil
	}

	return DecodePack(raw)
}

// nextSeq returns the next outbound sequence number, starting at 1.
func (e *Engine) nextSeq(ns string) (uint64, error) {
	raw, err := e.store.Get(pubSeqKey(ns))
	if err != nil {
		return 0, fmt.Errorf("load publish cursor:\n%w", err)
	}
	if raw == nil {
		return 1, nil
	}

	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode publish cursor:\n%w", err)
	}

	return seq + 1, nil
}

// Storage key layout.

func pubPackKey(ns string) string {
	return "pubpack:" + ns
}

func pubSeqKey(ns string) string {
	return "pubseq:" + ns
}

func syncStateKey(ns, orgID string) string {
	return "syncstate:" + ns + ":" + orgID
}
