package anchor

import (
	"encoding/json"
	"fmt"

	"TrustMesh/internal/signing"
)

// DecodePack parses pack bytes without verifying them.
func DecodePack(raw []byte) (*Pack, error) {
	var pack Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil, fmt.Errorf("decode pack:\n%w", err)
	}

	return &pack, nil
}

// VerifyPack checks a pack's shape, issuer trust and signature.
//
// The issuer key is trusted when it matches a local signer identity (our own
// packs round-tripping back) or an ACTIVE anchor of the issuing org. Packs
// from unknown keys fail with ErrUntrustedIssuer; a known key with a bad
// signature fails with ErrInvalidSignature.
func (e *Engine) VerifyPack(ns string, pack *Pack) error {
	if err := checkShape(pack); err != nil {
		return err
	}

	sig := pack.Signature

	trusted, err := e.issuerTrusted(ns, pack.IssuerOrg, sig)
	if err != nil {
		return err
	}
	if !trusted {
		return ErrUntrustedIssuer
	}

	pubKey, err := signing.DecodeKey(sig.PubKey)
	if err != nil {
		return ErrMalformedPack
	}
	rawSig, err := signing.DecodeKey(sig.Sig)
	if err != nil {
		return ErrMalformedPack
	}

	message, err := pack.SigningBytes()
	if err != nil {
		return err
	}

	if !signing.Verify(sig.Alg, pubKey, message, rawSig) {
		return ErrInvalidSignature
	}

	return nil
}

func checkShape(pack *Pack) error {
	switch {
	case pack == nil,
		pack.Version != PackVersion,
		pack.IssuerOrg == "",
		pack.CreatedAt == "",
		pack.Signature == nil,
		pack.Signature.PubKey == "",
		pack.Signature.Sig == "":
		return ErrMalformedPack
	}

	for _, a := range pack.Anchors {
		if a.OrgID != pack.IssuerOrg || a.KID == "" || a.PubKey == "" {
			return ErrMalformedPack
		}
	}

	return nil
}

func (e *Engine) issuerTrusted(ns, issuerOrg string, sig *Signature) (bool, error) {
	if sig.KID != "" {
		local, err := e.registry.FindSigner(ns, sig.KID)
		if err != nil {
			return false, err
		}
		if local != nil && local.PubKey == sig.PubKey {
			return true, nil
		}
	}

	anchor, err := e.registry.FindActiveAnchor(ns, issuerOrg, sig.KID, sig.PubKey)
	if err != nil {
		return false, err
	}
	if anchor != nil && anchor.PubKey == sig.PubKey {
		return true, nil
	}

	return false, nil
}
