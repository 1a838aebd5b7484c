package trust

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"TrustMesh/internal/storage"
)

// Registry is the source of truth for trust anchors and signer identities,
// keyed by namespace. Each issuer's anchor set lives under a single storage
// key so pack application can replace it atomically.
type Registry struct {
	store storage.Store

	// mu serializes read-modify-write cycles on anchor sets. The storage
	// collaborator offers no multi-key transactions, so the registry is the
	// process-local serialization point for anchor mutation.
	mu sync.Mutex
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

// ListAnchors returns every trust anchor in the namespace, across all issuers,
// ordered by (orgId, kid).
func (r *Registry) ListAnchors(ns string) ([]Anchor, error) {
	keys, err := r.store.List(anchorsPrefix(ns))
	if err != nil {
		return nil, fmt.Errorf("list anchor sets:\n%w", err)
	}

	var all []Anchor
	for _, key := range keys {
		org := strings.TrimPrefix(key, anchorsPrefix(ns))
		set, err := r.AnchorsForIssuer(ns, org)
		if err != nil {
			return nil, err
		}
		all = append(all, set...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].OrgID != all[j].OrgID {
			return all[i].OrgID < all[j].OrgID
		}
		return all[i].KID < all[j].KID
	})

	return all, nil
}

// AnchorsForIssuer returns the anchor set for one issuing organization.
func (r *Registry) AnchorsForIssuer(ns, orgID string) ([]Anchor, error) {
	raw, err := r.store.Get(anchorsKey(ns, orgID))
	if err != nil {
		return nil, fmt.Errorf("load anchors for %s:\n%w", orgID, err)
	}
	if raw == nil {
		return nil, nil
	}

	var set []Anchor
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode anchors for %s:\n%w", orgID, err)
	}

	return set, nil
}

// AddAnchor inserts or transitions a single anchor. A duplicate (orgId, kid)
// is rejected unless the write is the one-way ACTIVE to REVOKED transition.
func (r *Registry) AddAnchor(ns string, anchor Anchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, err := r.AnchorsForIssuer(ns, anchor.OrgID)
	if err != nil {
		return err
	}

	for i, existing := range set {
		if existing.KID != anchor.KID {
			continue
		}

		if existing.Status == StatusActive && anchor.Status == StatusRevoked {
			set[i] = anchor
			return r.putIssuerAnchorsLocked(ns, anchor.OrgID, set)
		}

		return fmt.Errorf("duplicate anchor (%s, %s)", anchor.OrgID, anchor.KID)
	}

	set = append(set, anchor)

	return r.putIssuerAnchorsLocked(ns, anchor.OrgID, set)
}

// PutIssuerAnchors atomically replaces the anchor set for one issuer.
func (r *Registry) PutIssuerAnchors(ns, orgID string, set []Anchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putIssuerAnchorsLocked(ns, orgID, set)
}

func (r *Registry) putIssuerAnchorsLocked(ns, orgID string, set []Anchor) error {
	sort.Slice(set, func(i, j int) bool { return set[i].KID < set[j].KID })

	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode anchors for %s:\n%w", orgID, err)
	}

	if err := r.store.Set(anchorsKey(ns, orgID), raw); err != nil {
		return fmt.Errorf("persist anchors for %s:\n%w", orgID, err)
	}

	return nil
}

// FindActiveAnchor looks up an ACTIVE anchor for the issuer by kid, falling
// back to a public-key match when no kid is given. Returns nil when no such
// anchor exists.
func (r *Registry) FindActiveAnchor(ns, orgID, kid, pubKey string) (*Anchor, error) {
	set, err := r.AnchorsForIssuer(ns, orgID)
	if err != nil {
		return nil, err
	}

	for i := range set {
		if set[i].Status != StatusActive {
			continue
		}
		if kid != "" && set[i].KID == kid {
			return &set[i], nil
		}
		if kid == "" && pubKey != "" && set[i].PubKey == pubKey {
			return &set[i], nil
		}
	}

	return nil, nil
}

// AddSigner registers a local signer identity. Identities are never mutated;
// re-registering an existing kid is rejected.
func (r *Registry) AddSigner(ns string, signer SignerIdentity) error {
	key := signerKey(ns, signer.KID)

	existing, err := r.store.Get(key)
	if err != nil {
		return fmt.Errorf("check signer %s:\n%w", signer.KID, err)
	}
	if existing != nil {
		return fmt.Errorf("signer %s already registered", signer.KID)
	}

	raw, err := json.Marshal(signer)
	if err != nil {
		return fmt.Errorf("encode signer %s:\n%w", signer.KID, err)
	}

	if err := r.store.Set(key, raw); err != nil {
		return fmt.Errorf("persist signer %s:\n%w", signer.KID, err)
	}

	return nil
}

// ListSigners returns all local signer identities in the namespace, ordered
// by kid.
func (r *Registry) ListSigners(ns string) ([]SignerIdentity, error) {
	keys, err := r.store.List(signersPrefix(ns))
	if err != nil {
		return nil, fmt.Errorf("list signers:\n%w", err)
	}

	signers := make([]SignerIdentity, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("load signer:\n%w", err)
		}
		if raw == nil {
			continue
		}

		var s SignerIdentity
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode signer:\n%w", err)
		}
		signers = append(signers, s)
	}

	return signers, nil
}

// FindSigner returns the local signer identity with the given kid, or nil.
func (r *Registry) FindSigner(ns, kid string) (*SignerIdentity, error) {
	raw, err := r.store.Get(signerKey(ns, kid))
	if err != nil {
		return nil, fmt.Errorf("load signer %s:\n%w", kid, err)
	}
	if raw == nil {
		return nil, nil
	}

	var s SignerIdentity
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode signer %s:\n%w", kid, err)
	}

	return &s, nil
}

// RemoveSigner deletes a local signer identity. Removal is the only mutation
// signer identities support.
func (r *Registry) RemoveSigner(ns, kid string) error {
	return r.store.Delete(signerKey(ns, kid))
}

// Storage key layout.

func anchorsPrefix(ns string) string {
	return "anchors:" + ns + ":"
}

func anchorsKey(ns, orgID string) string {
	return anchorsPrefix(ns) + orgID
}

func signersPrefix(ns string) string {
	return "signer:" + ns + ":"
}

func signerKey(ns, kid string) string {
	return signersPrefix(ns) + kid
}
