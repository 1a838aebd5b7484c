package anchor

import (
	"encoding/json"
	"fmt"

	"TrustMesh/internal/canonical"
	"TrustMesh/internal/trust"
)

// Delta summarizes the anchor mutations one pack produced.
type Delta struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Revoked int `json:"revoked"`
}

// SyncState is the per-peer pull cursor: the continuation token handed back
// by the peer and the highest pack sequence applied so far.
type SyncState struct {
	Since   string `json:"since,omitempty"`
	LastSeq uint64 `json:"lastSeq"`
}

// ApplyPack merges a verified pack into the issuer's anchor set.
//
// Each anchor merges independently under strict last-writer-wins on
// UpdatedAt: ties and older writes leave the local anchor untouched.
// A REVOKED anchor is a tombstone and never returns to ACTIVE. The updated
// set persists atomically, and the pack's canonical bytes land in the
// namespace Merkle log so anchor history stays provable.
func (e *Engine) ApplyPack(ns string, pack *Pack) (*Delta, error) {
	if err := checkShape(pack); err != nil {
		return nil, err
	}

	local, err := e.registry.AnchorsForIssuer(ns, pack.IssuerOrg)
	if err != nil {
		return nil, err
	}

	byKID := make(map[string]int, len(local))
	for i, a := range local {
		byKID[a.KID] = i
	}

	delta := &Delta{}
	changed := false

	for _, incoming := range pack.Anchors {
		i, exists := byKID[incoming.KID]
		if !exists {
			local = append(local, incoming)
			byKID[incoming.KID] = len(local) - 1
			delta.Added++
			changed = true
			continue
		}

		existing := local[i]
		if existing.Status == trust.StatusRevoked {
			continue
		}
		if !trust.NewerThan(incoming.UpdatedAt, existing.UpdatedAt) {
			continue
		}

		local[i] = incoming
		delta.Updated++
		if incoming.Status == trust.StatusRevoked {
			delta.Revoked++
		}
		changed = true
	}

	if changed {
		if err := e.registry.PutIssuerAnchors(ns, pack.IssuerOrg, local); err != nil {
			return nil, err
		}
	}

	raw, err := canonical.Marshal(pack)
	if err != nil {
		return nil, fmt.Errorf("canonicalize applied pack:\n%w", err)
	}
	if _, err := e.history.AppendLeaf(ns, raw); err != nil {
		return nil, fmt.Errorf("append pack to history:\n%w", err)
	}

	return delta, nil
}

// LoadSyncState returns the pull cursor for one peer, zero-valued when the
// peer has never been pulled.
func (e *Engine) LoadSyncState(ns, orgID string) (*SyncState, error) {
	raw, err := e.store.Get(syncStateKey(ns, orgID))
	if err != nil {
		return nil, fmt.Errorf("load sync state for %s:\n%w", orgID, err)
	}
	if raw == nil {
		return &SyncState{}, nil
	}

	var st SyncState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode sync state for %s:\n%w", orgID, err)
	}

	return &st, nil
}

func (e *Engine) saveSyncState(ns, orgID string, st *SyncState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode sync state for %s:\n%w", orgID, err)
	}

	if err := e.store.Set(syncStateKey(ns, orgID), raw); err != nil {
		return fmt.Errorf("persist sync state for %s:\n%w", orgID, err)
	}

	return nil
}
