package anchor

import (
	"context"
	"sync"
)

// Peer identifies a federated organization to pull anchor packs from.
// RefID is the transport-level address the fetcher resolves.
type Peer struct {
	OrgID string `json:"orgId"`
	RefID string `json:"refId"`
}

// PlannedPull is one scheduled pack pull, carrying the cursor the fetch
// should resume from.
type PlannedPull struct {
	OrgID     string `json:"orgId"`
	RefID     string `json:"refId"`
	NextSince string `json:"nextSince,omitempty"`
}

// PackFetcher retrieves a peer's latest pack. It returns the pack, the
// continuation token for the next pull, or a nil pack when the peer has
// nothing newer than since.
type PackFetcher interface {
	FetchPack(ctx context.Context, ns, orgID, since string) (*Pack, string, error)
}

// PeerResult is the outcome of one peer's pull within a sync round.
type PeerResult struct {
	OrgID   string `json:"orgId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Revoked int    `json:"revoked"`
	Seq     uint64 `json:"seq,omitempty"`
}

// SyncResult aggregates a sync round. OK holds only when every peer
// succeeded; individual failures never abort the round.
type SyncResult struct {
	OK    bool         `json:"ok"`
	Peers []PeerResult `json:"peers"`
}

// PlanSync computes the pull schedule for a set of peers without touching
// any state. Each entry resumes from the peer's stored cursor.
func (e *Engine) PlanSync(ns string, peers []Peer) ([]PlannedPull, error) {
	plan := make([]PlannedPull, 0, len(peers))
	for _, p := range peers {
		st, err := e.LoadSyncState(ns, p.OrgID)
		if err != nil {
			return nil, err
		}
		plan = append(plan, PlannedPull{
			OrgID:     p.OrgID,
			RefID:     p.RefID,
			NextSince: st.Since,
		})
	}

	return plan, nil
}

// RunSync pulls packs from every peer concurrently. Peers fail
// independently: a bad pack from one never blocks the rest, and the failing
// peer's cursor stays where it was. Concurrent rounds against the same peer
// serialize on a per-peer mutex.
func (e *Engine) RunSync(ctx context.Context, ns string, fetcher PackFetcher, peers []Peer) *SyncResult {
	result := &SyncResult{
		OK:    true,
		Peers: make([]PeerResult, len(peers)),
	}

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(slot int, p Peer) {
			defer wg.Done()
			result.Peers[slot] = e.pullPeer(ctx, ns, fetcher, p)
		}(i, peer)
	}
	wg.Wait()

	for _, pr := range result.Peers {
		if !pr.OK {
			result.OK = false
			break
		}
	}

	return result
}

func (e *Engine) pullPeer(ctx context.Context, ns string, fetcher PackFetcher, peer Peer) PeerResult {
	mu := e.lockForPeer(ns, peer.OrgID)
	mu.Lock()
	defer mu.Unlock()

	res := PeerResult{OrgID: peer.OrgID}

	if e.policy != nil {
		gate, err := e.policy.CheckCrossOrg(ns, peer.OrgID, "anchor.pull")
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if !gate.Allowed {
			res.Error = gate.Reason
			return res
		}
	}

	st, err := e.LoadSyncState(ns, peer.OrgID)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	pack, nextSince, err := fetcher.FetchPack(ctx, ns, peer.OrgID, st.Since)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if pack == nil {
		res.OK = true
		return res
	}

	if err := e.VerifyPack(ns, pack); err != nil {
		res.Error = err.Error()
		return res
	}

	// Sequence monotonicity holds before any anchor mutates: a replayed or
	// out-of-order pack leaves the registry and the cursor untouched.
	if pack.Seq <= st.LastSeq {
		res.Error = ErrStaleSeq.Error()
		return res
	}

	delta, err := e.ApplyPack(ns, pack)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	st.LastSeq = pack.Seq
	if nextSince != "" {
		st.Since = nextSince
	} else {
		st.Since = pack.CreatedAt
	}
	if err := e.saveSyncState(ns, peer.OrgID, st); err != nil {
		res.Error = err.Error()
		return res
	}

	res.OK = true
	res.Added = delta.Added
	res.Updated = delta.Updated
	res.Revoked = delta.Revoked
	res.Seq = pack.Seq

	return res
}

func (e *Engine) lockForPeer(ns, orgID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := ns + ":" + orgID
	mu, ok := e.peerMu[key]
	if !ok {
		mu = &sync.Mutex{}
		e.peerMu[key] = mu
	}

	return mu
}
