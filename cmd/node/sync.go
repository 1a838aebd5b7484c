package main

import (
	"context"
	"fmt"

	"TrustMesh/client"
	"TrustMesh/internal/anchor"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

// peerFetcher routes anchor pack fetches to the HTTP client of the
// owning organization.
type peerFetcher struct {
	clients map[string]*client.Client
}

// FetchPack fetches the latest pack published by orgID.
func (f *peerFetcher) FetchPack(ctx context.Context, ns, orgID, since string) (*anchor.Pack, string, error) {
	c, ok := f.clients[orgID]
	if !ok {
		return nil, "", fmt.Errorf("no configured peer for org %s", orgID)
	}

	return c.FetchPack(ctx, ns, orgID, since)
}

// fanoutTransport spreads one logical sync over every configured peer.
// Pushes go to all peers so the queue only drains once each has the
// batch; lists merge the pages of all peers under a single cursor.
type fanoutTransport struct {
	peers []*client.Client
}

// Push sends the batch to every peer. Any failure surfaces so the queue
// is kept and the batch retried; peers that already applied it dedupe
// through last-writer-wins.
func (t *fanoutTransport) Push(ctx context.Context, ns string, items []sync.Item) error {
	for _, p := range t.peers {
		if err := p.Push(ctx, ns, items); err != nil {
			return err
		}
	}

	return nil
}

// List merges one page from every peer. The returned cursor is the
// newest timestamp seen across all of them.
func (t *fanoutTransport) List(ctx context.Context, ns, since string) (*sync.ListResult, error) {
	merged := &sync.ListResult{}

	for _, p := range t.peers {
		res, err := p.List(ctx, ns, since)
		if err != nil {
			return nil, err
		}

		merged.Items = append(merged.Items, res.Items...)
		if res.NextSince != "" && (merged.NextSince == "" || trust.NewerThan(res.NextSince, merged.NextSince)) {
			merged.NextSince = res.NextSince
		}
	}

	return merged, nil
}
