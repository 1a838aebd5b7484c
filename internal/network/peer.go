package network

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/sync"
)

const (
	// defaultRequestTimeout bounds request/response exchanges.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is an authenticated connection to a remote node. It satisfies the
// sync Transport and anchor PackFetcher contracts, so a peer connection can
// drive both sync loops directly.
type Peer struct {
	kid     string            // kid identifies the remote key
	pubKey  ed25519.PublicKey // pubKey is the remote node's key
	address string            // address is the remote address
	conn    *quic.Conn
	node    *Node
	closed  atomic.Bool
	mu      gosync.Mutex // mu serializes uni-stream sends
}

// KID returns the remote node's key id.
func (p *Peer) KID() string {
	return p.kid
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// List implements the sync Transport against the remote peer.
func (p *Peer) List(ctx context.Context, ns, since string) (*sync.ListResult, error) {
	resp, err := p.request(ctx, Envelope{Type: TypeList, NS: ns, Since: since})
	if err != nil {
		return nil, err
	}

	return &sync.ListResult{Items: resp.Items, NextSince: resp.NextSince}, nil
}

// Push implements the sync Transport against the remote peer.
func (p *Peer) Push(ctx context.Context, ns string, items []sync.Item) error {
	_, err := p.request(ctx, Envelope{Type: TypePush, NS: ns, Items: items})

	return err
}

// FetchPack implements the anchor PackFetcher against the remote peer.
func (p *Peer) FetchPack(ctx context.Context, ns, orgID, since string) (*anchor.Pack, string, error) {
	resp, err := p.request(ctx, Envelope{Type: TypeFetchPack, NS: ns, Org: orgID, Since: since})
	if err != nil {
		return nil, "", err
	}
	if resp.Pack == nil {
		return nil, since, nil
	}

	return resp.Pack, resp.NextSince, nil
}

// Snapshot fetches a compressed namespace export from the remote peer.
func (p *Peer) Snapshot(ctx context.Context, ns string) ([]byte, error) {
	resp, err := p.request(ctx, Envelope{Type: TypeSnapshot, NS: ns})
	if err != nil {
		return nil, err
	}

	return resp.Snapshot, nil
}

// request runs one envelope exchange over a fresh bidirectional stream.
func (p *Peer) request(ctx context.Context, env Envelope) (*Envelope, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, encodeEnvelope(env)); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	raw, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	var resp Envelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response:\n%w", err)
	}
	if resp.Error != "" {
		if resp.Error == sync.ErrRateLimited.Error() {
			return nil, sync.ErrRateLimited
		}
		return nil, fmt.Errorf("peer error: %s", resp.Error)
	}

	return &resp, nil
}

// send delivers a notification over a unidirectional stream.
func (p *Peer) send(raw []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, raw); err != nil {
		stream.Close()
		return fmt.Errorf("write notification: %w", err)
	}

	return stream.Close()
}

// serve accepts the peer's incoming streams until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	go p.acceptRequests(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			break
		}

		go p.handleNotifyStream(stream)
	}

	if !p.closed.Swap(true) {
		p.node.dropPeer(p)
	}
}

// acceptRequests answers bidirectional request streams.
func (p *Peer) acceptRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleRequestStream(stream)
	}
}

func (p *Peer) handleRequestStream(stream *quic.Stream) {
	defer stream.Close()

	raw, err := readFrame(stream)
	if err != nil {
		return
	}

	if p.node.service == nil {
		writeFrame(stream, encodeEnvelope(Envelope{Error: "no service attached"}))
		return
	}

	writeFrame(stream, p.node.service.HandleRequest(raw))
}

func (p *Peer) handleNotifyStream(stream *quic.ReceiveStream) {
	raw, err := readFrame(stream)
	if err != nil {
		logger.Debug("notification read error", "peer", p.address, "error", err)
		return
	}

	p.node.dispatchNotify(p, raw)
}
