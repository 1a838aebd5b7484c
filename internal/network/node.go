package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"TrustMesh/internal/signing"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "trustmesh/1"
)

// NotifyHandler receives deduplicated change notifications from peers.
type NotifyHandler func(peer *Peer, env Envelope)

// Node is a QUIC endpoint that accepts and initiates peer connections.
// Incoming requests are answered by the attached Service; notifications
// fan out to the notify handler after dedup.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey authenticates this node
	kid        string             // kid is derived from the public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig carries the self-signed cert
	quicConfig *quic.Config       // quicConfig tunes idle and keepalive

	service  *Service // service answers peer requests
	listener *quic.Listener

	peers   map[string]*Peer // peers maps key id to peer
	peersMu sync.RWMutex

	dedup    *dedup
	onNotify NotifyHandler
	notifyMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a network node. service answers inbound requests.
func NewNode(privateKey ed25519.PrivateKey, listenAddr string, service *Service) (*Node, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if listenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCert(privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: privateKey,
		kid:        signing.KeyID(privateKey.Public().(ed25519.PublicKey)),
		listenAddr: listenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // peer identity is the ed25519 key, checked after handshake
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		service: service,
		peers:   make(map[string]*Peer),
		dedup:   newDedup(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// KID returns this node's key id.
func (n *Node) KID() string {
	return n.kid
}

// Addr returns the listener's address, empty if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials a remote node.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// OnNotify sets the handler for deduplicated notifications.
func (n *Node) OnNotify(fn NotifyHandler) {
	n.notifyMu.Lock()
	n.onNotify = fn
	n.notifyMu.Unlock()
}

// Notify broadcasts a change notice to every connected peer.
func (n *Node) Notify(env Envelope) {
	env.Type = TypeNotify
	raw := encodeEnvelope(env)

	// Mark our own payload seen so an echo from a peer is dropped.
	n.dedup.check(raw)

	for _, p := range n.Peers() {
		if err := p.send(raw); err != nil {
			continue
		}
	}
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.dedup.close()
	n.wg.Wait()

	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		go func() {
			if _, err := n.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
				conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("identify peer: %w", err)
	}

	peer := &Peer{
		kid:     signing.KeyID(pubKey),
		pubKey:  pubKey,
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	n.peers[peer.kid] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
	}()

	return peer, nil
}

func (n *Node) dropPeer(p *Peer) {
	n.peersMu.Lock()
	delete(n.peers, p.kid)
	n.peersMu.Unlock()
}

func (n *Node) dispatchNotify(p *Peer, raw []byte) {
	if !n.dedup.check(raw) {
		return
	}

	n.notifyMu.RLock()
	fn := n.onNotify
	n.notifyMu.RUnlock()
	if fn == nil {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	fn(p, env)
}
