package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TrustMesh/client"
	"TrustMesh/internal/anchor"
	"TrustMesh/internal/api"
	"TrustMesh/internal/audit"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/merkle"
	"TrustMesh/internal/metrics"
	"TrustMesh/internal/network"
	"TrustMesh/internal/policy"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/snapshot"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

// Node represents a running TrustMesh node.
type Node struct {
	cfg       *Config
	storage   *storage.Pebble
	registry  *trust.Registry
	history   *merkle.Accumulator
	policy    *policy.Engine
	anchors   *anchor.Engine
	telemetry *metrics.Telemetry
	signer    signing.Signer
	syncer    *sync.Syncer
	fetcher   *peerFetcher
	peers     []anchor.Peer
	api       *api.Server
	network   *network.Node
	kick      chan struct{}
	done      chan struct{}
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, kick: make(chan struct{}, 1), done: make(chan struct{})}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initSigner(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initEngines(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPeers(); err != nil {
		n.Close()
		return nil, err
	}

	if cfg.QUICAddress != "" {
		if err := n.initNetwork(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initSigner wraps the node key as the local pack signer.
func (n *Node) initSigner() error {
	signer, err := signing.NewEd25519Signer(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("init signer:\n%w", err)
	}

	n.signer = signer

	return nil
}

// initEngines wires the registry, history, policy and anchor engines on
// top of the shared store.
func (n *Node) initEngines() error {
	n.registry = trust.NewRegistry(n.storage)
	n.history = merkle.New(n.storage)
	n.policy = policy.NewEngine(n.storage, audit.NewSlog())
	n.anchors = anchor.NewEngine(n.storage, n.registry, n.history, n.policy)
	n.telemetry = metrics.NewTelemetry()

	for ns, fp := range n.cfg.Federation {
		if err := n.policy.ConfigureFederation(ns, fp); err != nil {
			return fmt.Errorf("configure federation for %s:\n%w", ns, err)
		}
	}

	return nil
}

// initPeers builds the HTTP clients for the configured peers and the
// syncer that fans writes out to them.
func (n *Node) initPeers() error {
	n.fetcher = &peerFetcher{clients: make(map[string]*client.Client)}

	transport := &fanoutTransport{}
	for _, p := range n.cfg.Peers {
		if p.Org == "" || p.URL == "" {
			return fmt.Errorf("peer entry needs both org and url: %+v", p)
		}

		c := client.NewClient(p.URL)
		n.fetcher.clients[p.Org] = c
		transport.peers = append(transport.peers, c)
		n.peers = append(n.peers, anchor.Peer{OrgID: p.Org, RefID: p.URL})
	}

	n.syncer = sync.NewSyncer(n.storage, transport, n.telemetry)

	return nil
}

// initNetwork initializes the QUIC peer endpoint.
func (n *Node) initNetwork() error {
	service := network.NewService(n.storage, n.anchors, n.cfg.Org)

	node, err := network.NewNode(n.cfg.PrivateKey, n.cfg.QUICAddress, service)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// Run registers the local signer, publishes the initial anchor packs,
// starts the servers and drives the periodic sync loop until shutdown.
func (n *Node) Run() error {
	if n.cfg.BootstrapAddr != "" {
		if err := n.bootstrap(); err != nil {
			return fmt.Errorf("bootstrap from %s:\n%w", n.cfg.BootstrapAddr, err)
		}
	}

	if err := n.registerIdentity(); err != nil {
		return err
	}

	if n.network != nil {
		n.network.OnNotify(n.handleNotify)

		if err := n.network.Start(); err != nil {
			return fmt.Errorf("start network:\n%w", err)
		}

		for _, addr := range n.cfg.QUICPeers {
			go n.connectPeer(addr)
		}
	}

	n.api = api.New(n.cfg.HTTPAddress, n.storage, n.anchors, n, n.telemetry.Handler())
	n.api.SetPolicy(n.policy, policy.Options{ObserveMode: n.cfg.ObserveMode})
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	go n.syncLoop()

	return n.waitForShutdown()
}

// bootstrap imports every namespace snapshot from the configured peer so
// a fresh node starts from replicated state instead of an empty store.
func (n *Node) bootstrap() error {
	c := client.NewClient(n.cfg.BootstrapAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, ns := range n.cfg.Namespaces {
		raw, err := c.Snapshot(ctx, ns)
		if err != nil {
			return fmt.Errorf("fetch snapshot for %s:\n%w", ns, err)
		}

		imported, err := snapshot.Import(n.storage, raw)
		if err != nil {
			return fmt.Errorf("import snapshot for %s:\n%w", ns, err)
		}

		logger.Info("imported namespace snapshot", logger.Namespace(imported), "bytes", len(raw))
	}

	return nil
}

// registerIdentity records the node signer in every namespace and
// publishes a fresh anchor pack for each.
func (n *Node) registerIdentity() error {
	identity := trust.SignerIdentity{
		KID:       n.signer.KID(),
		PubKey:    signing.EncodeKey(n.signer.PublicKey()),
		Alg:       n.signer.Algorithm(),
		CreatedAt: trust.Timestamp(time.Now()),
	}

	for _, ns := range n.cfg.Namespaces {
		existing, err := n.registry.FindSigner(ns, identity.KID)
		if err != nil {
			return fmt.Errorf("lookup signer in %s:\n%w", ns, err)
		}

		if existing == nil {
			if err := n.registry.AddSigner(ns, identity); err != nil {
				return fmt.Errorf("register signer in %s:\n%w", ns, err)
			}
		}

		pack, err := n.anchors.Publish(ns, n.cfg.Org, n.signer)
		if err != nil {
			return fmt.Errorf("publish pack for %s:\n%w", ns, err)
		}

		logger.Info("published anchor pack", logger.Namespace(ns), "seq", pack.Seq, "anchors", len(pack.Anchors))
	}

	return nil
}

// syncLoop runs one sync round per interval until shutdown.
func (n *Node) syncLoop() {
	interval := time.Duration(n.cfg.SyncIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.syncRound()
		case <-n.kick:
			n.syncRound()
		}
	}
}

// connectPeer dials a QUIC peer with retries; the target's listener might
// not be up yet. On success the local packs are announced to it.
func (n *Node) connectPeer(addr string) {
	maxRetries := 5
	retryDelay := 2 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		peer, err := n.network.Connect(addr)
		if err == nil {
			logger.Info("connected to peer", "addr", peer.Address(), "kid", peer.KID())
			n.announcePacks()
			return
		}

		if attempt < maxRetries-1 {
			logger.Debug("retrying peer connection", "addr", addr, "attempt", attempt+1, "error", err)
			time.Sleep(retryDelay)
		} else {
			logger.Warn("failed to connect to peer after retries", "addr", addr, "attempts", maxRetries)
		}
	}
}

// announcePacks gossips a pack notification per namespace so connected
// peers pull the fresh pack without waiting for their next tick.
func (n *Node) announcePacks() {
	for _, ns := range n.cfg.Namespaces {
		n.network.Notify(network.Envelope{NS: ns, Org: n.cfg.Org})
	}
}

// handleNotify schedules a sync round when a peer announces a new pack.
func (n *Node) handleNotify(peer *network.Peer, env network.Envelope) {
	if env.Type != network.TypeNotify || env.Org == n.cfg.Org {
		return
	}

	logger.Debug("pack announced", logger.Namespace(env.NS), "org", env.Org, "from", peer.KID())

	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// syncRound pulls anchor packs from every peer and then syncs the
// replicated data, one namespace at a time.
func (n *Node) syncRound() {
	if len(n.peers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, ns := range n.cfg.Namespaces {
		res := n.anchors.RunSync(ctx, ns, n.fetcher, n.peers)
		for _, pr := range res.Peers {
			if !pr.OK {
				logger.Warn("anchor sync failed", logger.Namespace(ns), "org", pr.OrgID, "error", pr.Error)
				continue
			}

			if pr.Added+pr.Updated+pr.Revoked > 0 {
				logger.Info("anchor sync applied",
					logger.Namespace(ns),
					"org", pr.OrgID,
					"seq", pr.Seq,
					"added", pr.Added,
					"updated", pr.Updated,
					"revoked", pr.Revoked,
				)
			}
		}

		if _, err := n.syncer.Sync(ctx, ns); err != nil {
			logger.Warn("data sync failed", logger.Namespace(ns), "error", err)
		}
	}
}

// OrgID returns this node's organization id.
func (n *Node) OrgID() string {
	return n.cfg.Org
}

// Namespaces returns the replicated namespaces.
func (n *Node) Namespaces() []string {
	return n.cfg.Namespaces
}

// LastSyncAt returns the completion time of the last successful sync
// round for the namespace.
func (n *Node) LastSyncAt(ns string) (string, error) {
	return n.syncer.LastSyncAt(ns)
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	select {
	case <-n.done:
	default:
		close(n.done)
	}

	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
