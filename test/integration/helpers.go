package integration

import (
	"net/http/httptest"
	"testing"
	"time"

	"TrustMesh/client"
	"TrustMesh/internal/anchor"
	"TrustMesh/internal/api"
	"TrustMesh/internal/merkle"
	"TrustMesh/internal/policy"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

// testNamespace is the namespace used by the integration scenarios.
const testNamespace = "it"

// testNode is one in-process node: store, engines, HTTP server and the
// client other nodes use to reach it.
type testNode struct {
	org      string
	store    storage.Store
	registry *trust.Registry
	anchors  *anchor.Engine
	policy   *policy.Engine
	signer   *signing.Ed25519Signer
	syncer   *sync.Syncer
	server   *httptest.Server
	client   *client.Client
}

// OrgID implements api.StatusProvider.
func (n *testNode) OrgID() string { return n.org }

// Namespaces implements api.StatusProvider.
func (n *testNode) Namespaces() []string { return []string{testNamespace} }

// LastSyncAt implements api.StatusProvider.
func (n *testNode) LastSyncAt(ns string) (string, error) {
	if n.syncer == nil {
		return "", nil
	}
	return n.syncer.LastSyncAt(ns)
}

// startTestNode builds a node for org and serves its API over httptest.
// The local signer is registered so the node can publish packs.
func startTestNode(t *testing.T, org string) *testNode {
	t.Helper()

	n := &testNode{org: org, store: storage.NewMemory()}
	n.registry = trust.NewRegistry(n.store)
	n.policy = policy.NewEngine(n.store, nil)
	n.anchors = anchor.NewEngine(n.store, n.registry, merkle.New(n.store), n.policy)

	signer, err := signing.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	n.signer = signer

	identity := trust.SignerIdentity{
		KID:       signer.KID(),
		PubKey:    signing.EncodeKey(signer.PublicKey()),
		Alg:       signer.Algorithm(),
		CreatedAt: trust.Timestamp(time.Now()),
	}
	if err := n.registry.AddSigner(testNamespace, identity); err != nil {
		t.Fatalf("register signer: %v", err)
	}

	srv := api.New("", n.store, n.anchors, n, nil)
	n.server = httptest.NewServer(srv.Handler())
	t.Cleanup(n.server.Close)

	n.client = client.NewClient(n.server.URL)

	return n
}

// connect wires n's syncer to pull from and push to remote.
func connect(t *testing.T, n, remote *testNode) {
	t.Helper()
	n.syncer = sync.NewSyncer(n.store, remote.client, nil)
}

// trustIssuer installs remote's signing key as an active anchor in n's
// registry, simulating out-of-band bootstrap trust.
func trustIssuer(t *testing.T, n, remote *testNode) {
	t.Helper()

	a := trust.Anchor{
		OrgID:     remote.org,
		KID:       remote.signer.KID(),
		PubKey:    signing.EncodeKey(remote.signer.PublicKey()),
		Alg:       remote.signer.Algorithm(),
		Status:    "ACTIVE",
		CreatedAt: trust.Timestamp(time.Now()),
		UpdatedAt: trust.Timestamp(time.Now()),
	}
	if err := n.registry.AddAnchor(testNamespace, a); err != nil {
		t.Fatalf("trust issuer: %v", err)
	}
}
