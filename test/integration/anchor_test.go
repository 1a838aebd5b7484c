package integration

import (
	"context"
	"strings"
	"testing"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/policy"
)

// TestAnchorPackFederation publishes a pack on one node and pulls it
// from another over HTTP, then replays the round to check the cursor.
func TestAnchorPackFederation(t *testing.T) {
	a := startTestNode(t, "org-a")
	b := startTestNode(t, "org-b")
	trustIssuer(t, b, a)

	if _, err := a.anchors.Publish(testNamespace, a.org, a.signer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	peers := []anchor.Peer{{OrgID: a.org, RefID: a.server.URL}}
	res := b.anchors.RunSync(context.Background(), testNamespace, a.client, peers)
	if !res.OK {
		t.Fatalf("sync round failed: %+v", res.Peers)
	}
	if res.Peers[0].Added != 1 || res.Peers[0].Seq != 1 {
		t.Fatalf("unexpected peer result: %+v", res.Peers[0])
	}

	got, err := b.registry.AnchorsForIssuer(testNamespace, a.org)
	if err != nil {
		t.Fatalf("anchors for issuer: %v", err)
	}
	if len(got) != 1 || got[0].KID != a.signer.KID() {
		t.Fatalf("anchor not replicated: %+v", got)
	}

	// Second round: node A has nothing newer, so the pull is a no-op.
	res = b.anchors.RunSync(context.Background(), testNamespace, a.client, peers)
	if !res.OK || res.Peers[0].Added != 0 {
		t.Fatalf("caught-up round should be a clean no-op: %+v", res.Peers[0])
	}
}

// TestAnchorPackUntrustedIssuer checks that a pack from an issuer the
// puller never bootstrapped trust for is rejected.
func TestAnchorPackUntrustedIssuer(t *testing.T) {
	a := startTestNode(t, "org-a")
	b := startTestNode(t, "org-b")

	if _, err := a.anchors.Publish(testNamespace, a.org, a.signer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	peers := []anchor.Peer{{OrgID: a.org, RefID: a.server.URL}}
	res := b.anchors.RunSync(context.Background(), testNamespace, a.client, peers)
	if res.OK {
		t.Fatal("expected sync round to fail")
	}
	if !strings.Contains(res.Peers[0].Error, "untrusted_issuer") {
		t.Fatalf("wrong failure reason: %q", res.Peers[0].Error)
	}

	got, err := b.registry.AnchorsForIssuer(testNamespace, a.org)
	if err != nil {
		t.Fatalf("anchors for issuer: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rejected pack must not mutate the registry: %+v", got)
	}
}

// TestFederationPolicyBlocksPeer denies the pull before any fetch when
// the peer org is not in the namespace allow-list.
func TestFederationPolicyBlocksPeer(t *testing.T) {
	a := startTestNode(t, "org-a")
	b := startTestNode(t, "org-b")
	trustIssuer(t, b, a)

	fp := policy.FederationPolicy{AllowedOrgs: []string{"org-x"}}
	if err := b.policy.ConfigureFederation(testNamespace, fp); err != nil {
		t.Fatalf("configure federation: %v", err)
	}

	if _, err := a.anchors.Publish(testNamespace, a.org, a.signer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	peers := []anchor.Peer{{OrgID: a.org, RefID: a.server.URL}}
	res := b.anchors.RunSync(context.Background(), testNamespace, a.client, peers)
	if res.OK {
		t.Fatal("expected federation policy to deny the pull")
	}
	if res.Peers[0].Error != policy.ReasonOrgNotAllowed {
		t.Fatalf("wrong deny reason: %q", res.Peers[0].Error)
	}
}
