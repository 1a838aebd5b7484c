package trust

import (
	"testing"
	"time"

	"TrustMesh/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(storage.NewMemory())
}

func testAnchor(org, kid, status string) Anchor {
	now := Timestamp(time.Now())
	return Anchor{
		OrgID:     org,
		KID:       kid,
		PubKey:    "cHVibGljLWtleQ",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAddAndListAnchors(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddAnchor("ns", testAnchor("org-b", "k1", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}
	if err := r.AddAnchor("ns", testAnchor("org-a", "k2", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}
	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}

	anchors, err := r.ListAnchors("ns")
	if err != nil {
		t.Fatalf("ListAnchors failed: %v", err)
	}

	if len(anchors) != 3 {
		t.Fatalf("got %d anchors, want 3", len(anchors))
	}

	// Ordered by (orgId, kid).
	wantOrder := []struct{ org, kid string }{
		{"org-a", "k1"}, {"org-a", "k2"}, {"org-b", "k1"},
	}
	for i, w := range wantOrder {
		if anchors[i].OrgID != w.org || anchors[i].KID != w.kid {
			t.Errorf("anchors[%d] = (%s,%s), want (%s,%s)",
				i, anchors[i].OrgID, anchors[i].KID, w.org, w.kid)
		}
	}
}

func TestDuplicateAnchorRejected(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}

	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusActive)); err == nil {
		t.Error("duplicate (org, kid) accepted")
	}
}

func TestRevocationTransitionAllowed(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}

	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusRevoked)); err != nil {
		t.Fatalf("ACTIVE to REVOKED transition rejected: %v", err)
	}

	anchors, err := r.AnchorsForIssuer("ns", "org-a")
	if err != nil {
		t.Fatalf("AnchorsForIssuer failed: %v", err)
	}
	if len(anchors) != 1 || anchors[0].Status != StatusRevoked {
		t.Errorf("anchor not revoked: %+v", anchors)
	}

	// Revoked anchors are never re-activated.
	if err := r.AddAnchor("ns", testAnchor("org-a", "k1", StatusActive)); err == nil {
		t.Error("REVOKED to ACTIVE transition accepted")
	}
}

func TestFindActiveAnchor(t *testing.T) {
	r := newTestRegistry(t)

	active := testAnchor("org-a", "k1", StatusActive)
	revoked := testAnchor("org-a", "k2", StatusRevoked)
	revoked.PubKey = "cmV2b2tlZA"

	if err := r.AddAnchor("ns", active); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}
	if err := r.AddAnchor("ns", revoked); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}

	found, err := r.FindActiveAnchor("ns", "org-a", "k1", "")
	if err != nil {
		t.Fatalf("FindActiveAnchor failed: %v", err)
	}
	if found == nil || found.KID != "k1" {
		t.Errorf("lookup by kid = %+v, want k1", found)
	}

	// Revoked keys never match.
	found, err = r.FindActiveAnchor("ns", "org-a", "k2", "")
	if err != nil {
		t.Fatalf("FindActiveAnchor failed: %v", err)
	}
	if found != nil {
		t.Errorf("revoked anchor returned: %+v", found)
	}

	// Fallback lookup by public key.
	found, err = r.FindActiveAnchor("ns", "org-a", "", active.PubKey)
	if err != nil {
		t.Fatalf("FindActiveAnchor failed: %v", err)
	}
	if found == nil || found.KID != "k1" {
		t.Errorf("lookup by pubKey = %+v, want k1", found)
	}
}

func TestSignerLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	s := SignerIdentity{KID: "kid-1", PubKey: "cHVi", CreatedAt: Timestamp(time.Now())}
	if err := r.AddSigner("ns", s); err != nil {
		t.Fatalf("AddSigner failed: %v", err)
	}

	// Identities are immutable.
	if err := r.AddSigner("ns", s); err == nil {
		t.Error("re-registering signer accepted")
	}

	found, err := r.FindSigner("ns", "kid-1")
	if err != nil {
		t.Fatalf("FindSigner failed: %v", err)
	}
	if found == nil || found.PubKey != "cHVi" {
		t.Errorf("FindSigner = %+v", found)
	}

	signers, err := r.ListSigners("ns")
	if err != nil {
		t.Fatalf("ListSigners failed: %v", err)
	}
	if len(signers) != 1 {
		t.Fatalf("got %d signers, want 1", len(signers))
	}

	if err := r.RemoveSigner("ns", "kid-1"); err != nil {
		t.Fatalf("RemoveSigner failed: %v", err)
	}

	found, err = r.FindSigner("ns", "kid-1")
	if err != nil {
		t.Fatalf("FindSigner failed: %v", err)
	}
	if found != nil {
		t.Errorf("signer still present after removal: %+v", found)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddAnchor("ns1", testAnchor("org-a", "k1", StatusActive)); err != nil {
		t.Fatalf("AddAnchor failed: %v", err)
	}

	anchors, err := r.ListAnchors("ns2")
	if err != nil {
		t.Fatalf("ListAnchors failed: %v", err)
	}
	if len(anchors) != 0 {
		t.Errorf("ns2 sees %d anchors from ns1", len(anchors))
	}
}

func TestNewerThan(t *testing.T) {
	t1 := "2026-01-02T10:00:00Z"
	t2 := "2026-01-02T10:00:01Z"

	if !NewerThan(t2, t1) {
		t.Error("t2 should be newer than t1")
	}
	if NewerThan(t1, t2) {
		t.Error("t1 should not be newer than t2")
	}
	if NewerThan(t1, t1) {
		t.Error("equal timestamps must not compare as newer")
	}
	if NewerThan("garbage", t1) {
		t.Error("unparsable timestamp must not win")
	}
}
