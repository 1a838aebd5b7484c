package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/merkle"
	"TrustMesh/internal/policy"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/snapshot"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/sync"
	"TrustMesh/internal/trust"
)

// mockStatus provides fixed node state.
type mockStatus struct {
	org string
}

func (m *mockStatus) OrgID() string                      { return m.org }
func (m *mockStatus) Namespaces() []string               { return []string{"ns"} }
func (m *mockStatus) LastSyncAt(string) (string, error)  { return "", nil }

func newTestServer(t *testing.T) (*Server, storage.Store, *anchor.Engine) {
	t.Helper()

	store := storage.NewMemory()
	anchors := anchor.NewEngine(store, trust.NewRegistry(store), merkle.New(store), nil)
	server := New(":0", store, anchors, &mockStatus{org: "org-a"}, nil)

	return server, store, anchors
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()

	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["org"] != "org-a" {
		t.Errorf("expected org-a, got %v", resp["org"])
	}
}

func TestPushThenListItems(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	payload := map[string]any{
		"items": []sync.Item{{
			Key:       "color",
			Value:     []byte("blue"),
			UpdatedAt: trust.Timestamp(time.Now()),
		}},
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest("POST", "/v1/ns/push", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("push: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var pushResp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &pushResp); err != nil {
		t.Fatalf("failed to parse push response: %v", err)
	}
	if pushResp["applied"] != 1 {
		t.Errorf("expected 1 applied, got %d", pushResp["applied"])
	}

	req = httptest.NewRequest("GET", "/v1/ns/items", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("list: expected status 200, got %d", w.Code)
	}

	var list sync.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse list response: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Key != "color" {
		t.Errorf("expected the pushed item back, got %+v", list.Items)
	}
	if list.NextSince == "" {
		t.Error("expected a continuation cursor")
	}
}

func TestListItemsSinceFilter(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	old := trust.Timestamp(time.Now().Add(-time.Hour))
	fresh := trust.Timestamp(time.Now())
	_, err := sync.ApplyRemote(store, "ns", []sync.Item{
		{Key: "old", Value: []byte("1"), UpdatedAt: old},
		{Key: "fresh", Value: []byte("2"), UpdatedAt: fresh},
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/ns/items?since="+old, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var list sync.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse list response: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Key != "fresh" {
		t.Errorf("expected only the fresh item, got %+v", list.Items)
	}
}

func TestFetchPackEndpoint(t *testing.T) {
	server, store, anchors := newTestServer(t)
	handler := server.Handler()

	// Nothing published yet.
	req := httptest.NewRequest("GET", "/v1/ns/packs/org-a", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before publish, got %d", w.Code)
	}

	signer, err := signing.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	reg := trust.NewRegistry(store)
	err = reg.AddSigner("ns", trust.SignerIdentity{
		KID:       signer.KID(),
		PubKey:    signing.EncodeKey(signer.PublicKey()),
		Alg:       signer.Algorithm(),
		CreatedAt: trust.Timestamp(time.Now()),
	})
	if err != nil {
		t.Fatalf("AddSigner failed: %v", err)
	}

	published, err := anchors.Publish("ns", "org-a", signer)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	req = httptest.NewRequest("GET", "/v1/ns/packs/org-a", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Pack      *anchor.Pack `json:"pack"`
		NextSince string       `json:"nextSince"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse pack response: %v", err)
	}
	if resp.Pack == nil || resp.Pack.Seq != published.Seq {
		t.Errorf("expected published pack, got %+v", resp.Pack)
	}

	// A caught-up cursor yields 204.
	req = httptest.NewRequest("GET", "/v1/ns/packs/org-a?since="+resp.NextSince, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a caught-up cursor, got %d", w.Code)
	}

	// Another org's packs are not served here.
	req = httptest.NewRequest("GET", "/v1/ns/packs/org-z", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a foreign org, got %d", w.Code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	_, err := sync.ApplyRemote(store, "ns", []sync.Item{
		{Key: "k", Value: []byte("v"), UpdatedAt: trust.Timestamp(time.Now())},
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/ns/snapshot", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	target := storage.NewMemory()
	ns, err := snapshot.Import(target, w.Body.Bytes())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if ns != "ns" {
		t.Errorf("imported namespace = %s, want ns", ns)
	}

	got, err := target.Get("data:ns:k")
	if err != nil || string(got) != "v" {
		t.Errorf("imported value = %q err=%v, want v", got, err)
	}
}

func TestInvalidNamespaceRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/v1/bad%2Fns/items", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPushPolicyGate(t *testing.T) {
	server, store, _ := newTestServer(t)

	engine := policy.NewEngine(store, nil)
	rs := policy.RuleSet{Version: 1, Rules: []policy.Rule{
		{Ops: []string{"data.push"}, Effect: policy.EffectDeny},
	}}
	if err := engine.SaveRules("ns", rs); err != nil {
		t.Fatalf("save rules: %v", err)
	}
	server.SetPolicy(engine, policy.Options{})

	handler := server.Handler()
	payload := map[string]any{
		"items": []sync.Item{{
			Key:       "color",
			Value:     []byte("blue"),
			UpdatedAt: trust.Timestamp(time.Now()),
		}},
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest("POST", "/v1/ns/push", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("denied push: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	if got, err := store.Get("data:ns:color"); err != nil || got != nil {
		t.Fatalf("denied push must not write: value=%q err=%v", got, err)
	}

	// Observe mode logs the deny but lets the push through.
	server.SetPolicy(engine, policy.Options{ObserveMode: true})

	req = httptest.NewRequest("POST", "/v1/ns/push", bytes.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("observed push: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got, err := store.Get("data:ns:color"); err != nil || got == nil {
		t.Fatalf("observed push must apply: value=%q err=%v", got, err)
	}
}

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"ns":           true,
		"org-a.prod_1": true,
		"":             false,
		"a b":          false,
		"a/b":          false,
	}

	for name, want := range cases {
		if validName(name) != want {
			t.Errorf("validName(%q) = %v, want %v", name, !want, want)
		}
	}
}
