package sync

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"TrustMesh/internal/storage"
	"TrustMesh/internal/trust"
)

// fakeTransport replays canned list pages and records every call.
type fakeTransport struct {
	pages     []*ListResult
	pushErrs  []error
	listErrs  []error
	pushed    [][]Item
	callOrder []string
}

func (f *fakeTransport) List(_ context.Context, _, _ string) (*ListResult, error) {
	f.callOrder = append(f.callOrder, "list")

	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(f.pages) == 0 {
		return &ListResult{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]

	return page, nil
}

func (f *fakeTransport) Push(_ context.Context, _ string, items []Item) error {
	f.callOrder = append(f.callOrder, "push")

	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		if err != nil {
			return err
		}
	}

	f.pushed = append(f.pushed, items)

	return nil
}

func newTestSyncer(t *testing.T, transport Transport) *Syncer {
	t.Helper()

	return NewSyncer(storage.NewMemory(), transport, nil)
}

func stamp(t time.Time) string {
	return trust.Timestamp(t)
}

func TestPutThenGet(t *testing.T) {
	s := newTestSyncer(t, &fakeTransport{})

	if err := s.Put("ns", "color", []byte("blue")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("ns", "color")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "blue" {
		t.Errorf("value = %q, want blue", got)
	}
}

func TestSyncPushesThenPulls(t *testing.T) {
	remote := time.Now().Add(-time.Minute)
	ft := &fakeTransport{
		pages: []*ListResult{{
			Items:     []Item{{Key: "remote-key", Value: []byte("v"), UpdatedAt: stamp(remote)}},
			NextSince: stamp(remote),
		}},
	}
	s := newTestSyncer(t, ft)

	if err := s.Put("ns", "local-key", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := s.Sync(context.Background(), "ns")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Pushed != 1 || res.Pulled != 1 {
		t.Errorf("result = %+v, want pushed:1 pulled:1", res)
	}

	if len(ft.callOrder) < 2 || ft.callOrder[0] != "push" {
		t.Errorf("call order = %v, want push before list", ft.callOrder)
	}

	got, err := s.Get("ns", "remote-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("pulled value = %q, want v", got)
	}

	last, err := s.LastSyncAt("ns")
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if last == "" {
		t.Error("last sync marker not set after a full round")
	}
}

func TestQueueDrainedOnlyOnSuccess(t *testing.T) {
	ft := &fakeTransport{pushErrs: []error{errors.New("boom")}}
	s := newTestSyncer(t, ft)

	if err := s.Put("ns", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := s.Sync(context.Background(), "ns"); err == nil {
		t.Fatal("Sync succeeded despite push failure")
	}

	last, err := s.LastSyncAt("ns")
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if last != "" {
		t.Error("last sync marker advanced after a failed round")
	}

	// The item survives for the next round.
	res, err := s.Sync(context.Background(), "ns")
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want the queued item redelivered", res.Pushed)
	}
}

func TestQueueDedupsIdenticalPayloads(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSyncer(t, ft)

	for i := 0; i < 3; i++ {
		if err := s.Put("ns", "k", []byte("same")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Put("ns", "k", []byte("different")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := s.Sync(context.Background(), "ns")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Pushed != 2 {
		t.Errorf("pushed = %d, want 2 (identical rewrites collapsed)", res.Pushed)
	}
}

func TestApplyRemoteLastWriterWins(t *testing.T) {
	store := storage.NewMemory()
	t0 := time.Now()

	base := Item{Key: "k", Value: []byte("old"), UpdatedAt: stamp(t0)}
	if _, err := ApplyRemote(store, "ns", []Item{base}); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	cases := []struct {
		name  string
		item  Item
		want  string
		count int
	}{
		{"older loses", Item{Key: "k", Value: []byte("stale"), UpdatedAt: stamp(t0.Add(-time.Hour))}, "old", 0},
		{"tie loses", Item{Key: "k", Value: []byte("tied"), UpdatedAt: stamp(t0)}, "old", 0},
		{"newer wins", Item{Key: "k", Value: []byte("new"), UpdatedAt: stamp(t0.Add(time.Hour))}, "new", 1},
	}

	for _, c := range cases {
		n, err := ApplyRemote(store, "ns", []Item{c.item})
		if err != nil {
			t.Fatalf("%s: ApplyRemote failed: %v", c.name, err)
		}
		if n != c.count {
			t.Errorf("%s: applied %d, want %d", c.name, n, c.count)
		}

		got, err := store.Get(dataKey("ns", "k"))
		if err != nil {
			t.Fatalf("%s: Get failed: %v", c.name, err)
		}
		if string(got) != c.want {
			t.Errorf("%s: value = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	store := storage.NewMemory()
	items := []Item{{Key: "k", Value: []byte("v"), UpdatedAt: stamp(time.Now())}}

	n, err := ApplyRemote(store, "ns", items)
	if err != nil || n != 1 {
		t.Fatalf("first apply: n=%d err=%v, want 1", n, err)
	}

	// The applied write adopted the remote timestamp, so the same page is
	// a strict no-op on replay.
	n, err = ApplyRemote(store, "ns", items)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if n != 0 {
		t.Errorf("replay applied %d items, want 0", n)
	}
}

func TestApplyRemoteStampsUnreplicatedLocals(t *testing.T) {
	store := storage.NewMemory()

	// A value written before replication existed: data without metadata.
	if err := store.Set(dataKey("ns", "k"), []byte("local")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Identical bytes: metadata gets stamped, value untouched.
	n, err := ApplyRemote(store, "ns", []Item{{Key: "k", Value: []byte("local"), UpdatedAt: stamp(time.Now())}})
	if err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if n != 0 {
		t.Errorf("identical migration applied %d, want 0", n)
	}
	meta, err := loadMeta(store, "ns", "k")
	if err != nil || meta == nil {
		t.Fatalf("metadata not stamped: meta=%v err=%v", meta, err)
	}

	// Differing bytes on another unreplicated key: remote lands.
	if err := store.Set(dataKey("ns", "k2"), []byte("local")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	n, err = ApplyRemote(store, "ns", []Item{{Key: "k2", Value: []byte("remote"), UpdatedAt: stamp(time.Now())}})
	if err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if n != 1 {
		t.Errorf("differing migration applied %d, want 1", n)
	}

	got, err := store.Get(dataKey("ns", "k2"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("remote")) {
		t.Errorf("value = %q, want remote", got)
	}
}

func TestMigrationStampUsesInjectedClock(t *testing.T) {
	store := storage.NewMemory()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Set(dataKey("ns", "k"), []byte("local")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	remote := Item{Key: "k", Value: []byte("local"), UpdatedAt: stamp(fixed.Add(-time.Hour))}
	if _, err := applyRemoteAt(store, "ns", []Item{remote}, func() time.Time { return fixed }); err != nil {
		t.Fatalf("applyRemoteAt failed: %v", err)
	}

	meta, err := loadMeta(store, "ns", "k")
	if err != nil || meta == nil {
		t.Fatalf("metadata not stamped: meta=%v err=%v", meta, err)
	}
	if meta.UpdatedAt != stamp(fixed) {
		t.Errorf("stamp = %q, want %q", meta.UpdatedAt, stamp(fixed))
	}

	// The fresh local stamp now outranks the older remote write.
	remote.Value = []byte("remote")
	n, err := applyRemoteAt(store, "ns", []Item{remote}, func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("applyRemoteAt failed: %v", err)
	}
	if n != 0 {
		t.Errorf("older remote applied %d, want 0", n)
	}
}

func TestListSinceFiltersStrictly(t *testing.T) {
	store := storage.NewMemory()
	t0 := time.Now()

	pairs := []Item{
		{Key: "a", Value: []byte("1"), UpdatedAt: stamp(t0)},
		{Key: "b", Value: []byte("2"), UpdatedAt: stamp(t0.Add(time.Minute))},
	}
	if _, err := ApplyRemote(store, "ns", pairs); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res, err := ListSince(store, "ns", "")
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("unfiltered list has %d items, want 2", len(res.Items))
	}
	if res.NextSince != stamp(t0.Add(time.Minute)) {
		t.Errorf("NextSince = %s, want the newest timestamp", res.NextSince)
	}

	// Items at exactly the cursor are excluded.
	res, err = ListSince(store, "ns", stamp(t0))
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Key != "b" {
		t.Errorf("filtered items = %+v, want only b", res.Items)
	}
}

func TestRateLimitedPushRetriesOnce(t *testing.T) {
	ft := &fakeTransport{pushErrs: []error{ErrRateLimited}}
	s := newTestSyncer(t, ft)

	if err := s.Put("ns", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := s.Sync(context.Background(), "ns")
	if err != nil {
		t.Fatalf("Sync failed after backoff: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", res.Pushed)
	}
}

func TestRateLimitedTwiceSurfaces(t *testing.T) {
	ft := &fakeTransport{pushErrs: []error{ErrRateLimited, ErrRateLimited}}
	s := newTestSyncer(t, ft)

	if err := s.Put("ns", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := s.Sync(context.Background(), "ns")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Sync error = %v, want %v", err, ErrRateLimited)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	if backoffDelay(1) <= backoffDelay(0) {
		t.Error("delay does not grow")
	}
	if backoffDelay(30) != backoffMax {
		t.Errorf("delay = %v, want capped at %v", backoffDelay(30), backoffMax)
	}
}
