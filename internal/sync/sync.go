// Package sync implements the generic last-writer-wins key/value
// synchronization loop: local writes queue for push, remote changes pull in
// behind a continuation cursor, and per-key timestamps decide every conflict.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TrustMesh/internal/storage"
	"TrustMesh/internal/trust"
)

// ErrRateLimited signals that the remote throttled the request. The sync
// loop backs off and retries once before surfacing it.
var ErrRateLimited = errors.New("rate_limited")

// Item is one replicated key/value record with its conflict timestamp.
type Item struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	UpdatedAt string `json:"updatedAt"` // RFC 3339 UTC
}

// ListResult is a page of remote changes plus the cursor for the next page.
// An empty NextSince means the remote is exhausted.
type ListResult struct {
	Items     []Item `json:"items"`
	NextSince string `json:"nextSince,omitempty"`
}

// Transport moves items to and from one remote node.
type Transport interface {
	// List returns remote items changed since the cursor.
	List(ctx context.Context, ns, since string) (*ListResult, error)

	// Push uploads local items for the remote to merge.
	Push(ctx context.Context, ns string, items []Item) error
}

// Result summarizes one completed sync round.
type Result struct {
	Pushed int `json:"pushed"`
	Pulled int `json:"pulled"`
}

type itemMeta struct {
	UpdatedAt string `json:"updatedAt"`
}

// Syncer drives push-then-pull rounds for namespaces over one transport.
type Syncer struct {
	store     storage.Store
	transport Transport
	telemetry Telemetry

	now func() time.Time
}

// NewSyncer creates a syncer. telemetry may be nil.
func NewSyncer(store storage.Store, transport Transport, telemetry Telemetry) *Syncer {
	if telemetry == nil {
		telemetry = Nop{}
	}

	return &Syncer{
		store:     store,
		transport: transport,
		telemetry: telemetry,
		now:       time.Now,
	}
}

// Put writes a local value, stamps its metadata and queues it for push.
func (s *Syncer) Put(ns, key string, value []byte) error {
	updatedAt := trust.Timestamp(s.now())

	if err := writeLocal(s.store, ns, Item{Key: key, Value: value, UpdatedAt: updatedAt}); err != nil {
		return err
	}

	return s.enqueue(ns, Item{Key: key, Value: value, UpdatedAt: updatedAt})
}

// Get reads a local value, nil when absent.
func (s *Syncer) Get(ns, key string) ([]byte, error) {
	return s.store.Get(dataKey(ns, key))
}

// LastSyncAt returns the completion time of the last fully successful round,
// empty when the namespace has never completed one.
func (s *Syncer) LastSyncAt(ns string) (string, error) {
	raw, err := s.store.Get(lastSyncKey(ns))
	if err != nil {
		return "", fmt.Errorf("load last sync time:\n%w", err)
	}

	return string(raw), nil
}

// Sync runs one push-then-pull round. The last-sync marker only advances
// when both phases succeed, so a half-finished round reruns in full.
func (s *Syncer) Sync(ctx context.Context, ns string) (*Result, error) {
	result := &Result{}

	pushed, err := s.push(ctx, ns)
	result.Pushed = pushed
	if err != nil {
		return result, err
	}

	pulled, err := s.pull(ctx, ns)
	result.Pulled = pulled
	if err != nil {
		return result, err
	}

	if err := s.store.Set(lastSyncKey(ns), []byte(trust.Timestamp(s.now()))); err != nil {
		return result, fmt.Errorf("persist last sync time:\n%w", err)
	}

	return result, nil
}

func (s *Syncer) pull(ctx context.Context, ns string) (int, error) {
	s.telemetry.OnSyncStart(ns, "pull")

	pulled, err := s.pullAll(ctx, ns)
	s.telemetry.OnSyncEnd(ns, "pull", pulled, err)
	if err != nil {
		s.telemetry.OnError(ns, "pull", err)
	}

	return pulled, err
}

func (s *Syncer) pullAll(ctx context.Context, ns string) (int, error) {
	raw, err := s.store.Get(cursorKey(ns))
	if err != nil {
		return 0, fmt.Errorf("load pull cursor:\n%w", err)
	}
	since := string(raw)

	total := 0
	for {
		res, err := s.listWithBackoff(ctx, ns, since)
		if err != nil {
			return total, err
		}

		applied, err := applyRemoteAt(s.store, ns, res.Items, s.now)
		total += applied
		if err != nil {
			return total, err
		}

		if res.NextSince == "" || res.NextSince == since {
			break
		}
		since = res.NextSince

		if err := s.store.Set(cursorKey(ns), []byte(since)); err != nil {
			return total, fmt.Errorf("persist pull cursor:\n%w", err)
		}
	}

	return total, nil
}

func (s *Syncer) listWithBackoff(ctx context.Context, ns, since string) (*ListResult, error) {
	res, err := s.transport.List(ctx, ns, since)
	if !errors.Is(err, ErrRateLimited) {
		return res, err
	}

	if waitErr := sleep(ctx, backoffDelay(0)); waitErr != nil {
		return nil, waitErr
	}

	res, retryErr := s.transport.List(ctx, ns, since)
	if retryErr != nil {
		return nil, err
	}

	return res, nil
}

// ApplyRemote merges remote items into local storage under strict
// last-writer-wins. It is shared by the pull phase and by the server side
// of a push from a peer.
//
// A local value without metadata predates replication: it gets stamped with
// a fresh timestamp and the remote value only lands when the raw bytes
// differ. Applied writes adopt the remote timestamp, so re-applying the
// same page is a no-op.
func ApplyRemote(store storage.Store, ns string, items []Item) (int, error) {
	return applyRemoteAt(store, ns, items, time.Now)
}

func applyRemoteAt(store storage.Store, ns string, items []Item, now func() time.Time) (int, error) {
	applied := 0

	for _, item := range items {
		localVal, err := store.Get(dataKey(ns, item.Key))
		if err != nil {
			return applied, fmt.Errorf("load local value for %s:\n%w", item.Key, err)
		}

		meta, err := loadMeta(store, ns, item.Key)
		if err != nil {
			return applied, err
		}

		switch {
		case localVal == nil:
			// Unknown key, take the remote write.

		case meta == nil:
			stamped := trust.Timestamp(now())
			if bytes.Equal(localVal, item.Value) {
				if err := saveMeta(store, ns, item.Key, stamped); err != nil {
					return applied, err
				}
				continue
			}

		default:
			if !trust.NewerThan(item.UpdatedAt, meta.UpdatedAt) {
				continue
			}
		}

		if err := writeLocal(store, ns, item); err != nil {
			return applied, err
		}
		applied++
	}

	return applied, nil
}

// ListSince returns local items whose timestamp is strictly newer than
// since, plus the cursor for the follow-up call. It backs the server side
// of Transport.List.
func ListSince(store storage.Store, ns, since string) (*ListResult, error) {
	keys, err := store.List(dataPrefix(ns))
	if err != nil {
		return nil, fmt.Errorf("list local values:\n%w", err)
	}

	res := &ListResult{}
	for _, storageKey := range keys {
		key := storageKey[len(dataPrefix(ns)):]

		meta, err := loadMeta(store, ns, key)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			continue
		}
		if since != "" && !trust.NewerThan(meta.UpdatedAt, since) {
			continue
		}

		value, err := store.Get(storageKey)
		if err != nil {
			return nil, fmt.Errorf("load local value for %s:\n%w", key, err)
		}

		res.Items = append(res.Items, Item{Key: key, Value: value, UpdatedAt: meta.UpdatedAt})
		if trust.NewerThan(meta.UpdatedAt, res.NextSince) || res.NextSince == "" {
			res.NextSince = meta.UpdatedAt
		}
	}

	return res, nil
}

func writeLocal(store storage.Store, ns string, item Item) error {
	if err := store.Set(dataKey(ns, item.Key), item.Value); err != nil {
		return fmt.Errorf("persist value for %s:\n%w", item.Key, err)
	}

	return saveMeta(store, ns, item.Key, item.UpdatedAt)
}

func loadMeta(store storage.Store, ns, key string) (*itemMeta, error) {
	raw, err := store.Get(metaKey(ns, key))
	if err != nil {
		return nil, fmt.Errorf("load metadata for %s:\n%w", key, err)
	}
	if raw == nil {
		return nil, nil
	}

	var meta itemMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s:\n%w", key, err)
	}

	return &meta, nil
}

func saveMeta(store storage.Store, ns, key, updatedAt string) error {
	raw, err := json.Marshal(itemMeta{UpdatedAt: updatedAt})
	if err != nil {
		return fmt.Errorf("encode metadata for %s:\n%w", key, err)
	}

	if err := store.Set(metaKey(ns, key), raw); err != nil {
		return fmt.Errorf("persist metadata for %s:\n%w", key, err)
	}

	return nil
}

// Storage key layout.

func dataPrefix(ns string) string {
	return "data:" + ns + ":"
}

func dataKey(ns, key string) string {
	return dataPrefix(ns) + key
}

func metaKey(ns, key string) string {
	return "meta:" + ns + ":" + key
}

func cursorKey(ns string) string {
	return "cursor:" + ns
}

func lastSyncKey(ns string) string {
	return "lastsync:" + ns
}
