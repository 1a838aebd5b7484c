package sync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// pushBatchSize caps how many items one Transport.Push call carries.
const pushBatchSize = 100

// enqueue persists an item on the push queue. A payload identical to one
// already queued is dropped, so rapid rewrites of the same value do not pile
// up duplicate uploads.
func (s *Syncer) enqueue(ns string, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queued item:\n%w", err)
	}

	digest := itemDigest(item)
	seen, err := s.store.Get(digestKey(ns, digest))
	if err != nil {
		return fmt.Errorf("check queue digest:\n%w", err)
	}
	if seen != nil {
		return nil
	}

	seq, err := s.nextQueueSeq(ns)
	if err != nil {
		return err
	}

	if err := s.store.Set(queueKey(ns, seq), raw); err != nil {
		return fmt.Errorf("persist queued item:\n%w", err)
	}
	if err := s.store.Set(digestKey(ns, digest), []byte(formatSeq(seq))); err != nil {
		return fmt.Errorf("persist queue digest:\n%w", err)
	}

	return nil
}

// push drains the queue in batches. Delivery is at-least-once: entries only
// leave the queue after the remote accepted the batch.
func (s *Syncer) push(ctx context.Context, ns string) (int, error) {
	s.telemetry.OnSyncStart(ns, "push")

	pushed, err := s.drainQueue(ctx, ns)
	s.telemetry.OnSyncEnd(ns, "push", pushed, err)
	if err != nil {
		s.telemetry.OnError(ns, "push", err)
	}

	return pushed, err
}

func (s *Syncer) drainQueue(ctx context.Context, ns string) (int, error) {
	keys, err := s.store.List(queuePrefix(ns))
	if err != nil {
		return 0, fmt.Errorf("list push queue:\n%w", err)
	}

	total := 0
	for start := 0; start < len(keys); start += pushBatchSize {
		end := min(start+pushBatchSize, len(keys))
		batch := keys[start:end]

		items := make([]Item, 0, len(batch))
		for _, key := range batch {
			raw, err := s.store.Get(key)
			if err != nil {
				return total, fmt.Errorf("load queued item:\n%w", err)
			}
			if raw == nil {
				continue
			}

			var item Item
			if err := json.Unmarshal(raw, &item); err != nil {
				return total, fmt.Errorf("decode queued item:\n%w", err)
			}
			items = append(items, item)
		}

		if err := s.pushWithBackoff(ctx, ns, items); err != nil {
			return total, err
		}

		for _, item := range items {
			_ = s.store.Delete(digestKey(ns, itemDigest(item)))
		}
		for _, key := range batch {
			if err := s.store.Delete(key); err != nil {
				return total, fmt.Errorf("dequeue pushed item:\n%w", err)
			}
		}
		total += len(items)
	}

	return total, nil
}

func (s *Syncer) pushWithBackoff(ctx context.Context, ns string, items []Item) error {
	err := s.transport.Push(ctx, ns, items)
	if !errors.Is(err, ErrRateLimited) {
		return err
	}

	if waitErr := sleep(ctx, backoffDelay(0)); waitErr != nil {
		return waitErr
	}

	if retryErr := s.transport.Push(ctx, ns, items); retryErr != nil {
		return err
	}

	return nil
}

func (s *Syncer) nextQueueSeq(ns string) (uint64, error) {
	raw, err := s.store.Get(queueSeqKey(ns))
	if err != nil {
		return 0, fmt.Errorf("load queue counter:\n%w", err)
	}

	var seq uint64 = 1
	if raw != nil {
		last, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode queue counter:\n%w", err)
		}
		seq = last + 1
	}

	if err := s.store.Set(queueSeqKey(ns), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, fmt.Errorf("persist queue counter:\n%w", err)
	}

	return seq, nil
}

// itemDigest fingerprints the key and value only; the timestamp is excluded
// so re-queuing an unchanged value collapses into the pending upload.
func itemDigest(item Item) string {
	h := blake3.New()
	h.Write([]byte(item.Key))
	h.Write([]byte{0})
	h.Write(item.Value)

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// formatSeq zero-pads so lexicographic key order matches numeric order.
func formatSeq(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func queuePrefix(ns string) string {
	return "queue:" + ns + ":"
}

func queueKey(ns string, seq uint64) string {
	return queuePrefix(ns) + formatSeq(seq)
}

func queueSeqKey(ns string) string {
	return "queueseq:" + ns
}

func digestKey(ns, digest string) string {
	return "qhash:" + ns + ":" + digest
}
