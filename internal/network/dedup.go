package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// dedupTTL is how long a notification hash stays in the seen set.
	dedupTTL = 30 * time.Second

	// dedupCleanupInterval is the interval between cleanup runs.
	dedupCleanupInterval = 5 * time.Second
)

// dedup filters repeated notifications. Change notices fan out between
// peers, so the same payload can arrive over several connections.
type dedup struct {
	seen map[[32]byte]int64 // seen maps payload hash to unix nanos
	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func newDedup() *dedup {
	d := &dedup{
		seen: make(map[[32]byte]int64),
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// check reports whether the payload is new and records it when it is.
func (d *dedup) check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now-ts < int64(dedupTTL) {
		return false
	}

	d.seen[hash] = now

	return true
}

func (d *dedup) close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *dedup) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixNano()
			d.mu.Lock()
			for hash, ts := range d.seen {
				if now-ts >= int64(dedupTTL) {
					delete(d.seen, hash)
				}
			}
			d.mu.Unlock()
		case <-d.stop:
			return
		}
	}
}
