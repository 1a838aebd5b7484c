package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Store is the narrow key/value contract every engine component depends on.
// Get returns nil for missing keys. List returns matching keys in sorted order.
// Implementations must not assume callers hold any locks; the store itself is
// the only serialization point shared between components.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]string, error)
}

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   string // Key is the key to store
	Value []byte // Value is the value to store
}

// BatchWriter is implemented by stores that can apply several writes at once.
type BatchWriter interface {
	SetBatch(pairs []KeyValue) error
}

// Pebble provides a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Pebble struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// Open creates a new Pebble store at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func Open(path string) (*Pebble, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Pebble{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Pebble) Get(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
// The write is buffered and synced periodically by the background goroutine.
func (s *Pebble) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Pebble) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

// List returns all keys starting with prefix, in sorted order.
func (s *Pebble) List(prefix string) ([]string, error) {
	lower := []byte(prefix)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}

	return keys, iter.Error()
}

// SetBatch stores multiple key-value pairs in a single atomic batch.
func (s *Pebble) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set([]byte(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// Close flushes pending writes and closes the database.
func (s *Pebble) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background WAL sync goroutine.
func (s *Pebble) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.db.LogData(nil, pebble.Sync)
			case <-s.stopSync:
				return
			}
		}
	}()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if the prefix is all 0xff bytes.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}

	return nil
}
