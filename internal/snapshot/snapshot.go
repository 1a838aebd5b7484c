// Package snapshot exports and imports the full replicated state of one
// namespace as a single compressed, checksummed blob. Snapshots bootstrap
// fresh nodes without replaying the remote's history.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"TrustMesh/internal/storage"
)

// Version is the snapshot wire version.
const Version = 1

// ErrChecksumMismatch means the snapshot payload does not hash to its
// embedded checksum.
var ErrChecksumMismatch = errors.New("checksum_mismatch")

// Key families a namespace owns: multi-record families carry a trailing
// separator, single-record keys are looked up exactly.
var (
	namespacePrefixes = []string{
		"anchors:", "signer:", "mleaf:",
		"data:", "meta:", "queue:", "qhash:", "syncstate:",
	}
	namespaceKeys = []string{
		"policy:", "fed:", "mstate:", "cursor:", "lastsync:",
		"queueseq:", "pubseq:", "pubpack:",
	}
)

type entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type file struct {
	Version   int             `json:"version"`
	Namespace string          `json:"namespace"`
	Checksum  string          `json:"checksum"`
	Entries   json.RawMessage `json:"entries"`
}

// Export collects the namespace's records in deterministic key order and
// returns them zstd-compressed with a BLAKE3 checksum over the payload.
func Export(store storage.Store, ns string) ([]byte, error) {
	var entries []entry

	for _, prefix := range namespacePrefixes {
		keys, err := store.List(prefix + ns + ":")
		if err != nil {
			return nil, fmt.Errorf("list %s keys:\n%w", prefix, err)
		}

		for _, key := range keys {
			value, err := store.Get(key)
			if err != nil {
				return nil, fmt.Errorf("load %s:\n%w", key, err)
			}
			if value == nil {
				continue
			}
			entries = append(entries, entry{Key: key, Value: value})
		}
	}

	for _, prefix := range namespaceKeys {
		key := prefix + ns
		value, err := store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("load %s:\n%w", key, err)
		}
		if value == nil {
			continue
		}
		entries = append(entries, entry{Key: key, Value: value})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot entries:\n%w", err)
	}

	raw, err := json.Marshal(file{
		Version:   Version,
		Namespace: ns,
		Checksum:  checksum(payload),
		Entries:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot:\n%w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init compressor:\n%w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// Import verifies and loads a snapshot into storage, returning the
// namespace it carried. Existing keys are overwritten.
func Import(store storage.Store, snapshot []byte) (string, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", fmt.Errorf("init decompressor:\n%w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(snapshot, nil)
	if err != nil {
		return "", fmt.Errorf("decompress snapshot:\n%w", err)
	}

	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode snapshot:\n%w", err)
	}
	if f.Version != Version {
		return "", fmt.Errorf("unsupported snapshot version %d", f.Version)
	}
	if checksum(f.Entries) != f.Checksum {
		return "", ErrChecksumMismatch
	}

	var entries []entry
	if err := json.Unmarshal(f.Entries, &entries); err != nil {
		return "", fmt.Errorf("decode snapshot entries:\n%w", err)
	}

	pairs := make([]storage.KeyValue, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, storage.KeyValue{Key: e.Key, Value: e.Value})
	}

	if batch, ok := store.(storage.BatchWriter); ok {
		if err := batch.SetBatch(pairs); err != nil {
			return "", fmt.Errorf("import snapshot batch:\n%w", err)
		}
		return f.Namespace, nil
	}

	for _, kv := range pairs {
		if err := store.Set(kv.Key, kv.Value); err != nil {
			return "", fmt.Errorf("import %s:\n%w", kv.Key, err)
		}
	}

	return f.Namespace, nil
}

func checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
