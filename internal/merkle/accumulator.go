// Package merkle maintains an append-only transparency log per namespace.
// Instead of materializing the whole tree it keeps a compact frontier: one
// partial subtree root per level, mirroring the binary decomposition of the
// leaf count. Appends and proofs are O(log n) in frontier work; proof
// generation replays the historical tree shape from the persisted leaf hashes.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"TrustMesh/internal/storage"
)

// Domain separation prefixes. A leaf hash and an interior node hash can never
// collide because the first byte of the preimage differs.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	// ErrIndexOutOfRange is returned for proof requests beyond the leaf count.
	ErrIndexOutOfRange = errors.New("index_out_of_range")

	// ErrInvalidLeaf is returned when a persisted leaf hash is missing or corrupt.
	ErrInvalidLeaf = errors.New("invalid_leaf")

	// ErrHashMismatch is returned when a proof does not recompute to the root.
	ErrHashMismatch = errors.New("hash_mismatch")
)

// frontierState is the persisted per-namespace accumulator state.
// Frontier[i] holds the hex root of a complete subtree of 2^i leaves,
// or "" when level i is empty.
type frontierState struct {
	N        uint64   `json:"n"`
	Frontier []string `json:"frontier"`
}

// AppendResult reports the outcome of appending one leaf.
type AppendResult struct {
	Index    uint64 // Index is the zero-based position of the new leaf
	LeafHash []byte // LeafHash is the domain-separated leaf hash
	Root     []byte // Root is the tree root after the append
	N        uint64 // N is the total leaf count after the append
}

// Accumulator appends leaves and produces inclusion proofs, persisting all
// state through the storage collaborator.
type Accumulator struct {
	store storage.Store
}

// New creates an accumulator backed by the given store.
func New(store storage.Store) *Accumulator {
	return &Accumulator{store: store}
}

// AppendLeaf appends leaf bytes to the namespace log and merges the leaf hash
// into the frontier with a binary-carry walk: an occupied level combines with
// the carried hash and propagates upward, exactly like a binary counter
// increment.
func (a *Accumulator) AppendLeaf(ns string, leaf []byte) (*AppendResult, error) {
	st, err := a.loadState(ns)
	if err != nil {
		return nil, err
	}

	leafHash := HashLeaf(leaf)
	index := st.N

	if err := a.store.Set(leafKey(ns, index), []byte(hex.EncodeToString(leafHash))); err != nil {
		return nil, fmt.Errorf("persist leaf:\n%w", err)
	}

	carry := leafHash
	for level := 0; ; level++ {
		if level >= len(st.Frontier) {
			st.Frontier = append(st.Frontier, "")
		}

		if st.Frontier[level] == "" {
			st.Frontier[level] = hex.EncodeToString(carry)
			break
		}

		occupant, err := hex.DecodeString(st.Frontier[level])
		if err != nil {
			return nil, fmt.Errorf("corrupt frontier level %d:\n%w", level, err)
		}

		carry = HashNode(occupant, carry)
		st.Frontier[level] = ""
	}

	st.N++

	if err := a.saveState(ns, st); err != nil {
		return nil, err
	}

	root, err := foldFrontier(st)
	if err != nil {
		return nil, err
	}

	return &AppendResult{
		Index:    index,
		LeafHash: leafHash,
		Root:     root,
		N:        st.N,
	}, nil
}

// Root returns the current root hash and leaf count for the namespace.
// The root is nil while the log is empty.
func (a *Accumulator) Root(ns string) ([]byte, uint64, error) {
	st, err := a.loadState(ns)
	if err != nil {
		return nil, 0, err
	}

	root, err := foldFrontier(st)
	if err != nil {
		return nil, 0, err
	}

	return root, st.N, nil
}

// FrontierSize returns the number of occupied frontier levels. It always
// equals the population count of the leaf total.
func (a *Accumulator) FrontierSize(ns string) (int, error) {
	st, err := a.loadState(ns)
	if err != nil {
		return 0, err
	}

	occupied := 0
	for _, entry := range st.Frontier {
		if entry != "" {
			occupied++
		}
	}

	return occupied, nil
}

// HashLeaf computes the domain-separated leaf hash SHA256(0x00 || SHA256(leaf)).
func HashLeaf(leaf []byte) []byte {
	inner := sha256.Sum256(leaf)

	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(inner[:])

	return h.Sum(nil)
}

// HashNode computes the interior node hash SHA256(0x01 || left || right).
func HashNode(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)

	return h.Sum(nil)
}

// foldFrontier combines occupied frontier entries from the highest level down
// into the root. Higher levels cover earlier leaves, so each fold step places
// the accumulated left part against the next lower entry:
// root = H(e_top, H(..., H(e_k-1, e_k))).
func foldFrontier(st *frontierState) ([]byte, error) {
	var entries [][]byte
	for level := len(st.Frontier) - 1; level >= 0; level-- {
		if st.Frontier[level] == "" {
			continue
		}
		h, err := hex.DecodeString(st.Frontier[level])
		if err != nil {
			return nil, fmt.Errorf("corrupt frontier level %d:\n%w", level, err)
		}
		entries = append(entries, h)
	}

	if len(entries) == 0 {
		return nil, nil
	}

	acc := entries[len(entries)-1]
	for i := len(entries) - 2; i >= 0; i-- {
		acc = HashNode(entries[i], acc)
	}

	return acc, nil
}

// loadState reads the namespace frontier, returning an empty state when the
// namespace has no log yet.
func (a *Accumulator) loadState(ns string) (*frontierState, error) {
	raw, err := a.store.Get(stateKey(ns))
	if err != nil {
		return nil, fmt.Errorf("load frontier state:\n%w", err)
	}

	if raw == nil {
		return &frontierState{}, nil
	}

	var st frontierState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode frontier state:\n%w", err)
	}

	return &st, nil
}

// saveState persists the namespace frontier.
func (a *Accumulator) saveState(ns string, st *frontierState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode frontier state:\n%w", err)
	}

	if err := a.store.Set(stateKey(ns), raw); err != nil {
		return fmt.Errorf("persist frontier state:\n%w", err)
	}

	return nil
}

// stateKey is the storage key for a namespace's frontier state.
func stateKey(ns string) string {
	return "mstate:" + ns
}

// leafKey is the storage key for one persisted leaf hash.
func leafKey(ns string, index uint64) string {
	return fmt.Sprintf("mleaf:%s:%d", ns, index)
}
