package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Proof is an inclusion proof for one leaf. Siblings are ordered from the
// leaf level upward. An empty sibling entry marks a level where the node on
// the path had no right neighbor and was promoted unchanged; the verifier
// carries the running hash across such levels.
type Proof struct {
	LeafHash string   `json:"leafHash"` // hex
	Index    uint64   `json:"index"`
	Siblings []string `json:"siblings"` // hex, "" for promoted levels
}

// GenProof reconstructs the authentication path for the leaf at index by
// replaying the historical tree shape over the persisted leaf hashes.
func (a *Accumulator) GenProof(ns string, index uint64) (*Proof, error) {
	st, err := a.loadState(ns)
	if err != nil {
		return nil, err
	}

	if index >= st.N {
		return nil, fmt.Errorf("%w: index %d, leaves %d", ErrIndexOutOfRange, index, st.N)
	}

	leaves, err := a.loadLeaves(ns, st.N)
	if err != nil {
		return nil, err
	}

	proof := &Proof{
		LeafHash: hex.EncodeToString(leaves[index]),
		Index:    index,
	}

	level := leaves
	idx := index
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < uint64(len(level)) {
			proof.Siblings = append(proof.Siblings, hex.EncodeToString(level[sib]))
		} else {
			// Lone rightmost node: promoted to the next level without a hash.
			proof.Siblings = append(proof.Siblings, "")
		}

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashNode(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}

		level = next
		idx >>= 1
	}

	return proof, nil
}

// VerifyProof recomputes the path from the leaf hash up: at each level the
// index parity decides whether the running hash is the left or right child,
// and the index halves. A proof with no siblings is valid only when the leaf
// hash itself is the root.
func VerifyProof(proof *Proof, root []byte) error {
	current, err := hex.DecodeString(proof.LeafHash)
	if err != nil {
		return fmt.Errorf("%w: undecodable leaf hash", ErrInvalidLeaf)
	}
	if len(current) == 0 {
		return fmt.Errorf("%w: empty leaf hash", ErrInvalidLeaf)
	}

	idx := proof.Index
	for _, entry := range proof.Siblings {
		if entry == "" {
			idx >>= 1
			continue
		}

		sibling, err := hex.DecodeString(entry)
		if err != nil {
			return fmt.Errorf("%w: undecodable sibling", ErrHashMismatch)
		}

		if idx%2 == 0 {
			current = HashNode(current, sibling)
		} else {
			current = HashNode(sibling, current)
		}
		idx >>= 1
	}

	if !bytes.Equal(current, root) {
		return ErrHashMismatch
	}

	return nil
}

// loadLeaves reads all persisted leaf hashes for the namespace.
func (a *Accumulator) loadLeaves(ns string, n uint64) ([][]byte, error) {
	leaves := make([][]byte, n)

	for i := uint64(0); i < n; i++ {
		raw, err := a.store.Get(leafKey(ns, i))
		if err != nil {
			return nil, fmt.Errorf("load leaf %d:\n%w", i, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("%w: leaf %d missing", ErrInvalidLeaf, i)
		}

		h, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: leaf %d undecodable", ErrInvalidLeaf, i)
		}

		leaves[i] = h
	}

	return leaves, nil
}
