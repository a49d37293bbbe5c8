// Package merkle builds and verifies the inclusion proofs used by sharding's
// cross-shard messages and pruning's checkpoints (spec §6). It resolves the
// Open Question in spec.md: the teacher's cross-shard verification is a
// placeholder that compares against state_root directly; here the root is
// actually recomputed by folding sibling hashes.
package merkle

import (
	"sort"

	"github.com/chikuno/dchat/internal/types"
	"lukechampine.com/blake3"
)

func leafHash(id string) types.Hash {
	sum := blake3.Sum256([]byte("leaf:" + id))
	return types.Hash(sum)
}

func nodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 0, 64)
	// Fold siblings in lexicographic order of (current, sibling) so the
	// root is reproducible regardless of which side a given node sat on.
	if string(left[:]) <= string(right[:]) {
		buf = append(buf, left[:]...)
		buf = append(buf, right[:]...)
	} else {
		buf = append(buf, right[:]...)
		buf = append(buf, left[:]...)
	}
	sum := blake3.Sum256(buf)
	return types.Hash(sum)
}

// Tree is a binary Merkle tree over a set of string ids (message ids,
// pruned ids, ...). Build is deterministic: ids are sorted first so the
// root only depends on the id set, not insertion order.
type Tree struct {
	ids    []string
	levels [][]types.Hash
}

// Build constructs the tree over the given id set.
func Build(ids []string) *Tree {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	level := make([]types.Hash, len(sorted))
	for i, id := range sorted {
		level[i] = leafHash(id)
	}
	levels := [][]types.Hash{level}
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i] // odd tail duplicates itself, so every node has a sibling to fold
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{ids: sorted, levels: levels}
}

// Root returns the tree's Merkle root. The empty tree's root is the zero hash.
func (t *Tree) Root() types.Hash {
	if len(t.levels) == 0 {
		return types.Hash{}
	}
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return types.Hash{}
	}
	return top[0]
}

// Proof is an inclusion path: the sibling hash at each level from leaf to
// root, in the wire shape of spec §6.
type Proof struct {
	ID   string
	Path []types.Hash
}

// Prove returns the inclusion proof for id, or false if id is not a member.
func (t *Tree) Prove(id string) (Proof, bool) {
	idx := sort.SearchStrings(t.ids, id)
	if idx >= len(t.ids) || t.ids[idx] != id {
		return Proof{}, false
	}
	var path []types.Hash
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibling types.Hash
		if idx%2 == 0 {
			sibling = level[idx] // odd tail: sibling is itself, same as Build's duplication
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
		} else {
			sibling = level[idx-1]
		}
		path = append(path, sibling)
		idx /= 2
	}
	return Proof{ID: id, Path: path}, true
}

// Verify recomputes the root from a leaf id and its proof path, folding
// sibling hashes in lexicographic order exactly as Build does, and compares
// against the expected root.
func Verify(id string, proof Proof, root types.Hash) bool {
	cur := leafHash(id)
	for _, sib := range proof.Path {
		cur = nodeHash(cur, sib)
	}
	return cur == root
}
