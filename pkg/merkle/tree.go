// Package merkle builds the registry checkpoint tree: one leaf per member,
// committing to its head digest and log length, with inclusion proofs that
// let a holder of one member's log check it against a published root.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/tel/pkg/canonicalize"
)

const (
	leafTag = "tel:checkpoint:leaf:v1\x00"
	nodeTag = "tel:checkpoint:node:v1\x00"
)

type hash = [sha256.Size]byte

// Leaf is one committed key. Hash is hex.
type Leaf struct {
	Path string
	Hash string
}

// Tree is an immutable binary hash tree over leaves sorted by path. An odd
// node at the end of a level is paired with itself.
type Tree struct {
	Root   string
	leaves []Leaf
	levels [][]hash // leaves first, root last
}

// Build commits to data, hashing every value in its JCS form under its path.
func Build(data map[string]interface{}) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for p := range data {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	t := &Tree{leaves: make([]Leaf, len(paths))}
	if len(paths) == 0 {
		t.Root = EmptyRoot()
		return t, nil
	}

	level := make([]hash, len(paths))
	for i, p := range paths {
		h, err := leafHash(p, data[p])
		if err != nil {
			return nil, err
		}
		level[i] = h
		t.leaves[i] = Leaf{Path: p, Hash: hex.EncodeToString(h[:])}
	}
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]hash, (len(level)+1)/2)
		for i := range next {
			l := level[2*i]
			r := l
			if 2*i+1 < len(level) {
				r = level[2*i+1]
			}
			next[i] = nodeHash(l, r)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.Root = hex.EncodeToString(level[0][:])
	return t, nil
}

// Leaves returns the leaves in path order.
func (t *Tree) Leaves() []Leaf {
	return append([]Leaf(nil), t.leaves...)
}

// EmptyRoot is the root of a tree with no leaves.
func EmptyRoot() string {
	h := sha256.Sum256([]byte(nodeTag))
	return hex.EncodeToString(h[:])
}

// Prove returns the inclusion proof for the leaf at path.
func (t *Tree) Prove(path string) (InclusionProof, error) {
	idx := sort.Search(len(t.leaves), func(i int) bool { return t.leaves[i].Path >= path })
	if idx == len(t.leaves) || t.leaves[idx].Path != path {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf %q", path)
	}
	proof := InclusionProof{
		LeafPath:   path,
		LeafHash:   t.leaves[idx].Hash,
		MerkleRoot: t.Root,
	}
	for _, level := range t.levels[:len(t.levels)-1] {
		sib, side := idx^1, SideRight
		if sib < idx {
			side = SideLeft
		}
		if sib >= len(level) {
			sib = idx
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: hex.EncodeToString(level[sib][:])})
		idx /= 2
	}
	return proof, nil
}

// LeafHash recomputes the hex hash of a leaf from its path and value, so a
// verifier can bind a proof to data it holds.
func LeafHash(path string, value interface{}) (string, error) {
	h, err := leafHash(path, value)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

func leafHash(path string, value interface{}) (hash, error) {
	canonical, err := canonicalize.JCS(value)
	if err != nil {
		return hash{}, fmt.Errorf("leaf %q: %w", path, err)
	}
	h := sha256.New()
	h.Write([]byte(leafTag))
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonical)
	var out hash
	h.Sum(out[:0])
	return out, nil
}

func nodeHash(l, r hash) hash {
	buf := make([]byte, 0, len(nodeTag)+2*sha256.Size)
	buf = append(buf, nodeTag...)
	buf = append(buf, l[:]...)
	buf = append(buf, r[:]...)
	return sha256.Sum256(buf)
}
