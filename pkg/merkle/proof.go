package merkle

import (
	"encoding/hex"
	"strings"
)

// Sides of a proof step, naming where the sibling sits.
const (
	SideLeft  = "L"
	SideRight = "R"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof folds the proof path from the leaf hash and compares
// the result with the proof's root. A non-empty expectedRoot must also match.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	cur, ok := decode(proof.LeafHash)
	if !ok {
		return false
	}
	for _, step := range proof.ProofPath {
		sib, ok := decode(step.SiblingHash)
		if !ok {
			return false
		}
		switch step.Side {
		case SideLeft:
			cur = nodeHash(sib, cur)
		case SideRight:
			cur = nodeHash(cur, sib)
		default:
			return false
		}
	}
	return strings.EqualFold(hex.EncodeToString(cur[:]), proof.MerkleRoot)
}

func decode(s string) (hash, bool) {
	var h hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}
