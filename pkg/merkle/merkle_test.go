package merkle

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafOf(t *testing.T, path string, v interface{}) hash {
	t.Helper()
	h, err := leafHash(path, v)
	require.NoError(t, err)
	return h
}

func TestBuild_OddLevelPairsWithItself(t *testing.T) {
	data := map[string]interface{}{"carol": 3, "alice": 1, "bob": 2}
	tree, err := Build(data)
	require.NoError(t, err)

	a, b, c := leafOf(t, "alice", 1), leafOf(t, "bob", 2), leafOf(t, "carol", 3)
	root := nodeHash(nodeHash(a, b), nodeHash(c, c))
	assert.Equal(t, hex.EncodeToString(root[:]), tree.Root)

	leaves := tree.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{leaves[0].Path, leaves[1].Path, leaves[2].Path})

	proof, err := tree.Prove("carol")
	require.NoError(t, err)
	require.Len(t, proof.ProofPath, 2)
	assert.Equal(t, SideRight, proof.ProofPath[0].Side)
	assert.Equal(t, hex.EncodeToString(c[:]), proof.ProofPath[0].SiblingHash)
	assert.Equal(t, SideLeft, proof.ProofPath[1].Side)
	assert.True(t, VerifyInclusionProof(proof, tree.Root))
}

func TestProve_EveryLeafVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		data := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			data[fmt.Sprintf("member-%02d", i)] = map[string]interface{}{"length": i + 1}
		}
		tree, err := Build(data)
		require.NoError(t, err)

		for path, value := range data {
			proof, err := tree.Prove(path)
			require.NoError(t, err)
			assert.True(t, VerifyInclusionProof(proof, tree.Root), "n=%d %s", n, path)

			want, err := LeafHash(path, value)
			require.NoError(t, err)
			assert.Equal(t, want, proof.LeafHash)
		}
	}
}

func TestLeafHash_BindsPathAndValue(t *testing.T) {
	h1, _ := LeafHash("alice", map[string]int{"length": 1})
	h2, _ := LeafHash("alice", map[string]int{"length": 2})
	h3, _ := LeafHash("bob", map[string]int{"length": 1})
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestProve_UnknownLeaf(t *testing.T) {
	tree, err := Build(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	_, err = tree.Prove("b")
	assert.Error(t, err)
}

func TestBuild_Empty(t *testing.T) {
	tree, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot(), tree.Root)
	assert.Empty(t, tree.Leaves())
	_, err = tree.Prove("a")
	assert.Error(t, err)
}

func TestVerifyInclusionProof_Rejects(t *testing.T) {
	tree, err := Build(map[string]interface{}{"a": 1, "b": 2, "c": 3})
	require.NoError(t, err)
	good, err := tree.Prove("a")
	require.NoError(t, err)

	assert.False(t, VerifyInclusionProof(good, EmptyRoot()), "other root")

	bad := good
	bad.ProofPath = append([]ProofStep(nil), good.ProofPath...)
	bad.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusionProof(bad, ""), "unknown side")

	bad.ProofPath[0] = ProofStep{Side: SideRight, SiblingHash: "zz"}
	assert.False(t, VerifyInclusionProof(bad, ""), "bad hex")

	other, _ := tree.Prove("b")
	bad = good
	bad.LeafHash = other.LeafHash
	assert.False(t, VerifyInclusionProof(bad, tree.Root), "leaf swapped")
}
