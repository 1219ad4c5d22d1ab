package tel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/merkle"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

func TestCheckpointProofs(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	signer := signerFor(t, 1)
	submitAll(t, m, mustChain(t, signer, "alice", event.Issuance)...)
	submitAll(t, m, mustChain(t, signer, "bob", event.Issuance, event.Revocation)...)
	submitAll(t, m, mustChain(t, signer, "carol")...)

	cp, err := m.Checkpoint(ctx)
	require.NoError(t, err)
	require.Len(t, cp.Members, 3)
	assert.NotEmpty(t, cp.Root)

	for _, leaf := range cp.Members {
		proof, err := cp.Prove(leaf.Member)
		require.NoError(t, err)
		assert.True(t, tel.VerifyCheckpointLeaf(cp.Root, leaf, proof), leaf.Member)

		stale := leaf
		stale.Length++
		assert.False(t, tel.VerifyCheckpointLeaf(cp.Root, stale, proof), "altered leaf must not verify")
	}

	_, err = cp.Prove("dave")
	assert.Error(t, err)

	entries := m.Ledger().Entries("", 0)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.EntryCheckpoint, last.EntryType)
	assert.Equal(t, cp.Root, last.Data["root"])
}

func TestCheckpointMovesWithHeads(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	signer := signerFor(t, 1)
	submitAll(t, m, mustChain(t, signer, "alice")...)

	before, err := m.Checkpoint(ctx)
	require.NoError(t, err)
	again, err := m.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Root, again.Root)

	_, err = m.Issue(ctx, "alice", signer, []byte("cred"))
	require.NoError(t, err)
	after, err := m.Checkpoint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.Root, after.Root)

	proof, err := before.Prove("alice")
	require.NoError(t, err)
	assert.False(t, tel.VerifyCheckpointLeaf(after.Root, after.Members[0], proof))
}

func TestCheckpointEmptyRegistry(t *testing.T) {
	m := newManager(t)
	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cp.Members)
	assert.Equal(t, merkle.EmptyRoot(), cp.Root)
}
