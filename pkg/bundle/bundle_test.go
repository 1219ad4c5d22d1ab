package bundle_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tel/pkg/bundle"
	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/store"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

var fixedClock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func signer(t *testing.T, seed byte, keyID string) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(bytes.Repeat([]byte{seed}, 32), keyID)
	require.NoError(t, err)
	return s
}

func populated(t *testing.T) *tel.Manager {
	t.Helper()
	ctx := context.Background()
	m := tel.NewManager(store.NewMemoryStore())
	t.Cleanup(func() { _ = m.Close() })

	controller := signer(t, 1, "controller")
	for _, id := range []string{"alice", "bob"} {
		_, err := m.Inception(ctx, id, controller)
		require.NoError(t, err)
		_, err = m.Issue(ctx, id, controller, []byte("cred-"+id))
		require.NoError(t, err)
	}
	_, err := m.Revoke(ctx, "bob", controller, nil)
	require.NoError(t, err)
	return m
}

func TestBuildEncodeVerify(t *testing.T) {
	m := populated(t)
	exporter := signer(t, 7, "exporter-2026")
	ring := crypto.NewKeyRing()
	require.NoError(t, ring.AddSigner(exporter))

	b, err := bundle.Build(m, exporter, exporter.KeyID, bundle.Options{Registry: "test", Clock: fixedClock})
	require.NoError(t, err)
	require.Len(t, b.Manifest.Members, 2)
	assert.Equal(t, 5, b.Events())
	assert.Equal(t, "Revoked", b.Manifest.Members[1].State)

	data, err := bundle.Encode(b)
	require.NoError(t, err)
	again, err := bundle.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	decoded, err := bundle.Decode(data)
	require.NoError(t, err)
	report, err := bundle.Verify(decoded, ring)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 5, report.Events)
	assert.Equal(t, bundle.FormatVersion, report.Format)

	// The bundle root matches a registry checkpoint taken at the same time.
	cp, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cp.Root, report.Root)
}

func TestVerifyRejects(t *testing.T) {
	m := populated(t)
	exporter := signer(t, 7, "exporter")
	ring := crypto.NewKeyRing()
	require.NoError(t, ring.AddSigner(exporter))

	build := func() *bundle.Bundle {
		data, err := bundle.Encode(mustBuild(t, m, exporter))
		require.NoError(t, err)
		b, err := bundle.Decode(data)
		require.NoError(t, err)
		return b
	}

	t.Run("unknown key", func(t *testing.T) {
		_, err := bundle.Verify(build(), crypto.NewKeyRing())
		assert.ErrorIs(t, err, bundle.ErrBadSignature)
	})

	t.Run("revoked key", func(t *testing.T) {
		revoked := crypto.NewKeyRing()
		require.NoError(t, revoked.AddSigner(exporter))
		revoked.RevokeKey(exporter.KeyID)
		_, err := bundle.Verify(build(), revoked)
		assert.ErrorIs(t, err, bundle.ErrBadSignature)
	})

	t.Run("edited manifest", func(t *testing.T) {
		b := build()
		b.Manifest.Members[0].Length = 1
		_, err := bundle.Verify(b, ring)
		assert.ErrorIs(t, err, bundle.ErrMalformedBundle)
	})

	t.Run("truncated log", func(t *testing.T) {
		b := build()
		b.Logs["alice"] = b.Logs["alice"][:1]
		_, err := bundle.Verify(b, ring)
		assert.ErrorIs(t, err, bundle.ErrManifestMismatch)
	})

	t.Run("tampered record", func(t *testing.T) {
		b := build()
		rec := b.Logs["bob"][1]
		rec[len(rec)-1] ^= 0xff
		_, err := bundle.Verify(b, ring)
		assert.ErrorIs(t, err, tel.ErrCorruptLog)
	})

	t.Run("missing member", func(t *testing.T) {
		b := build()
		delete(b.Logs, "bob")
		_, err := bundle.Verify(b, ring)
		assert.ErrorIs(t, err, bundle.ErrManifestMismatch)
	})
}

func TestDecodeMalformed(t *testing.T) {
	_, err := bundle.Decode([]byte("nope"))
	assert.ErrorIs(t, err, bundle.ErrMalformedBundle)
	_, err = bundle.Decode([]byte("TELBgarbage"))
	assert.ErrorIs(t, err, bundle.ErrMalformedBundle)
	_, err = bundle.Encode(&bundle.Bundle{})
	assert.ErrorIs(t, err, bundle.ErrMalformedBundle)
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, bundle.CheckFormat("1.0.0"))
	assert.NoError(t, bundle.CheckFormat("1.4.2"))
	assert.ErrorIs(t, bundle.CheckFormat("2.0.0"), bundle.ErrIncompatibleFormat)
	assert.ErrorIs(t, bundle.CheckFormat("0.9.0"), bundle.ErrIncompatibleFormat)
	assert.ErrorIs(t, bundle.CheckFormat("banana"), bundle.ErrIncompatibleFormat)
}

func TestBuildSelectedMembers(t *testing.T) {
	m := populated(t)
	exporter := signer(t, 7, "exporter")

	b, err := bundle.Build(m, exporter, exporter.KeyID, bundle.Options{Members: []string{"bob"}, Clock: fixedClock})
	require.NoError(t, err)
	require.Len(t, b.Manifest.Members, 1)
	assert.Equal(t, "bob", b.Manifest.Members[0].Member)

	_, err = bundle.Build(m, exporter, exporter.KeyID, bundle.Options{Members: []string{"carol"}})
	assert.ErrorIs(t, err, tel.ErrUnknownMember)
}

func TestImportReplicatesRegistry(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	exporter := signer(t, 7, "exporter")
	b := mustBuild(t, src, exporter)

	dst := tel.NewManager(store.NewMemoryStore())
	t.Cleanup(func() { _ = dst.Close() })

	report, err := bundle.Import(ctx, dst, b)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Appended)
	assert.Equal(t, 0, report.Skipped)

	state, err := dst.GetState("bob")
	require.NoError(t, err)
	assert.Equal(t, tel.Revoked, state)

	report, err = bundle.Import(ctx, dst, b)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Appended)
	assert.Equal(t, 5, report.Skipped)
}

func mustBuild(t *testing.T, m *tel.Manager, s *crypto.Ed25519Signer) *bundle.Bundle {
	t.Helper()
	b, err := bundle.Build(m, s, s.KeyID, bundle.Options{Clock: fixedClock})
	require.NoError(t, err)
	return b
}
