package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRing_KeyIDsSorted(t *testing.T) {
	kr := NewKeyRing()

	for _, id := range []string{"key3", "key1", "key2"} {
		k, err := NewEd25519Signer(id)
		require.NoError(t, err)
		require.NoError(t, kr.AddSigner(k))
	}

	assert.Equal(t, []string{"key1", "key2", "key3"}, kr.KeyIDs())
}

func TestKeyRing_VerifyKey(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("key1")
	if err := kr.AddSigner(k1); err != nil {
		t.Fatalf("AddSigner failed: %v", err)
	}

	msg := []byte("hello world")
	sig, err := k1.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	valid, err := kr.VerifyKey("key1", msg, sig)
	if err != nil {
		t.Fatalf("VerifyKey failed: %v", err)
	}
	if !valid {
		t.Error("VerifyKey returned false")
	}

	valid, err = kr.VerifyKeyHex("key1", msg, hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.True(t, valid)

	// Test unknown key
	_, err = kr.VerifyKey("unknown", msg, sig)
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = kr.VerifyKeyHex("key1", msg, "zz")
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestKeyRing_Revoke(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewEd25519Signer("old")
	k2, _ := NewEd25519Signer("new")
	require.NoError(t, kr.AddSigner(k1))
	require.NoError(t, kr.AddSigner(k2))

	msg := []byte("bundle manifest")
	sig, _ := k1.Sign(msg)
	assert.True(t, kr.Verify(msg, sig))

	kr.RevokeKey("old")
	assert.False(t, kr.Verify(msg, sig))
	assert.Equal(t, []string{"new"}, kr.KeyIDs())
}

func TestKeyRing_AddKeyRejectsMalformed(t *testing.T) {
	kr := NewKeyRing()
	err := kr.AddKey("bad", []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.Empty(t, kr.KeyIDs())
}
