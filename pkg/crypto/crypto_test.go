package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerify(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	data := []byte("hello world")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	valid, err := Verify(signer.PublicKey(), sig, data)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Signature verification failed")
	}

	// Test tampering
	valid, err = Verify(signer.PublicKey(), sig, []byte("hello world modified"))
	if err != nil {
		t.Fatalf("tampered data is well-formed, want no error: %v", err)
	}
	if valid {
		t.Error("Tampered data should not verify")
	}
}

func TestVerify_MalformedInputIsCryptoError(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("x"))
	require.NoError(t, err)

	_, err = Verify(signer.PublicKey()[:10], sig, []byte("x"))
	assert.ErrorIs(t, err, ErrCrypto)
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Verify(signer.PublicKey(), sig[:63], []byte("x"))
	assert.ErrorIs(t, err, ErrCrypto)
	assert.ErrorIs(t, err, ErrMalformedSignature)

	_, err = Verify(nil, nil, nil)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Error(), "public key is 0 bytes")
}

func TestVerifyHex(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("msg"))
	require.NoError(t, err)

	ok, err := VerifyHex(signer.PublicKeyHex(), hex.EncodeToString(sig), []byte("msg"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = VerifyHex("not-hex", hex.EncodeToString(sig), []byte("msg"))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestSignerFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	a, err := NewEd25519SignerFromSeed(seed, "a")
	require.NoError(t, err)
	b, err := NewEd25519SignerFromSeed(seed, "b")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = NewEd25519SignerFromSeed([]byte{1, 2}, "short")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestEd25519Verifier(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	v, err := NewEd25519VerifierHex(signer.PublicKeyHex())
	require.NoError(t, err)

	sig, _ := signer.Sign([]byte("m"))
	assert.True(t, v.Verify([]byte("m"), sig))
	assert.False(t, v.Verify([]byte("m"), sig[:5]))

	_, err = NewEd25519Verifier([]byte{1})
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestFileKeyStore(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	_, err = ks.Signer("issuer", false)
	require.Error(t, err, "missing key without create")

	created, err := ks.Signer("issuer", true)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "issuer.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := NewFileKeyStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.Signer("issuer", false)
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey(), loaded.PublicKey())
}
