package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer is the signing capability consumed by the event log. Implementations
// may hold keys in memory, in a file or behind an HSM; the log only ever sees
// signatures and public keys.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// NewEd25519SignerFromSeed derives a signer from a 32-byte seed. Deterministic
// seeds keep fixtures and test vectors stable.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, newError(ErrMalformedKey, "seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privKey, data), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	out := make([]byte, len(s.pubKey))
	copy(out, s.pubKey)
	return out
}

// PublicKeyHex is the hex form used in key files and CLI output.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// Seed returns the private seed. Only the key store calls this.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// Verify checks signature over data against publicKey. A key or signature of
// the wrong length is malformed input and yields an *Error wrapping ErrCrypto;
// a well-formed signature that does not verify yields (false, nil).
func Verify(publicKey, signature, data []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, newError(ErrMalformedKey, "public key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, newError(ErrMalformedSignature, "signature is %d bytes, want %d", len(signature), ed25519.SignatureSize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature), nil
}

// VerifyHex is Verify for hex-encoded key and signature, as found in key files
// and bundle manifests.
func VerifyHex(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, newError(ErrMalformedKey, "invalid public key hex: %v", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, newError(ErrMalformedSignature, "invalid signature hex: %v", err)
	}
	return Verify(pubKey, sig, data)
}
