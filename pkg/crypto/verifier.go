package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Verifier defines the interface for signature verification.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, newError(ErrMalformedKey, "invalid public key size: %d", len(pubKeyBytes))
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, pubKeyBytes)
	return &Ed25519Verifier{PublicKey: key}, nil
}

// NewEd25519VerifierHex parses a hex-encoded public key.
func NewEd25519VerifierHex(pubKeyHex string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, newError(ErrMalformedKey, "invalid public key hex: %v", err)
	}
	return NewEd25519Verifier(raw)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey, message, signature)
}
