package crypto

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds the verifiers that are currently trusted, indexed by key id.
// Bundle verification uses it so exports signed by an older exporter key stay
// verifiable after rotation, until that key is revoked.
type KeyRing struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		verifiers: make(map[string]Verifier),
	}
}

// AddKey trusts an Ed25519 public key under keyID.
func (k *KeyRing) AddKey(keyID string, publicKey []byte) error {
	v, err := NewEd25519Verifier(publicKey)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[keyID] = v
	return nil
}

// AddSigner trusts the public half of s.
func (k *KeyRing) AddSigner(s *Ed25519Signer) error {
	return k.AddKey(s.KeyID, s.PublicKey())
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.verifiers, keyID)
}

// KeyIDs lists trusted key ids in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VerifyKey verifies signature for a specific key
func (k *KeyRing) VerifyKey(keyID string, message []byte, signature []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	v, exists := k.verifiers[keyID]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return v.Verify(message, signature), nil
}

// VerifyKeyHex is VerifyKey with a hex signature.
func (k *KeyRing) VerifyKeyHex(keyID string, message []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, newError(ErrMalformedSignature, "invalid signature hex: %v", err)
	}
	return k.VerifyKey(keyID, message, sig)
}

// Verify tries every trusted key.
func (k *KeyRing) Verify(message []byte, signature []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, v := range k.verifiers {
		if v.Verify(message, signature) {
			return true
		}
	}
	return false
}
