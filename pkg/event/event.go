// Package event defines a single Transaction Event Log entry, its bit-exact
// canonical encoding and the signing and sealing steps that bind it.
package event

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
)

// MaxMemberLen bounds member identifiers so their length fits the u16 prefix.
const MaxMemberLen = 1024

var (
	// ErrMalformed reports bytes or fields that do not form a valid event.
	ErrMalformed = errors.New("malformed event")
	// ErrDigestMismatch reports a self digest that does not bind the event
	// contents. It is a crypto error: the material is not what it claims.
	ErrDigestMismatch = fmt.Errorf("%w: self digest mismatch", crypto.ErrCrypto)
	// ErrUnsigned is returned when sealing or encoding an event with no signature.
	ErrUnsigned = errors.New("event is not signed")
)

// Event is one signed, self-addressed log entry.
//
// Digest is a pure function of the other fields and is recomputed on decode.
// Events stored in a log are shared between readers and must not be mutated;
// use Clone to obtain a private copy.
type Event struct {
	Type     Type
	Member   string
	Sequence uint64
	// Prior is the digest of the preceding event. Zero only for Inception.
	Prior digest.Digest
	// Payload is opaque to the log. For Inception it is the controller's
	// Ed25519 public key.
	Payload []byte
	// Algo is the digest algorithm of this event's self digest. It is fixed
	// per member at inception.
	Algo      digest.Algorithm
	Signature []byte
	Digest    digest.Digest
}

// NewInception builds, signs and seals the sequence-0 event of member. The
// signer's public key becomes the member's controller key.
func NewInception(member string, algo digest.Algorithm, signer crypto.Signer) (*Event, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: %d", digest.ErrUnknownAlgorithm, uint8(algo))
	}
	e := &Event{
		Type:     Inception,
		Member:   member,
		Sequence: 0,
		Payload:  signer.PublicKey(),
		Algo:     algo,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := e.Sign(signer); err != nil {
		return nil, err
	}
	return e, nil
}

// New builds an unsigned Issuance or Revocation event following prior. The
// event inherits prior's digest algorithm.
func New(typ Type, member string, seq uint64, prior digest.Digest, payload []byte) (*Event, error) {
	if typ != Issuance && typ != Revocation {
		return nil, fmt.Errorf("%w: New cannot build %s events", ErrMalformed, typ)
	}
	if prior.IsZero() {
		return nil, fmt.Errorf("%w: %s requires a prior digest", ErrMalformed, typ)
	}
	e := &Event{
		Type:     typ,
		Member:   member,
		Sequence: seq,
		Prior:    prior,
		Payload:  append([]byte(nil), payload...),
		Algo:     prior.Algo,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the structural rules that hold for every event regardless
// of log context.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrMalformed, e.Type)
	}
	if e.Member == "" {
		return fmt.Errorf("%w: empty member id", ErrMalformed)
	}
	if len(e.Member) > MaxMemberLen {
		return fmt.Errorf("%w: member id is %d bytes, max %d", ErrMalformed, len(e.Member), MaxMemberLen)
	}
	if !e.Algo.Valid() {
		return fmt.Errorf("%w: %d", digest.ErrUnknownAlgorithm, uint8(e.Algo))
	}
	if uint64(len(e.Payload)) > maxPayloadLen {
		return fmt.Errorf("%w: payload is %d bytes", ErrMalformed, len(e.Payload))
	}

	switch e.Type {
	case Inception:
		if e.Sequence != 0 {
			return fmt.Errorf("%w: inception at sequence %d", ErrMalformed, e.Sequence)
		}
		if !e.Prior.IsZero() {
			return fmt.Errorf("%w: inception carries a prior digest", ErrMalformed)
		}
		if len(e.Payload) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: inception payload is %d bytes, want an ed25519 public key", ErrMalformed, len(e.Payload))
		}
	case Issuance, Revocation:
		if e.Sequence == 0 {
			return fmt.Errorf("%w: %s at sequence 0", ErrMalformed, e.Type)
		}
		if e.Prior.IsZero() {
			return fmt.Errorf("%w: %s without prior digest", ErrMalformed, e.Type)
		}
	default:
		return fmt.Errorf("%w: %s", ErrMalformed, e.Type)
	}
	return nil
}

// SigningBytes is the canonical encoding of every field except the signature
// and the self digest.
func (e *Event) SigningBytes() []byte {
	return appendCanonical(make([]byte, 0, canonicalSize(e)), e)
}

// Sign signs the canonical bytes and seals the event.
func (e *Event) Sign(signer crypto.Signer) error {
	sig, err := signer.Sign(e.SigningBytes())
	if err != nil {
		return fmt.Errorf("sign %s %s#%d: %w", e.Type, e.Member, e.Sequence, err)
	}
	e.Signature = sig
	return e.Seal()
}

// Seal computes and stores the self digest. The event must already be signed.
func (e *Event) Seal() error {
	d, err := e.ComputeDigest()
	if err != nil {
		return err
	}
	e.Digest = d
	return nil
}

// ComputeDigest derives the self digest over the canonical bytes followed by
// the length-prefixed signature.
func (e *Event) ComputeDigest() (digest.Digest, error) {
	if len(e.Signature) == 0 {
		return digest.Digest{}, ErrUnsigned
	}
	if len(e.Signature) > 0xFFFF {
		return digest.Digest{}, fmt.Errorf("%w: signature is %d bytes", ErrMalformed, len(e.Signature))
	}
	return digest.Derive(e.Algo, e.digestInput())
}

func (e *Event) digestInput() []byte {
	buf := make([]byte, 0, canonicalSize(e)+2+len(e.Signature))
	buf = appendCanonical(buf, e)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Signature)))
	return append(buf, e.Signature...)
}

// VerifyDigest checks that the stored self digest binds the event. A mismatch
// wraps ErrDigestMismatch, and through it crypto.ErrCrypto.
func (e *Event) VerifyDigest() error {
	if e.Digest.IsZero() {
		return fmt.Errorf("%w: event has no self digest", ErrDigestMismatch)
	}
	if e.Digest.Algo != e.Algo {
		return fmt.Errorf("%w: digest uses %s, event declares %s", ErrDigestMismatch, e.Digest.Algo, e.Algo)
	}
	if len(e.Signature) == 0 {
		return ErrUnsigned
	}
	if !e.Digest.Verify(e.digestInput()) {
		return fmt.Errorf("%w: %s#%d", ErrDigestMismatch, e.Member, e.Sequence)
	}
	return nil
}

// VerifySignature checks the signature against publicKey. Malformed keys or
// signatures return an error wrapping crypto.ErrCrypto.
func (e *Event) VerifySignature(publicKey []byte) (bool, error) {
	return crypto.Verify(publicKey, e.Signature, e.SigningBytes())
}

// ControllerKey returns the public key established by an Inception event.
func (e *Event) ControllerKey() ([]byte, bool) {
	if e.Type != Inception || len(e.Payload) != ed25519.PublicKeySize {
		return nil, false
	}
	return append([]byte(nil), e.Payload...), true
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Signature = append([]byte(nil), e.Signature...)
	return &c
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s#%d %s", e.Type, e.Member, e.Sequence, e.Digest.Short())
}
