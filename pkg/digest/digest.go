// Package digest implements self-addressing digests: content hashes that any
// party can recompute from an event's bytes and that serve both as the event's
// address and as the chain link for its successor.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies a digest derivation. The numeric values are part of the
// canonical event encoding and must never be renumbered.
type Algorithm uint8

const (
	// None marks an absent digest (the prior link of an inception event).
	None Algorithm = 0
	// Blake3_256 is the default derivation.
	Blake3_256  Algorithm = 1
	Blake2b_256 Algorithm = 2
	SHA3_256    Algorithm = 3
	SHA2_256    Algorithm = 4
)

// Default is used when a member does not choose an algorithm at inception.
const Default = Blake3_256

// Size is the length in bytes of every supported digest.
const Size = 32

var (
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
	ErrMalformed        = errors.New("malformed digest")
)

var names = map[Algorithm]string{
	Blake3_256:  "blake3-256",
	Blake2b_256: "blake2b-256",
	SHA3_256:    "sha3-256",
	SHA2_256:    "sha256",
}

// String returns the textual algorithm name used in digest strings.
func (a Algorithm) String() string {
	if n, ok := names[a]; ok {
		return n
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// Valid reports whether a is a supported derivation.
func (a Algorithm) Valid() bool {
	_, ok := names[a]
	return ok
}

// ParseAlgorithm maps a textual name back to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range names {
		if strings.EqualFold(n, name) {
			return a, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// MarshalText renders the algorithm name, so JSON and YAML carry
// "blake3-256" rather than a code.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Digest is an algorithm-tagged content hash. The zero value is the absent
// digest.
type Digest struct {
	Algo Algorithm
	Sum  [Size]byte
}

// Derive hashes data with the given algorithm.
func Derive(algo Algorithm, data []byte) (Digest, error) {
	d := Digest{Algo: algo}
	switch algo {
	case Blake3_256:
		d.Sum = blake3.Sum256(data)
	case Blake2b_256:
		d.Sum = blake2b.Sum256(data)
	case SHA3_256:
		d.Sum = sha3.Sum256(data)
	case SHA2_256:
		d.Sum = sha256.Sum256(data)
	default:
		return Digest{}, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(algo))
	}
	return d, nil
}

// MustDerive is Derive for algorithms known to be valid at compile time.
func MustDerive(algo Algorithm, data []byte) Digest {
	d, err := Derive(algo, data)
	if err != nil {
		panic(err)
	}
	return d
}

// FromBytes rebuilds a digest from its algorithm code and raw sum, as read from
// an encoded record.
func FromBytes(algo Algorithm, sum []byte) (Digest, error) {
	if algo == None {
		if len(sum) != 0 {
			return Digest{}, fmt.Errorf("%w: absent digest with %d sum bytes", ErrMalformed, len(sum))
		}
		return Digest{}, nil
	}
	if !algo.Valid() {
		return Digest{}, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(algo))
	}
	if len(sum) != Size {
		return Digest{}, fmt.Errorf("%w: %s sum is %d bytes, want %d", ErrMalformed, algo, len(sum), Size)
	}
	d := Digest{Algo: algo}
	copy(d.Sum[:], sum)
	return d, nil
}

// IsZero reports whether d is the absent digest.
func (d Digest) IsZero() bool {
	return d.Algo == None
}

// Bytes returns the raw sum, or nil for the absent digest.
func (d Digest) Bytes() []byte {
	if d.IsZero() {
		return nil
	}
	out := make([]byte, Size)
	copy(out, d.Sum[:])
	return out
}

// Equal compares algorithm and sum.
func (d Digest) Equal(o Digest) bool {
	return d.Algo == o.Algo && d.Sum == o.Sum
}

// Verify reports whether d binds data, i.e. recomputing the digest of data with
// d's algorithm yields d.
func (d Digest) Verify(data []byte) bool {
	if d.IsZero() {
		return false
	}
	got, err := Derive(d.Algo, data)
	if err != nil {
		return false
	}
	return bytes.Equal(got.Sum[:], d.Sum[:])
}

// String renders "<algorithm>:<hex>", or the empty string for the absent digest.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Algo.String() + ":" + hex.EncodeToString(d.Sum[:])
}

// Short is a log-friendly prefix of the hex sum.
func (d Digest) Short() string {
	if d.IsZero() {
		return "-"
	}
	return hex.EncodeToString(d.Sum[:6])
}

// Parse is the inverse of String. The empty string parses to the absent digest.
func Parse(s string) (Digest, error) {
	if s == "" {
		return Digest{}, nil
	}
	name, hexSum, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("%w: missing algorithm prefix in %q", ErrMalformed, s)
	}
	algo, err := ParseAlgorithm(name)
	if err != nil {
		return Digest{}, err
	}
	sum, err := hex.DecodeString(hexSum)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromBytes(algo, sum)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
