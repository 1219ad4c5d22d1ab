package event

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/tel/pkg/digest"
)

// Canonical encoding, version 1:
//
//	"TEL\x01" | type u8 | algo u8 | u16 len member | member | seq u64
//	| prior algo u8 | u8 len prior | prior | u32 len payload | payload
//
// A record appends the u16-prefixed signature and the u8 algo, u8-prefixed
// self digest. All integers are big endian.
var magic = [4]byte{'T', 'E', 'L', 1}

const maxPayloadLen = math.MaxUint32

func canonicalSize(e *Event) int {
	return len(magic) + 1 + 1 + 2 + len(e.Member) + 8 + 1 + 1 + len(e.Prior.Bytes()) + 4 + len(e.Payload)
}

func appendCanonical(buf []byte, e *Event) []byte {
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(e.Type), byte(e.Algo))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Member)))
	buf = append(buf, e.Member...)
	buf = binary.BigEndian.AppendUint64(buf, e.Sequence)
	prior := e.Prior.Bytes()
	buf = append(buf, byte(e.Prior.Algo), byte(len(prior)))
	buf = append(buf, prior...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	return append(buf, e.Payload...)
}

// Marshal encodes a sealed event in record form.
func Marshal(e *Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if len(e.Signature) == 0 {
		return nil, ErrUnsigned
	}
	if e.Digest.IsZero() {
		return nil, fmt.Errorf("%w: event is not sealed", ErrMalformed)
	}
	if len(e.Signature) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformed, len(e.Signature))
	}

	sum := e.Digest.Bytes()
	buf := make([]byte, 0, canonicalSize(e)+2+len(e.Signature)+2+len(sum))
	buf = appendCanonical(buf, e)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Signature)))
	buf = append(buf, e.Signature...)
	buf = append(buf, byte(e.Digest.Algo), byte(len(sum)))
	return append(buf, sum...), nil
}

// Unmarshal decodes a record and recomputes its self digest. Structural
// problems wrap ErrMalformed; a digest that does not bind the contents wraps
// ErrDigestMismatch so tampering is distinguishable from truncation.
func Unmarshal(b []byte) (*Event, error) {
	r := reader{buf: b}

	if m := r.next(len(magic)); r.err == nil && string(m) != string(magic[:]) {
		return nil, fmt.Errorf("%w: bad magic or version %x", ErrMalformed, m)
	}

	e := &Event{}
	e.Type = Type(r.u8())
	e.Algo = digest.Algorithm(r.u8())
	e.Member = string(r.next(int(r.u16())))
	e.Sequence = r.u64()
	priorAlgo := digest.Algorithm(r.u8())
	priorSum := r.next(int(r.u8()))
	e.Payload = append([]byte(nil), r.next(int(r.u32()))...)
	e.Signature = append([]byte(nil), r.next(int(r.u16()))...)
	selfAlgo := digest.Algorithm(r.u8())
	selfSum := r.next(int(r.u8()))
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != r.off {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.off)
	}

	var err error
	if e.Prior, err = digest.FromBytes(priorAlgo, priorSum); err != nil {
		return nil, fmt.Errorf("%w: prior: %v", ErrMalformed, err)
	}
	if e.Digest, err = digest.FromBytes(selfAlgo, selfSum); err != nil {
		return nil, fmt.Errorf("%w: self digest: %v", ErrMalformed, err)
	}
	if len(e.Payload) == 0 {
		e.Payload = nil
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := e.VerifyDigest(); err != nil {
		return nil, err
	}
	return e, nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
