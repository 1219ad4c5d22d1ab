package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrCrypto classifies malformed cryptographic material. Events carrying it
	// are always rejected and never retried.
	ErrCrypto = errors.New("crypto error")

	ErrMalformedKey       = fmt.Errorf("%w: malformed key", ErrCrypto)
	ErrMalformedSignature = fmt.Errorf("%w: malformed signature", ErrCrypto)
	ErrUnknownKey         = errors.New("unknown or revoked key")
)

// Error carries the offending detail while unwrapping to one of the sentinels
// above, so callers match with errors.Is(err, ErrCrypto).
type Error struct {
	Kind   error
	Detail string
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}
