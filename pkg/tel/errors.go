package tel

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/tel/pkg/digest"
)

// Rejection reasons. Every rejected event carries exactly one of these (or
// crypto.ErrCrypto / event.ErrMalformed) as its Kind.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrStaleOrForked     = errors.New("stale or forked event")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrCorruptLog        = errors.New("corrupt log")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrUnknownMember     = errors.New("unknown member")
	ErrEscrowFull        = errors.New("escrow full")
	ErrMemberHalted      = errors.New("member halted")
	ErrClosed            = errors.New("manager closed")
)

// RejectionError describes why an event was not accepted. It unwraps to its
// Kind so callers can match with errors.Is.
type RejectionError struct {
	Kind     error
	Member   string
	Sequence uint64
	Digest   digest.Digest
	Reason   string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("tel: %s#%d rejected: %v", e.Member, e.Sequence, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RejectionError) Unwrap() error {
	return e.Kind
}

// CorruptLogError reports a persisted or replayed log that violates the chain
// rules. It matches both ErrCorruptLog and the underlying cause.
type CorruptLogError struct {
	Member   string
	Sequence uint64
	Err      error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("tel: corrupt log %s at sequence %d: %v", e.Member, e.Sequence, e.Err)
}

func (e *CorruptLogError) Unwrap() []error {
	return []error{ErrCorruptLog, e.Err}
}

func corrupt(member string, seq uint64, format string, args ...any) *CorruptLogError {
	return &CorruptLogError{Member: member, Sequence: seq, Err: fmt.Errorf(format, args...)}
}

// reasonLabel is the low-cardinality metric label for a rejection kind.
func reasonLabel(kind error) string {
	switch {
	case errors.Is(kind, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(kind, ErrStaleOrForked):
		return "stale_or_forked"
	case errors.Is(kind, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(kind, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(kind, ErrUnknownMember):
		return "unknown_member"
	case errors.Is(kind, ErrEscrowFull):
		return "escrow_full"
	case errors.Is(kind, ErrMemberHalted):
		return "member_halted"
	case errors.Is(kind, ErrCorruptLog):
		return "corrupt_log"
	default:
		return "malformed"
	}
}
