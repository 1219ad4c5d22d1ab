package tel

import (
	"fmt"

	"github.com/Mindburn-Labs/tel/pkg/event"
)

// State is the derived status of a member.
type State uint8

const (
	// Null is the state of an empty log and of a log holding only its
	// inception.
	Null State = iota
	Issued
	Revoked
)

func (s State) String() string {
	switch s {
	case Null:
		return "NULL"
	case Issued:
		return "Issued"
	case Revoked:
		return "Revoked"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Next applies the transition table. Inception is legal only from Null and
// only on an empty log; callers check emptiness, which the state alone cannot
// express. Re-issuance after revocation is permitted.
func Next(s State, t event.Type) (State, error) {
	switch t {
	case event.Inception:
		if s == Null {
			return Null, nil
		}
	case event.Issuance:
		if s == Null || s == Revoked {
			return Issued, nil
		}
	case event.Revocation:
		if s == Issued {
			return Revoked, nil
		}
	default:
		return s, fmt.Errorf("%w: unknown event type %s", ErrIllegalTransition, t)
	}
	return s, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, t, s)
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	switch s {
	case "NULL":
		return Null, nil
	case "Issued":
		return Issued, nil
	case "Revoked":
		return Revoked, nil
	default:
		return Null, fmt.Errorf("unknown state %q", s)
	}
}

func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
