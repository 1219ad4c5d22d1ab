package event

import "fmt"

// Type is the closed set of TEL event kinds.
type Type uint8

const (
	// Inception opens a member log at sequence 0 and fixes its controller key
	// and digest algorithm. It does not change the member's state.
	Inception Type = iota + 1
	Issuance
	Revocation
)

func (t Type) String() string {
	switch t {
	case Inception:
		return "inception"
	case Issuance:
		return "issuance"
	case Revocation:
		return "revocation"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined kinds.
func (t Type) Valid() bool {
	switch t {
	case Inception, Issuance, Revocation:
		return true
	default:
		return false
	}
}

// ParseType accepts the long names and the short ilk codes (icp, iss, rev).
func ParseType(s string) (Type, error) {
	switch s {
	case "inception", "icp":
		return Inception, nil
	case "issuance", "iss":
		return Issuance, nil
	case "revocation", "rev":
		return Revocation, nil
	default:
		return 0, fmt.Errorf("%w: unknown event type %q", ErrMalformed, s)
	}
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, t)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
