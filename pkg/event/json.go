package event

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tel/pkg/digest"
)

// jsonEvent is the wire shape used by the HTTP API and CLI output. Byte fields
// are base64 and digests use their textual "<algo>:<hex>" form.
type jsonEvent struct {
	Type      Type             `json:"type"`
	Member    string           `json:"member"`
	Sequence  uint64           `json:"sequence"`
	Prior     string           `json:"prior,omitempty"`
	Algorithm digest.Algorithm `json:"algorithm"`
	Payload   []byte           `json:"payload,omitempty"`
	Signature []byte           `json:"signature"`
	Digest    string           `json:"digest"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonEvent{
		Type:      e.Type,
		Member:    e.Member,
		Sequence:  e.Sequence,
		Prior:     e.Prior.String(),
		Algorithm: e.Algo,
		Payload:   e.Payload,
		Signature: e.Signature,
		Digest:    e.Digest.String(),
	})
}

// UnmarshalJSON decodes the wire shape. It does not check the digest binding;
// that is the validator's job.
func (e *Event) UnmarshalJSON(data []byte) error {
	var j jsonEvent
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	prior, err := digest.Parse(j.Prior)
	if err != nil {
		return fmt.Errorf("%w: prior: %v", ErrMalformed, err)
	}
	self, err := digest.Parse(j.Digest)
	if err != nil {
		return fmt.Errorf("%w: digest: %v", ErrMalformed, err)
	}
	*e = Event{
		Type:      j.Type,
		Member:    j.Member,
		Sequence:  j.Sequence,
		Prior:     prior,
		Payload:   j.Payload,
		Algo:      j.Algorithm,
		Signature: j.Signature,
		Digest:    self,
	}
	return nil
}
