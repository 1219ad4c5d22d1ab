package tel

import (
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
)

// History is the result of a full replay: the state after every event.
type History struct {
	Member string
	Events []*event.Event
	// States[i] is the state after Events[i].
	States []State
	Final  State
}

// Head is the digest of the last replayed event, zero for an empty history.
func (h *History) Head() digest.Digest {
	if len(h.Events) == 0 {
		return digest.Digest{}
	}
	return h.Events[len(h.Events)-1].Digest
}

// DeriveState folds events from Null. It has no side effects; any event that
// breaks digest binding, chain linkage or the transition table yields a
// *CorruptLogError.
func DeriveState(events []*event.Event) (State, error) {
	h, err := Replay(events)
	if err != nil {
		return Null, err
	}
	return h.Final, nil
}

// Replay recomputes the full history of a log without trusting any cached
// state. Signatures are not checked; see VerifyLog.
func Replay(events []*event.Event) (*History, error) {
	h := &History{
		Events: events,
		States: make([]State, 0, len(events)),
		Final:  Null,
	}
	if len(events) == 0 {
		return h, nil
	}

	first := events[0]
	h.Member = first.Member
	if first.Type != event.Inception {
		return nil, corrupt(h.Member, 0, "log starts with %s, want inception", first.Type)
	}

	state := Null
	for i, e := range events {
		seq := uint64(i)
		if err := e.Validate(); err != nil {
			return nil, corrupt(h.Member, seq, "%w", err)
		}
		if err := e.VerifyDigest(); err != nil {
			return nil, corrupt(h.Member, seq, "%w", err)
		}
		if e.Member != h.Member {
			return nil, corrupt(h.Member, seq, "event belongs to member %q", e.Member)
		}
		if e.Sequence != seq {
			return nil, corrupt(h.Member, seq, "event carries sequence %d", e.Sequence)
		}
		if e.Algo != first.Algo {
			return nil, corrupt(h.Member, seq, "digest algorithm %s differs from inception %s", e.Algo, first.Algo)
		}
		if i > 0 {
			if e.Type == event.Inception {
				return nil, corrupt(h.Member, seq, "second inception")
			}
			if !e.Prior.Equal(events[i-1].Digest) {
				return nil, corrupt(h.Member, seq, "prior %s does not link to %s", e.Prior, events[i-1].Digest)
			}
		}
		next, err := Next(state, e.Type)
		if err != nil {
			return nil, corrupt(h.Member, seq, "%w", err)
		}
		state = next
		h.States = append(h.States, state)
	}
	h.Final = state
	return h, nil
}

// VerifyLog is Replay plus independent re-verification of every signature
// against the inception key.
func VerifyLog(events []*event.Event) (*History, error) {
	h, err := Replay(events)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return h, nil
	}
	key, ok := events[0].ControllerKey()
	if !ok {
		return nil, corrupt(h.Member, 0, "inception carries no controller key")
	}
	for i, e := range events {
		valid, err := e.VerifySignature(key)
		if err != nil {
			return nil, corrupt(h.Member, uint64(i), "%w", err)
		}
		if !valid {
			return nil, corrupt(h.Member, uint64(i), "%w", ErrInvalidSignature)
		}
	}
	return h, nil
}

// DecodeLog decodes persisted records of member and verifies them with
// VerifyLog. Decoding failures, including digest mismatches from tampering,
// are reported as corruption.
func DecodeLog(member string, records [][]byte) ([]*event.Event, *History, error) {
	events := make([]*event.Event, 0, len(records))
	for i, rec := range records {
		e, err := event.Unmarshal(rec)
		if err != nil {
			return nil, nil, corrupt(member, uint64(i), "decode: %w", err)
		}
		events = append(events, e)
	}
	h, err := VerifyLog(events)
	if err != nil {
		return nil, nil, err
	}
	if len(events) > 0 && h.Member != member {
		return nil, nil, corrupt(member, 0, "records belong to member %q", h.Member)
	}
	return events, h, nil
}
