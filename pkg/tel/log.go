package tel

import (
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
)

// Log is an immutable snapshot of one member's validated events. A snapshot
// never changes after it is published; appends produce a new one. Readers
// therefore always see a gap-free prefix without taking any lock.
type Log struct {
	member string
	// events shares its backing array with later snapshots. Appends only
	// write beyond len(events), which this snapshot never reads.
	events []*event.Event
	state  State
}

func emptyLog(member string) *Log {
	return &Log{member: member}
}

// with returns the snapshot extended by e, whose resulting state is next. Only
// the newest snapshot of a member is ever extended.
func (l *Log) with(e *event.Event, next State) *Log {
	return &Log{
		member: l.member,
		events: append(l.events, e),
		state:  next,
	}
}

func (l *Log) Member() string { return l.member }

// Len is the number of events, which is also the next sequence number.
func (l *Log) Len() int { return len(l.events) }

// State is the incrementally maintained state after the last event.
func (l *Log) State() State { return l.state }

// Head returns the digest of the last event.
func (l *Log) Head() (digest.Digest, bool) {
	if len(l.events) == 0 {
		return digest.Digest{}, false
	}
	return l.events[len(l.events)-1].Digest, true
}

// Get returns the event at seq. The event is shared and must not be mutated.
func (l *Log) Get(seq uint64) (*event.Event, bool) {
	if seq >= uint64(len(l.events)) {
		return nil, false
	}
	return l.events[seq], true
}

// Events returns the events in sequence order. The slice is a copy; the events
// are shared.
func (l *Log) Events() []*event.Event {
	out := make([]*event.Event, len(l.events))
	copy(out, l.events)
	return out
}

// ControllerKey is the public key fixed by the inception event.
func (l *Log) ControllerKey() ([]byte, bool) {
	if len(l.events) == 0 {
		return nil, false
	}
	return l.events[0].ControllerKey()
}

// Algorithm is the member's digest algorithm, fixed at inception.
func (l *Log) Algorithm() digest.Algorithm {
	if len(l.events) == 0 {
		return digest.None
	}
	return l.events[0].Algo
}
