package tel

import (
	"sort"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
)

type escrowEntry struct {
	ev      *event.Event
	arrived time.Time
}

// escrow holds one member's events whose prior is not yet in the log, keyed by
// that prior. Candidates for the same prior keep their arrival order so the
// first valid one wins on promotion. Guarded by the member mutex.
type escrow struct {
	byPrior map[digest.Digest][]*escrowEntry
	digests map[digest.Digest]struct{}
}

func newEscrow() *escrow {
	return &escrow{
		byPrior: make(map[digest.Digest][]*escrowEntry),
		digests: make(map[digest.Digest]struct{}),
	}
}

func (x *escrow) len() int { return len(x.digests) }

func (x *escrow) has(d digest.Digest) bool {
	_, ok := x.digests[d]
	return ok
}

func (x *escrow) waiting(prior digest.Digest) bool {
	return len(x.byPrior[prior]) > 0
}

func (x *escrow) add(e *event.Event, arrived time.Time) {
	x.byPrior[e.Prior] = append(x.byPrior[e.Prior], &escrowEntry{ev: e, arrived: arrived})
	x.digests[e.Digest] = struct{}{}
}

// take removes and returns every candidate waiting for prior.
func (x *escrow) take(prior digest.Digest) []*escrowEntry {
	out := x.byPrior[prior]
	delete(x.byPrior, prior)
	for _, en := range out {
		delete(x.digests, en.ev.Digest)
	}
	return out
}

// expire removes entries that arrived before cutoff.
func (x *escrow) expire(cutoff time.Time) []*escrowEntry {
	var dropped []*escrowEntry
	for prior, entries := range x.byPrior {
		kept := entries[:0]
		for _, en := range entries {
			if en.arrived.Before(cutoff) {
				dropped = append(dropped, en)
				delete(x.digests, en.ev.Digest)
				continue
			}
			kept = append(kept, en)
		}
		if len(kept) == 0 {
			delete(x.byPrior, prior)
		} else {
			x.byPrior[prior] = kept
		}
	}
	sortEntries(dropped)
	return dropped
}

// all removes and returns every entry.
func (x *escrow) all() []*escrowEntry {
	var out []*escrowEntry
	for _, entries := range x.byPrior {
		out = append(out, entries...)
	}
	x.byPrior = make(map[digest.Digest][]*escrowEntry)
	x.digests = make(map[digest.Digest]struct{})
	sortEntries(out)
	return out
}

// events lists held events by sequence, then arrival.
func (x *escrow) events() []*event.Event {
	var entries []*escrowEntry
	for _, es := range x.byPrior {
		entries = append(entries, es...)
	}
	sortEntries(entries)
	out := make([]*event.Event, len(entries))
	for i, en := range entries {
		out[i] = en.ev
	}
	return out
}

func sortEntries(entries []*escrowEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ev.Sequence != entries[j].ev.Sequence {
			return entries[i].ev.Sequence < entries[j].ev.Sequence
		}
		return entries[i].arrived.Before(entries[j].arrived)
	})
}
