package tel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/observability"
	"github.com/Mindburn-Labs/tel/pkg/store"
)

type verdict uint8

const (
	verdictAppend verdict = iota + 1
	verdictEscrow
	// verdictHeld means the exact event is already waiting in escrow.
	verdictHeld
)

func rejection(kind error, id string, e *event.Event, reason string) *RejectionError {
	rej := &RejectionError{Kind: kind, Member: id, Reason: reason}
	if e != nil {
		rej.Sequence = e.Sequence
		rej.Digest = e.Digest
	}
	return rej
}

// validateLocked runs the checks in order and stops at the first failure.
// On verdictAppend the returned state is the state after e.
func (m *Manager) validateLocked(mem *member, e *event.Event) (verdict, State, *RejectionError) {
	snap := mem.snap.Load()

	// Well-formedness and digest binding.
	if e.Member != mem.id {
		return 0, Null, rejection(event.ErrMalformed, mem.id, e, fmt.Sprintf("event names member %q", e.Member))
	}
	if err := e.Validate(); err != nil {
		return 0, Null, rejection(event.ErrMalformed, mem.id, e, err.Error())
	}
	if snap.Len() > 0 && e.Algo != snap.Algorithm() {
		return 0, Null, rejection(event.ErrMalformed, mem.id, e,
			fmt.Sprintf("digest algorithm %s, member uses %s", e.Algo, snap.Algorithm()))
	}
	if len(e.Signature) == 0 {
		return 0, Null, rejection(ErrInvalidSignature, mem.id, e, event.ErrUnsigned.Error())
	}
	if err := e.VerifyDigest(); err != nil {
		return 0, Null, rejection(crypto.ErrCrypto, mem.id, e, err.Error())
	}

	// Signature against the controller key.
	key := mem.key
	if key == nil {
		if e.Type != event.Inception {
			return 0, Null, rejection(ErrUnknownMember, mem.id, e, "no inception for member")
		}
		key = e.Payload
	}
	valid, err := e.VerifySignature(key)
	if err != nil {
		return 0, Null, rejection(crypto.ErrCrypto, mem.id, e, err.Error())
	}
	if !valid {
		return 0, Null, rejection(ErrInvalidSignature, mem.id, e, "signature does not verify against controller key")
	}

	// Linkage.
	if seq, ok := mem.index[e.Digest]; ok {
		return 0, Null, rejection(ErrDuplicateEvent, mem.id, e, fmt.Sprintf("already appended at sequence %d", seq))
	}
	if mem.escrow.has(e.Digest) {
		return verdictHeld, Null, nil
	}
	head, ok := snap.Head()
	switch {
	case e.Type == event.Inception:
		if ok {
			return 0, Null, rejection(ErrIllegalTransition, mem.id, e, "member already incepted")
		}
	case e.Prior.Equal(head):
		if e.Sequence != uint64(snap.Len()) {
			return 0, Null, rejection(ErrIllegalTransition, mem.id, e,
				fmt.Sprintf("follows head but carries sequence %d, want %d", e.Sequence, snap.Len()))
		}
	default:
		if seq, known := mem.index[e.Prior]; known {
			return 0, Null, rejection(ErrStaleOrForked, mem.id, e,
				fmt.Sprintf("prior is sequence %d, head is %d", seq, snap.Len()-1))
		}
		// The event at len-1 is the head, so an unknown prior claiming any
		// slot up to len is on another branch.
		if e.Sequence <= uint64(snap.Len()) {
			return 0, Null, rejection(ErrStaleOrForked, mem.id, e,
				fmt.Sprintf("sequence %d already decided", e.Sequence))
		}
		return verdictEscrow, Null, nil
	}

	// State legality.
	next, err := Next(snap.State(), e.Type)
	if err != nil {
		return 0, Null, rejection(ErrIllegalTransition, mem.id, e, err.Error())
	}
	return verdictAppend, next, nil
}

func (m *Manager) submitLocked(ctx context.Context, mem *member, e *event.Event) (Outcome, error) {
	if h := mem.halted.Load(); h != nil {
		return Outcome{}, m.reject(ctx, rejection(ErrMemberHalted, mem.id, e, h.Error()))
	}

	v, next, rej := m.validateLocked(mem, e)
	if rej != nil {
		return Outcome{}, m.reject(ctx, rej)
	}

	out := Outcome{Member: mem.id, Sequence: e.Sequence, Digest: e.Digest}
	switch v {
	case verdictHeld:
		out.Kind = Escrowed
		out.State = mem.snap.Load().State()
		return out, nil
	case verdictEscrow:
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if rej := m.holdLocked(ctx, mem, e); rej != nil {
			return Outcome{}, m.reject(ctx, rej)
		}
		m.metrics.EventEscrowed(ctx, e.Type.String())
		m.audit(ledger.EntryEscrowed, mem.id, eventData(e, ""))
		m.logger.InfoContext(ctx, "event escrowed",
			"member", mem.id, "sequence", e.Sequence, "prior", e.Prior.Short(), "escrow", mem.escrow.len())
		out.Kind = Escrowed
		out.State = mem.snap.Load().State()
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := m.appendLocked(ctx, mem, e, next, false); err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return Outcome{}, m.reject(ctx, rej)
		}
		return Outcome{}, err
	}
	out.Kind = Appended

	m.promoteLocked(ctx, mem, e.Digest, &out)
	out.State = mem.snap.Load().State()
	return out, nil
}

// holdLocked places e in escrow, enforcing the per-member and total bounds.
func (m *Manager) holdLocked(ctx context.Context, mem *member, e *event.Event) *RejectionError {
	if m.maxPerMember > 0 && mem.escrow.len() >= m.maxPerMember {
		return rejection(ErrEscrowFull, mem.id, e, fmt.Sprintf("member holds %d escrowed events", mem.escrow.len()))
	}
	if total := m.escrowTotal.Add(1); m.maxTotal > 0 && total > m.maxTotal {
		m.escrowTotal.Add(-1)
		return rejection(ErrEscrowFull, mem.id, e, fmt.Sprintf("registry holds %d escrowed events", total-1))
	}
	mem.escrow.add(e, m.clock())
	m.metrics.EscrowSize(ctx, 1)
	return nil
}

// appendLocked persists e, then publishes the new snapshot. A store conflict
// is returned as a *RejectionError.
func (m *Manager) appendLocked(ctx context.Context, mem *member, e *event.Event, next State, promoted bool) error {
	rec, err := event.Marshal(e)
	if err != nil {
		return rejection(event.ErrMalformed, mem.id, e, err.Error())
	}
	if err := m.store.Append(ctx, mem.id, e.Sequence, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return rejection(ErrStaleOrForked, mem.id, e, err.Error())
		}
		return fmt.Errorf("persist %s: %w", e, err)
	}

	if e.Type == event.Inception {
		mem.key, _ = e.ControllerKey()
	}
	mem.index[e.Digest] = e.Sequence
	mem.snap.Store(mem.snap.Load().with(e, next))

	entryType := ledger.EntryAppended
	if promoted {
		entryType = ledger.EntryPromoted
	}
	m.metrics.EventAppended(ctx, e.Type.String(), promoted)
	m.audit(entryType, mem.id, eventData(e, ""))
	m.logger.DebugContext(ctx, "event appended",
		"member", mem.id, "type", e.Type.String(), "sequence", e.Sequence, "digest", e.Digest.Short(), "promoted", promoted)
	return nil
}

// promoteLocked drains escrow behind head with a worklist. Each candidate is
// revalidated against the log as it stands; for a shared prior the first
// valid candidate wins and the rest lose as stale. Promotion of an already
// accepted event is not undone by the caller's cancellation.
func (m *Manager) promoteLocked(ctx context.Context, mem *member, head digest.Digest, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	work := []digest.Digest{head}
	for len(work) > 0 {
		prior := work[0]
		work = work[1:]

		entries := mem.escrow.take(prior)
		m.releaseEscrow(ctx, len(entries))
		for i, en := range entries {
			v, next, rej := m.validateLocked(mem, en.ev)
			if rej != nil {
				m.noteRejection(ctx, rej)
				out.Rejected = append(out.Rejected, rej)
				continue
			}
			if v != verdictAppend {
				continue
			}
			if err := m.appendLocked(ctx, mem, en.ev, next, true); err != nil {
				var rej *RejectionError
				if errors.As(err, &rej) {
					m.noteRejection(ctx, rej)
					out.Rejected = append(out.Rejected, rej)
					continue
				}
				// Keep the rest for the next sweep.
				m.logger.ErrorContext(ctx, "escrow promotion failed", "member", mem.id, "sequence", en.ev.Sequence, "error", err)
				for _, rest := range entries[i:] {
					mem.escrow.add(rest.ev, rest.arrived)
				}
				m.escrowTotal.Add(int64(len(entries) - i))
				m.metrics.EscrowSize(ctx, int64(len(entries)-i))
				return
			}
			out.Promoted = append(out.Promoted, en.ev)
			work = append(work, en.ev.Digest)
		}
	}
}

// reject records a rejection and returns it as an error.
func (m *Manager) reject(ctx context.Context, rej *RejectionError) error {
	m.noteRejection(ctx, rej)
	return rej
}

// noteRejection counts, audits and logs a refused event.
func (m *Manager) noteRejection(ctx context.Context, rej *RejectionError) {
	m.metrics.EventRejected(ctx, reasonLabel(rej.Kind))

	entryType := ledger.EntryRejected
	if errors.Is(rej.Kind, ErrStaleOrForked) {
		entryType = ledger.EntryForkDetected
	}
	data := map[string]interface{}{
		"sequence": rej.Sequence,
		"kind":     rej.Kind.Error(),
		"reason":   rej.Reason,
	}
	if !rej.Digest.IsZero() {
		data["digest"] = rej.Digest.String()
	}
	m.audit(entryType, rej.Member, data)

	m.logger.WarnContext(ctx, "event rejected",
		"member", rej.Member, "sequence", rej.Sequence, "kind", reasonLabel(rej.Kind), "reason", rej.Reason)
}

func spanAttrs(id string, e *event.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{observability.AttrMember.String(id)}
	if e != nil {
		attrs = append(attrs,
			observability.AttrEventType.String(e.Type.String()),
			attribute.Int64("tel.event.sequence", int64(e.Sequence)),
		)
	}
	return attrs
}
