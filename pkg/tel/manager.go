// Package tel is the Transaction Event Log engine: per-member hash-chained
// logs of inception, issuance and revocation events, validated on arrival,
// escrowed when they arrive ahead of their prior, and reducible to a member
// state by deterministic replay.
package tel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/store"
)

const (
	DefaultEscrowTTL          = 10 * time.Minute
	DefaultMaxEscrowPerMember = 1024
	DefaultMaxEscrowTotal     = 64 * 1024
	DefaultSweepInterval      = 30 * time.Second

	auditAuthor = "tel"
)

// OutcomeKind says what happened to an accepted event.
type OutcomeKind uint8

const (
	Appended OutcomeKind = iota + 1
	Escrowed
)

func (k OutcomeKind) String() string {
	switch k {
	case Appended:
		return "appended"
	case Escrowed:
		return "escrowed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(k))
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "appended":
		*k = Appended
	case "escrowed":
		*k = Escrowed
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// Outcome describes an accepted event. Escrowed is an outcome, not an error.
type Outcome struct {
	Kind     OutcomeKind   `json:"kind"`
	Member   string        `json:"member"`
	Sequence uint64        `json:"sequence"`
	Digest   digest.Digest `json:"digest"`
	// State is the member state once the call returns, including promotions.
	State State `json:"state"`
	// Promoted lists escrowed events appended as a consequence, in order.
	Promoted []*event.Event `json:"promoted,omitempty"`
	// Rejected lists escrowed candidates that lost during promotion.
	Rejected []*RejectionError `json:"-"`
}

type member struct {
	id string

	mu     sync.Mutex
	index  map[digest.Digest]uint64
	key    []byte
	escrow *escrow

	snap   atomic.Pointer[Log]
	halted atomic.Pointer[CorruptLogError]

	// retired is set, under mu, once a member whose inception failed has
	// been dropped from the table. Holders of a stale pointer look it up again.
	retired bool
}

func newMember(id string) *member {
	mem := &member{
		id:     id,
		index:  make(map[digest.Digest]uint64),
		escrow: newEscrow(),
	}
	mem.snap.Store(emptyLog(id))
	return mem
}

// Manager owns every member log of one registry. All writes to a member,
// whether from ingestion, local issuance or escrow promotion, are serialized
// by that member's mutex; different members proceed concurrently.
type Manager struct {
	store   store.RecordStore
	ledger  *ledger.Ledger
	metrics Recorder
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	algo    digest.Algorithm

	escrowTTL     time.Duration
	maxPerMember  int
	maxTotal      int64
	sweepInterval time.Duration

	mu      sync.RWMutex
	members map[string]*member
	closed  bool

	escrowTotal atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLedger sets the audit ledger. By default an in-memory ledger is used.
func WithLedger(l *ledger.Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l.With("component", "tel_manager") }
}

// WithClock overrides the clock used for escrow arrival and expiry.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithDigestAlgorithm sets the algorithm used for members incepted through
// Inception. Submitted inceptions carry their own.
func WithDigestAlgorithm(a digest.Algorithm) Option {
	return func(m *Manager) { m.algo = a }
}

func WithEscrowTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.escrowTTL = ttl }
}

// WithEscrowLimits bounds escrow per member and across the registry.
func WithEscrowLimits(perMember, total int) Option {
	return func(m *Manager) {
		m.maxPerMember = perMember
		m.maxTotal = int64(total)
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// NewManager creates a registry over s. Call Load to recover persisted logs.
func NewManager(s store.RecordStore, opts ...Option) *Manager {
	m := &Manager{
		store:         s,
		metrics:       nopRecorder{},
		logger:        slog.Default().With("component", "tel_manager"),
		tracer:        otel.Tracer("github.com/Mindburn-Labs/tel/pkg/tel"),
		clock:         time.Now,
		algo:          digest.Default,
		escrowTTL:     DefaultEscrowTTL,
		maxPerMember:  DefaultMaxEscrowPerMember,
		maxTotal:      DefaultMaxEscrowTotal,
		sweepInterval: DefaultSweepInterval,
		members:       make(map[string]*member),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ledger == nil {
		m.ledger = ledger.NewLedger().WithClock(m.clock)
	}
	return m
}

// Close stops accepting events and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.store.Close()
}

// Ledger returns the audit ledger.
func (m *Manager) Ledger() *ledger.Ledger {
	return m.ledger
}

func (m *Manager) lookup(id string, create bool) (*member, error) {
	m.mu.RLock()
	mem, closed := m.members[id], m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if mem != nil {
		return mem, nil
	}
	if !create {
		return nil, ErrUnknownMember
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mem = m.members[id]; mem == nil {
		mem = newMember(id)
		m.members[id] = mem
	}
	return mem, nil
}

// live returns the member only if it has a log and is not halted.
func (m *Manager) live(id string) (*member, *Log, error) {
	mem, err := m.lookup(id, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", err, id)
	}
	if h := mem.halted.Load(); h != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMemberHalted, id, h)
	}
	snap := mem.snap.Load()
	if snap.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	return mem, snap, nil
}

// Inception opens a log for id controlled by signer.
func (m *Manager) Inception(ctx context.Context, id string, signer crypto.Signer) (*Log, error) {
	e, err := event.NewInception(id, m.algo, signer)
	if err != nil {
		return nil, err
	}
	if _, err := m.SubmitEvent(ctx, id, e); err != nil {
		return nil, err
	}
	return m.Log(id)
}

// Issue appends an Issuance after the current head.
func (m *Manager) Issue(ctx context.Context, id string, signer crypto.Signer, payload []byte) (Outcome, error) {
	return m.next(ctx, event.Issuance, id, signer, payload)
}

// Revoke appends a Revocation after the current head.
func (m *Manager) Revoke(ctx context.Context, id string, signer crypto.Signer, payload []byte) (Outcome, error) {
	return m.next(ctx, event.Revocation, id, signer, payload)
}

func (m *Manager) next(ctx context.Context, typ event.Type, id string, signer crypto.Signer, payload []byte) (Outcome, error) {
	_, snap, err := m.live(id)
	if err != nil {
		return Outcome{}, err
	}
	head, _ := snap.Head()
	e, err := event.New(typ, id, uint64(snap.Len()), head, payload)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.Sign(signer); err != nil {
		return Outcome{}, err
	}
	return m.SubmitEvent(ctx, id, e)
}

// SubmitEvent validates e and appends or escrows it. Rejections are returned
// as *RejectionError. A cancelled context leaves no trace.
func (m *Manager) SubmitEvent(ctx context.Context, id string, e *event.Event) (out Outcome, err error) {
	if e == nil {
		return Outcome{}, &RejectionError{Kind: event.ErrMalformed, Member: id, Reason: "nil event"}
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "tel.SubmitEvent", trace.WithAttributes(spanAttrs(id, e)...))
	defer func() {
		label := out.Kind.String()
		if err != nil {
			label = "rejected"
			span.RecordError(err)
		}
		m.metrics.SubmitDuration(ctx, time.Since(start), label)
		span.End()
	}()

	m.metrics.EventSubmitted(ctx, e.Type.String())
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	e = e.Clone()
	for {
		mem, err := m.lookup(id, e.Type == event.Inception)
		if err != nil {
			if errors.Is(err, ErrUnknownMember) {
				return Outcome{}, m.reject(ctx, rejection(ErrUnknownMember, id, e, "no inception for member"))
			}
			return Outcome{}, err
		}

		mem.mu.Lock()
		if mem.retired {
			mem.mu.Unlock()
			continue
		}
		out, err = m.submitLocked(ctx, mem, e)
		if err != nil && mem.snap.Load().Len() == 0 && mem.halted.Load() == nil {
			m.retireLocked(mem)
		}
		mem.mu.Unlock()
		return out, err
	}
}

// retireLocked drops a member that never got an inception, so refused
// inceptions leave nothing behind.
func (m *Manager) retireLocked(mem *member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[mem.id] == mem {
		delete(m.members, mem.id)
	}
	mem.retired = true
}

// Log returns the current snapshot of id.
func (m *Manager) Log(id string) (*Log, error) {
	_, snap, err := m.live(id)
	return snap, err
}

// GetState returns the derived state of id.
func (m *Manager) GetState(id string) (State, error) {
	_, snap, err := m.live(id)
	if err != nil {
		return Null, err
	}
	return snap.State(), nil
}

// GetLog returns the events of id in sequence order. Events are shared and
// must not be mutated.
func (m *Manager) GetLog(id string) ([]*event.Event, error) {
	_, snap, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return snap.Events(), nil
}

// ExportRecords returns the record encoding of every event of id, the same
// bytes the store holds.
func (m *Manager) ExportRecords(id string) ([][]byte, error) {
	_, snap, err := m.live(id)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, snap.Len())
	for _, e := range snap.events {
		rec, err := event.Marshal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Escrowed lists the events of id waiting for their prior.
func (m *Manager) Escrowed(id string) ([]*event.Event, error) {
	mem, err := m.lookup(id, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, id)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.escrow.events(), nil
}

// EscrowSize is the number of events held across all members.
func (m *Manager) EscrowSize() int {
	return int(m.escrowTotal.Load())
}

// Members lists every member with a non-empty log, sorted. Halted members are
// included.
func (m *Manager) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id, mem := range m.members {
		if mem.snap.Load().Len() > 0 || mem.halted.Load() != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Halted reports the corruption that halted id, if any.
func (m *Manager) Halted(id string) error {
	mem, err := m.lookup(id, false)
	if err != nil {
		return nil
	}
	if h := mem.halted.Load(); h != nil {
		return h
	}
	return nil
}

func (m *Manager) allMembers() []*member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SweepEscrow drops escrowed events older than the TTL and returns them. It
// also retries entries whose prior became the head while a persist failed.
func (m *Manager) SweepEscrow(ctx context.Context) []*event.Event {
	cutoff := m.clock().Add(-m.escrowTTL)
	var dropped []*event.Event

	for _, mem := range m.allMembers() {
		mem.mu.Lock()
		if mem.halted.Load() == nil {
			if head, ok := mem.snap.Load().Head(); ok && mem.escrow.waiting(head) {
				var out Outcome
				m.promoteLocked(ctx, mem, head, &out)
			}
		}
		expired := mem.escrow.expire(cutoff)
		m.releaseEscrow(ctx, len(expired))
		for _, en := range expired {
			m.logger.WarnContext(ctx, "escrow entry expired",
				"member", mem.id, "sequence", en.ev.Sequence, "digest", en.ev.Digest.Short(),
				"waited", m.clock().Sub(en.arrived))
			m.audit(ledger.EntryEscrowDropped, mem.id, eventData(en.ev, "expired before prior arrived"))
			dropped = append(dropped, en.ev)
		}
		mem.mu.Unlock()
	}
	m.metrics.EscrowDropped(ctx, len(dropped))
	return dropped
}

// Run sweeps escrow every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := len(m.SweepEscrow(ctx)); n > 0 {
				m.logger.InfoContext(ctx, "escrow sweep", "dropped", n)
			}
		}
	}
}

// LoadReport summarizes startup recovery.
type LoadReport struct {
	Loaded int
	Events int
	Halted map[string]error
	// Unreadable names store entries that could not be attributed to any
	// member. They stay on disk untouched.
	Unreadable []string
}

// Load replays every persisted member log. Corrupt members are halted and
// reported; the rest become live. Store failures abort the load.
func (m *Manager) Load(ctx context.Context) (*LoadReport, error) {
	report := &LoadReport{Halted: make(map[string]error)}
	ids, err := m.store.Members(ctx)
	if err != nil {
		var unreadable *store.UnreadableError
		if !errors.As(err, &unreadable) {
			return nil, fmt.Errorf("list members: %w", err)
		}
		report.Unreadable = unreadable.Entries
		for i, entry := range unreadable.Entries {
			m.logger.ErrorContext(ctx, "unreadable member entry", "entry", entry, "error", unreadable.Errs[i])
			m.audit(ledger.EntryMemberHalted, "", map[string]interface{}{
				"entry":  entry,
				"reason": unreadable.Errs[i].Error(),
			})
		}
	}

	for _, id := range ids {
		mem := newMember(id)
		records, err := m.store.Load(ctx, id)
		if err != nil && !errors.Is(err, store.ErrCorrupt) {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		var events []*event.Event
		var h *History
		if err == nil {
			events, h, err = DecodeLog(id, records)
		} else {
			err = corrupt(id, 0, "%w", err)
		}

		m.mu.Lock()
		m.members[id] = mem
		m.mu.Unlock()

		if err != nil {
			cerr := &CorruptLogError{}
			if !errors.As(err, &cerr) {
				cerr = corrupt(id, 0, "%w", err)
			}
			mem.mu.Lock()
			m.haltLocked(ctx, mem, cerr)
			mem.mu.Unlock()
			report.Halted[id] = cerr
			continue
		}

		snap := emptyLog(id)
		for i, e := range events {
			mem.index[e.Digest] = e.Sequence
			snap = snap.with(e, h.States[i])
		}
		if key, ok := snap.ControllerKey(); ok {
			mem.key = key
		}
		mem.snap.Store(snap)
		report.Loaded++
		report.Events += len(events)
	}

	m.logger.InfoContext(ctx, "registry loaded",
		"members", report.Loaded, "events", report.Events, "halted", len(report.Halted), "unreadable", len(report.Unreadable))
	return report, nil
}

// Audit re-reads the persisted records of id and re-verifies them against the
// live log. Any divergence halts the member.
func (m *Manager) Audit(ctx context.Context, id string) error {
	mem, err := m.lookup(id, false)
	if err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if h := mem.halted.Load(); h != nil {
		return h
	}

	records, err := m.store.Load(ctx, id)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return fmt.Errorf("load %s: %w", id, err)
	}
	var cerr *CorruptLogError
	if err != nil {
		cerr = corrupt(id, 0, "%w", err)
	} else if events, _, derr := DecodeLog(id, records); derr != nil {
		if !errors.As(derr, &cerr) {
			cerr = corrupt(id, 0, "%w", derr)
		}
	} else {
		snap := mem.snap.Load()
		if len(events) != snap.Len() {
			cerr = corrupt(id, uint64(min(len(events), snap.Len())),
				"store holds %d records, log holds %d", len(events), snap.Len())
		} else {
			for i, e := range events {
				if !e.Digest.Equal(snap.events[i].Digest) {
					cerr = corrupt(id, uint64(i), "stored digest %s differs from %s", e.Digest, snap.events[i].Digest)
					break
				}
			}
		}
	}
	if cerr != nil {
		m.haltLocked(ctx, mem, cerr)
		return cerr
	}
	return nil
}

// haltLocked stops all writes to mem and drops its escrow.
func (m *Manager) haltLocked(ctx context.Context, mem *member, cerr *CorruptLogError) {
	mem.halted.Store(cerr)
	dropped := mem.escrow.all()
	m.releaseEscrow(ctx, len(dropped))
	m.metrics.EscrowDropped(ctx, len(dropped))

	m.logger.ErrorContext(ctx, "member halted", "member", mem.id, "sequence", cerr.Sequence, "error", cerr.Err)
	m.audit(ledger.EntryMemberHalted, mem.id, map[string]interface{}{
		"sequence":       cerr.Sequence,
		"reason":         cerr.Err.Error(),
		"escrow_dropped": len(dropped),
	})
}

func (m *Manager) releaseEscrow(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.escrowTotal.Add(-int64(n))
	m.metrics.EscrowSize(ctx, -int64(n))
}

func (m *Manager) audit(entryType, memberID string, data map[string]interface{}) {
	if _, err := m.ledger.Append(entryType, auditAuthor, memberID, data); err != nil {
		m.logger.Error("audit ledger append failed", "entry_type", entryType, "member", memberID, "error", err)
	}
}

func eventData(e *event.Event, reason string) map[string]interface{} {
	data := map[string]interface{}{
		"type":     e.Type.String(),
		"sequence": e.Sequence,
		"digest":   e.Digest.String(),
	}
	if !e.Prior.IsZero() {
		data["prior"] = e.Prior.String()
	}
	if reason != "" {
		data["reason"] = reason
	}
	return data
}
