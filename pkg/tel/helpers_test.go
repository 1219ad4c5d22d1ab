package tel_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tel/pkg/crypto"
	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
	"github.com/Mindburn-Labs/tel/pkg/store"
	"github.com/Mindburn-Labs/tel/pkg/tel"
)

func signerFor(t *testing.T, seed byte) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(bytes.Repeat([]byte{seed}, 32), fmt.Sprintf("key-%d", seed))
	require.NoError(t, err)
	return s
}

// buildChain signs an inception followed by one event per type, each linked
// to the previous one.
func buildChain(signer crypto.Signer, member string, types ...event.Type) ([]*event.Event, error) {
	icp, err := event.NewInception(member, digest.Default, signer)
	if err != nil {
		return nil, err
	}
	events := []*event.Event{icp}
	for i, typ := range types {
		prev := events[len(events)-1]
		e, err := event.New(typ, member, uint64(i+1), prev.Digest, []byte(fmt.Sprintf("%s-%d", typ, i+1)))
		if err != nil {
			return nil, err
		}
		if err := e.Sign(signer); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func mustChain(t *testing.T, signer crypto.Signer, member string, types ...event.Type) []*event.Event {
	t.Helper()
	events, err := buildChain(signer, member, types...)
	require.NoError(t, err)
	return events
}

// signed builds a signed event with an arbitrary payload after prior.
func signed(t *testing.T, signer crypto.Signer, typ event.Type, member string, seq uint64, prior digest.Digest, payload string) *event.Event {
	t.Helper()
	e, err := event.New(typ, member, seq, prior, []byte(payload))
	require.NoError(t, err)
	require.NoError(t, e.Sign(signer))
	return e
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tamperStore serves altered records on Load, as if the backing medium had
// been modified behind the registry's back.
type tamperStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	altered map[string]map[uint64]func([]byte) []byte
}

func newTamperStore() *tamperStore {
	return &tamperStore{
		MemoryStore: store.NewMemoryStore(),
		altered:     make(map[string]map[uint64]func([]byte) []byte),
	}
}

func (s *tamperStore) tamper(member string, seq uint64, fn func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.altered[member] == nil {
		s.altered[member] = make(map[uint64]func([]byte) []byte)
	}
	s.altered[member][seq] = fn
}

func (s *tamperStore) Load(ctx context.Context, member string) ([][]byte, error) {
	recs, err := s.MemoryStore.Load(ctx, member)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, fn := range s.altered[member] {
		if seq < uint64(len(recs)) {
			recs[seq] = fn(recs[seq])
		}
	}
	return recs, nil
}

func flipLastByte(rec []byte) []byte {
	rec[len(rec)-1] ^= 0xff
	return rec
}

// countingRecorder counts calls per instrument.
type countingRecorder struct {
	mu        sync.Mutex
	submitted int
	appended  int
	promoted  int
	escrowed  int
	rejected  map[string]int
	dropped   int
	escrow    int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{rejected: make(map[string]int)}
}

func (r *countingRecorder) EventSubmitted(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *countingRecorder) EventAppended(_ context.Context, _ string, promoted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended++
	if promoted {
		r.promoted++
	}
}

func (r *countingRecorder) EventEscrowed(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escrowed++
}

func (r *countingRecorder) EventRejected(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *countingRecorder) EscrowDropped(_ context.Context, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped += n
}

func (r *countingRecorder) EscrowSize(_ context.Context, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escrow += delta
}

func (r *countingRecorder) SubmitDuration(context.Context, time.Duration, string) {}

var _ tel.Recorder = (*countingRecorder)(nil)
