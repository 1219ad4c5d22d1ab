package tel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tel/pkg/digest"
	"github.com/Mindburn-Labs/tel/pkg/event"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  State
		typ   event.Type
		want  State
		legal bool
	}{
		{Null, event.Inception, Null, true},
		{Null, event.Issuance, Issued, true},
		{Null, event.Revocation, Null, false},
		{Issued, event.Inception, Issued, false},
		{Issued, event.Issuance, Issued, false},
		{Issued, event.Revocation, Revoked, true},
		{Revoked, event.Inception, Revoked, false},
		{Revoked, event.Issuance, Issued, true},
		{Revoked, event.Revocation, Revoked, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.typ.String(), func(t *testing.T) {
			got, err := Next(tt.from, tt.typ)
			if !tt.legal {
				require.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Next(Null, event.Type(9))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestStateText(t *testing.T) {
	for s, want := range map[State]string{Null: "NULL", Issued: "Issued", Revoked: "Revoked"} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
	assert.Equal(t, "State(7)", State(7).String())
}

func TestLogSnapshotsAreImmutable(t *testing.T) {
	base := emptyLog("alice")
	e0 := &event.Event{Type: event.Inception, Member: "alice"}
	e1 := &event.Event{Type: event.Issuance, Member: "alice", Sequence: 1}

	s1 := base.with(e0, Null)
	s2 := s1.with(e1, Issued)

	assert.Equal(t, 0, base.Len())
	assert.Equal(t, 1, s1.Len())
	assert.Equal(t, Null, s1.State())
	assert.Equal(t, 2, s2.Len())
	assert.Equal(t, Issued, s2.State())

	events := s2.Events()
	events[0] = nil
	got, ok := s2.Get(0)
	require.True(t, ok)
	assert.Same(t, e0, got)
	_, ok = s2.Get(2)
	assert.False(t, ok)
}

func TestEscrowOrdering(t *testing.T) {
	x := newEscrow()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }
	d := func(s string) digest.Digest { return digest.MustDerive(digest.Default, []byte(s)) }

	a := &event.Event{Sequence: 3, Digest: d("a"), Prior: d("p9")}
	b := &event.Event{Sequence: 2, Digest: d("b"), Prior: d("p8")}
	c := &event.Event{Sequence: 2, Digest: d("c"), Prior: d("p8")}

	x.add(a, clock(0))
	x.add(b, clock(1))
	x.add(c, clock(2))
	assert.Equal(t, 3, x.len())
	assert.True(t, x.has(b.Digest))
	assert.True(t, x.waiting(b.Prior))

	assert.Equal(t, []*event.Event{b, c, a}, x.events())

	taken := x.take(b.Prior)
	require.Len(t, taken, 2)
	assert.Same(t, b, taken[0].ev)
	assert.Same(t, c, taken[1].ev)
	assert.Equal(t, 1, x.len())
	assert.False(t, x.has(b.Digest))

	expired := x.expire(clock(5))
	require.Len(t, expired, 1)
	assert.Equal(t, 0, x.len())
	assert.Empty(t, x.all())
}
