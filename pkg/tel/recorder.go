package tel

import (
	"context"
	"time"
)

// Recorder receives event log measurements. observability.TELMetrics is the
// OpenTelemetry implementation.
type Recorder interface {
	EventSubmitted(ctx context.Context, eventType string)
	EventAppended(ctx context.Context, eventType string, promoted bool)
	EventEscrowed(ctx context.Context, eventType string)
	EventRejected(ctx context.Context, reason string)
	EscrowDropped(ctx context.Context, n int)
	EscrowSize(ctx context.Context, delta int64)
	SubmitDuration(ctx context.Context, d time.Duration, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) EventSubmitted(context.Context, string)                {}
func (nopRecorder) EventAppended(context.Context, string, bool)           {}
func (nopRecorder) EventEscrowed(context.Context, string)                 {}
func (nopRecorder) EventRejected(context.Context, string)                 {}
func (nopRecorder) EscrowDropped(context.Context, int)                    {}
func (nopRecorder) EscrowSize(context.Context, int64)                     {}
func (nopRecorder) SubmitDuration(context.Context, time.Duration, string) {}
