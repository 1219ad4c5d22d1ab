package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event log attributes.
var (
	AttrMember    = attribute.Key("tel.member")
	AttrEventType = attribute.Key("tel.event.type")
	AttrOutcome   = attribute.Key("tel.outcome")
	AttrReason    = attribute.Key("tel.reject.reason")
	AttrPromoted  = attribute.Key("tel.promoted")
)

// TELMetrics records event log outcomes. It satisfies the manager's Recorder
// interface; a nil *TELMetrics records nothing.
type TELMetrics struct {
	submitted metric.Int64Counter
	appended  metric.Int64Counter
	escrowed  metric.Int64Counter
	rejected  metric.Int64Counter
	dropped   metric.Int64Counter
	escrow    metric.Int64UpDownCounter
	duration  metric.Float64Histogram
}

// NewTELMetrics creates the event log instruments on meter.
func NewTELMetrics(meter metric.Meter) (*TELMetrics, error) {
	m := &TELMetrics{}
	var err error

	if m.submitted, err = meter.Int64Counter("tel.events.submitted",
		metric.WithDescription("Events offered to the log"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.appended, err = meter.Int64Counter("tel.events.appended",
		metric.WithDescription("Events appended, directly or by escrow promotion"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.escrowed, err = meter.Int64Counter("tel.events.escrowed",
		metric.WithDescription("Events held waiting for their prior"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("tel.events.rejected",
		metric.WithDescription("Events rejected, by reason"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("tel.escrow.dropped",
		metric.WithDescription("Escrowed events expired before promotion"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.escrow, err = meter.Int64UpDownCounter("tel.escrow.size",
		metric.WithDescription("Events currently held in escrow"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("tel.submit.duration",
		metric.WithDescription("Time to validate and apply a submitted event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// TELMetrics returns event log instruments bound to the provider's meter.
func (p *Provider) TELMetrics() (*TELMetrics, error) {
	return NewTELMetrics(p.Meter())
}

func (m *TELMetrics) EventSubmitted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

func (m *TELMetrics) EventAppended(ctx context.Context, eventType string, promoted bool) {
	if m == nil {
		return
	}
	m.appended.Add(ctx, 1, metric.WithAttributes(
		AttrEventType.String(eventType),
		AttrPromoted.Bool(promoted),
	))
}

func (m *TELMetrics) EventEscrowed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.escrowed.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

func (m *TELMetrics) EventRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *TELMetrics) EscrowDropped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(ctx, int64(n))
}

func (m *TELMetrics) EscrowSize(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.escrow.Add(ctx, delta)
}

func (m *TELMetrics) SubmitDuration(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
}
