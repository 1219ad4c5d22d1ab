package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "aggregation is %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTELMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewTELMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.EventSubmitted(ctx, "issuance")
	m.EventSubmitted(ctx, "revocation")
	m.EventEscrowed(ctx, "revocation")
	m.EscrowSize(ctx, 1)
	m.EventAppended(ctx, "issuance", false)
	m.EventAppended(ctx, "revocation", true)
	m.EscrowSize(ctx, -1)
	m.EventRejected(ctx, "stale_or_forked")
	m.EscrowDropped(ctx, 2)
	m.SubmitDuration(ctx, 3*time.Millisecond, "appended")

	got := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, got["tel.events.submitted"]))
	require.Equal(t, int64(2), sumOf(t, got["tel.events.appended"]))
	require.Equal(t, int64(1), sumOf(t, got["tel.events.escrowed"]))
	require.Equal(t, int64(1), sumOf(t, got["tel.events.rejected"]))
	require.Equal(t, int64(2), sumOf(t, got["tel.escrow.dropped"]))
	require.Equal(t, int64(0), sumOf(t, got["tel.escrow.size"]))

	hist, ok := got["tel.submit.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestTELMetrics_NilIsNoop(t *testing.T) {
	var m *TELMetrics
	ctx := context.Background()
	m.EventSubmitted(ctx, "issuance")
	m.EventRejected(ctx, "x")
	m.EscrowSize(ctx, 1)
	m.SubmitDuration(ctx, time.Second, "rejected")
}
