package telemetry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordAuthzDecision(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordAuthzDecision(ctx, false, "EXPLICIT_DENY", false, 2*time.Millisecond)
	RecordAuthzDecision(ctx, false, "EXPLICIT_DENY", false, 0)

	metrics := collect(t, reader)
	sum, ok := metrics["governance.authz.decisions_total"]
	require.True(t, ok, "missing decisions metric")
	data := sum.Data.(metricdata.Sum[int64])
	require.Len(t, data.DataPoints, 1)
	assert.Equal(t, int64(2), data.DataPoints[0].Value)
	value, ok := data.DataPoints[0].Attributes.Value(attribute.Key("authz.reason"))
	require.True(t, ok)
	assert.Equal(t, "EXPLICIT_DENY", value.AsString())

	hist := metrics["governance.authz.duration_ms"].Data.(metricdata.Histogram[float64])
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestRecordAuditMetrics(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordAuditBatch(ctx, 100, false)
	RecordAuditBatch(ctx, 1, true)
	RecordChainIntegrityFailure(ctx, 42)
	RecordViolation(ctx, "cost-cap", "threshold", "high", "strict")
	RecordEvaluationError(ctx, "slow-rule", "timeout")

	metrics := collect(t, reader)

	batches := metrics["governance.audit.batches_total"].Data.(metricdata.Sum[int64])
	assert.Len(t, batches.DataPoints, 2)

	sizes := metrics["governance.audit.batch_size"].Data.(metricdata.Histogram[int64])
	var total int64
	for _, dp := range sizes.DataPoints {
		total += dp.Sum
	}
	assert.Equal(t, int64(101), total)

	failures := metrics["governance.audit.chain_integrity_failures_total"].Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)

	violations := metrics["governance.policy.violations_total"].Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), violations.DataPoints[0].Value)

	errs := metrics["governance.policy.evaluation_errors_total"].Data.(metricdata.Sum[int64])
	kind, _ := errs.DataPoints[0].Attributes.Value(attribute.Key("error.kind"))
	assert.Equal(t, "timeout", kind.AsString())
}

func TestStartSpanRedactsPrincipal(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "authz.resolve",
		attribute.String("principal.id", "alice"),
		attribute.String("principal.attributes.department", "finance"),
		attribute.String("authz.action", "read"),
	)
	AnnotateDecision(span, false, "DEFAULT_DENY", false)
	EndSpan(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attribute.NewSet(spans[0].Attributes()...)

	principal, ok := attrs.Value("principal.id")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(principal.AsString(), "[REDACTED:hash:"))
	assert.NotContains(t, principal.AsString(), "alice")

	_, ok = attrs.Value("principal.attributes.department")
	assert.False(t, ok)

	action, _ := attrs.Value("authz.action")
	assert.Equal(t, "read", action.AsString())

	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "authz.denied", spans[0].Events()[0].Name)
}

func TestRedactAttributesStrategies(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("request.ip", "203.0.113.250"),
		attribute.String("secret", "value"),
		attribute.String("safe", "value"),
	}

	out := RedactAttributes(map[string]string{"request.ip": StrategyMask, "secret": StrategyRedact}, attrs)
	set := attribute.NewSet(out...)

	ip, _ := set.Value("request.ip")
	assert.Equal(t, "203.***.250", ip.AsString())
	secret, _ := set.Value("secret")
	assert.Equal(t, "[REDACTED]", secret.AsString())
	safe, _ := set.Value("safe")
	assert.Equal(t, "value", safe.AsString())
}

func TestGaugesExposeSources(t *testing.T) {
	depth := 7.0
	gauges := NewGauges(GaugeSources{
		QueueDepth: func() float64 { return depth },
		CacheSize:  func() float64 { return 3 },
	})
	gauges.RecordSnapshotReload("success")

	rec := httptest.NewRecorder()
	gauges.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "governance_audit_queue_depth 7")
	assert.Contains(t, body, "governance_decision_cache_entries 3")
	assert.Contains(t, body, `governance_snapshot_reloads_total{status="success"} 1`)
	assert.NotContains(t, body, "governance_audit_pending_retries")
}
