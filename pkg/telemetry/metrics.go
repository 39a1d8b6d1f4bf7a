package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "governance"

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	authzDecisionCounter     metric.Int64Counter
	authzLatencyHistogram    metric.Float64Histogram
	violationCounter         metric.Int64Counter
	evaluationErrorCounter   metric.Int64Counter
	auditBatchCounter        metric.Int64Counter
	auditBatchSizeHistogram  metric.Int64Histogram
	auditPersistRetryCounter metric.Int64Counter
	chainFailureCounter      metric.Int64Counter
)

// RecordAuthzDecision counts an authorization outcome by reason code.
func RecordAuthzDecision(ctx context.Context, allowed bool, reason string, cached bool, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("authz.allowed", allowed),
		attribute.String("authz.reason", reason),
		attribute.Bool("authz.cached", cached),
	)
	authzDecisionCounter.Add(ctx, 1, attrs)
	if duration > 0 {
		authzLatencyHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}
}

// RecordViolation counts a policy violation.
func RecordViolation(ctx context.Context, policyID, policyType, severity, enforcement string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	violationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy.id", policyID),
		attribute.String("policy.type", policyType),
		attribute.String("policy.severity", severity),
		attribute.String("policy.enforcement", enforcement),
	))
}

// RecordEvaluationError counts an isolated evaluator failure; kind is "timeout",
// "panic" or "error".
func RecordEvaluationError(ctx context.Context, policyID, kind string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	evaluationErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy.id", policyID),
		attribute.String("error.kind", kind),
	))
}

// RecordAuditBatch records a sequenced batch handed to the sinks.
func RecordAuditBatch(ctx context.Context, size int, sync bool) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("audit.sync", sync))
	auditBatchCounter.Add(ctx, 1, attrs)
	auditBatchSizeHistogram.Record(ctx, int64(size), attrs)
}

// RecordAuditPersistRetry counts a failed durable write that will be retried.
func RecordAuditPersistRetry(ctx context.Context) {
	if err := ensureMetrics(); err != nil {
		return
	}
	auditPersistRetryCounter.Add(ctx, 1)
}

// RecordChainIntegrityFailure counts a detected break in the audit hash chain.
func RecordChainIntegrityFailure(ctx context.Context, sequence uint64) {
	if err := ensureMetrics(); err != nil {
		return
	}
	chainFailureCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int64("audit.sequence", int64(sequence))))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		authzDecisionCounter, metricsInitErr = meter.Int64Counter(
			"governance.authz.decisions_total",
			metric.WithDescription("Authorization decisions partitioned by outcome and reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		authzLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"governance.authz.duration_ms",
			metric.WithDescription("Observed authorization latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		violationCounter, metricsInitErr = meter.Int64Counter(
			"governance.policy.violations_total",
			metric.WithDescription("Policy violations detected"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationErrorCounter, metricsInitErr = meter.Int64Counter(
			"governance.policy.evaluation_errors_total",
			metric.WithDescription("Rule evaluations that failed, panicked or timed out"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditBatchCounter, metricsInitErr = meter.Int64Counter(
			"governance.audit.batches_total",
			metric.WithDescription("Sequenced audit batches dispatched to sinks"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditBatchSizeHistogram, metricsInitErr = meter.Int64Histogram(
			"governance.audit.batch_size",
			metric.WithDescription("Events per sequenced audit batch"),
			metric.WithUnit("{event}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditPersistRetryCounter, metricsInitErr = meter.Int64Counter(
			"governance.audit.persist_retries_total",
			metric.WithDescription("Durable audit writes retried after failure"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		chainFailureCounter, metricsInitErr = meter.Int64Counter(
			"governance.audit.chain_integrity_failures_total",
			metric.WithDescription("Audit hash chain integrity violations detected"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
