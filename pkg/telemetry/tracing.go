package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-governance"

// Redaction strategies understood by RedactAttributes.
const (
	StrategyDrop   = "drop"
	StrategyMask   = "mask"
	StrategyHash   = "hash"
	StrategyRedact = "redact"
)

// DefaultRedactions keep principal identifiers and client addresses out of
// exported spans while preserving correlation.
var DefaultRedactions = map[string]string{
	"principal.id":         StrategyHash,
	"request.ip":           StrategyMask,
	"principal.attributes": StrategyDrop,
	"event.fields":         StrategyDrop,
}

// StartSpan starts a span with redacted attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(RedactAttributes(DefaultRedactions, attrs)...),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AnnotateDecision annotates span with an authorization outcome.
func AnnotateDecision(span trace.Span, allowed bool, reason string, cached bool) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Bool("authz.allowed", allowed),
		attribute.String("authz.reason", reason),
		attribute.Bool("authz.cached", cached),
	)
	if !allowed {
		span.AddEvent("authz.denied")
	}
}

// AnnotateEvaluation attaches coarse-grained policy evaluation results to span.
func AnnotateEvaluation(span trace.Span, outcome string, violations, failures int) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.outcome", outcome),
		attribute.Int("policy.violations.count", violations),
		attribute.Int("policy.evaluation_errors.count", failures),
	)
	if outcome == "deny" {
		span.AddEvent("policy.blocked")
	}
}

// RedactAttributes applies per-key strategies before export. A rule keyed by a
// prefix ("principal.attributes") also covers nested keys.
func RedactAttributes(rules map[string]string, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 || len(rules) == 0 {
		return attrs
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		switch strings.ToLower(strategyFor(rules, key)) {
		case StrategyDrop:
			continue
		case StrategyMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case StrategyHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		case StrategyRedact, "replace":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

func strategyFor(rules map[string]string, key string) string {
	if strategy, ok := rules[key]; ok {
		return strategy
	}
	for prefix, strategy := range rules {
		if strings.HasPrefix(key, prefix+".") {
			return strategy
		}
	}
	return ""
}

// maskValue shows the first and last four characters (e.g. "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic digest for correlation without exposing data.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:8]) + "]"
}
