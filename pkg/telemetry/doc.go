// Package telemetry wires OpenTelemetry exporters and meters for the governance
// engine.
//
// It centralises trace provider setup, lazily creates the decision, violation and
// audit instruments, keeps a Prometheus registry for process-local pipeline
// gauges, and offers span helpers that annotate authorization and policy
// outcomes without leaking principal identifiers.
package telemetry
