// Package policy evaluates governance events against heterogeneous rules:
// threshold, frequency, pattern, correlation and sandboxed Rego custom rules.
//
// Evaluation fans out over a bounded worker pool with per-rule and aggregate
// timeouts. A failing, panicking or slow rule is isolated into an evaluation
// error so the remaining rules still run. Frequency and correlation rules keep
// trailing windows fed by directly evaluated events and by audit replay.
// Violations of the same rule on the same resource are folded within a short
// window, and every evaluation, violation and evaluation error is audited.
package policy
