package domain

import (
	"context"
	"time"
)

// Audit event types.
const (
	EventAuthzDecision       = "authz.decision"
	EventAuthzLookupFailure  = "authz.lookup_failure"
	EventPolicyEvaluated     = "policy.evaluated"
	EventPolicyViolation     = "policy.violation"
	EventPolicyEvalError     = "policy.evaluation_error"
	EventAuditQuery          = "audit.query"
	EventAuditIntegrityAlarm = "audit.integrity_violation"
)

// Audit results.
const (
	ResultAllow     = "allow"
	ResultDeny      = "deny"
	ResultViolation = "violation"
	ResultPass      = "pass"
	ResultError     = "error"
	ResultSuccess   = "success"
)

// Detail keys with meaning to the pipeline.
const (
	DetailOrigin      = "origin"
	DetailEventID     = "event_id"
	OriginReplay      = "replay"
	DetailReason      = "reason"
	DetailPolicyID    = "policy_id"
	DetailEvidence    = "evidence"
	DetailCached      = "cached"
	DetailPolicyLevel = "policy_severity"
)

// AuditEvent is an immutable record of the audit chain. Sequence, PrevHash and Hash are
// assigned exactly once by the sequencer.
type AuditEvent struct {
	ID           string
	Sequence     uint64
	Timestamp    time.Time
	EventType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       string
	Result       string
	PrevHash     string
	Hash         string
	Severity     Severity
	Details      map[string]any
}

// Sequenced reports whether the sequencer already assigned chain fields.
func (e AuditEvent) Sequenced() bool {
	return e.Sequence > 0 && e.Hash != ""
}

// Replayed reports whether the event was produced while replaying persisted events.
func (e AuditEvent) Replayed() bool {
	origin, _ := e.Details[DetailOrigin].(string)
	return origin == OriginReplay
}

// AsEvent converts a persisted audit record into an ordinary governance event for
// correlation and frequency analysis.
func (e AuditEvent) AsEvent() Event {
	fields := cloneAny(e.Details)
	fields["result"] = e.Result
	fields["severity"] = string(e.Severity)
	fields["sequence"] = e.Sequence
	id := e.ID
	if source, ok := e.Details[DetailEventID].(string); ok && source != "" {
		id = source
	}
	return Event{
		ID:           id,
		Type:         e.EventType,
		Timestamp:    e.Timestamp,
		ActorID:      e.ActorID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		Fields:       fields,
	}
}

// Clone returns a deep-enough copy; Details is copied one level.
func (e AuditEvent) Clone() AuditEvent {
	clone := e
	clone.Details = cloneAny(e.Details)
	return clone
}

// AuditSink receives audit events. Implementations must never silently drop an event.
type AuditSink interface {
	Enqueue(ctx context.Context, event AuditEvent) error
}

// AuditFilter selects audit events. Zero fields match everything; Severity is a minimum.
type AuditFilter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	EventType    string
	Result       string
	Severity     Severity
	From         time.Time
	To           time.Time
}

// Matches reports whether e passes every populated field of f. From is inclusive,
// To exclusive.
func (f AuditFilter) Matches(e AuditEvent) bool {
	switch {
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case f.EventType != "" && e.EventType != f.EventType:
		return false
	case f.Result != "" && e.Result != f.Result:
		return false
	case f.Severity != "" && !e.Severity.AtLeast(f.Severity):
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	}
	return true
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Page selects a slice of query results ordered by sequence.
type Page struct {
	Offset int
	Limit  int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}
