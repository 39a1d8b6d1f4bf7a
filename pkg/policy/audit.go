package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/polisai/polis-governance/pkg/domain"
)

// audit emits one record per violation and evaluation error, plus a summary record
// for directly evaluated events. Every enqueue is attempted even when one fails.
func (e *Engine) audit(ctx context.Context, event domain.Event, report Report, applicable []domain.Policy, replay bool) error {
	var errs []error
	emit := func(record domain.AuditEvent) {
		record.ID = uuid.NewString()
		record.Timestamp = e.clock.Now().UTC()
		record.ActorID = event.ActorID
		record.ResourceType = event.ResourceType
		record.ResourceID = event.ResourceID
		record.Action = event.Action
		record.Details[domain.DetailEventID] = event.ID
		if replay {
			record.Details[domain.DetailOrigin] = domain.OriginReplay
		}
		if err := e.sink.Enqueue(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}

	for _, v := range report.Violations {
		e.logger.Info("policy violation",
			"policy_id", v.RuleID,
			"violation_id", v.ID,
			"severity", string(v.Severity),
			"enforcement", string(v.Enforcement),
			"count", v.Count,
			"event_id", event.ID,
		)
		emit(domain.AuditEvent{
			EventType: domain.EventPolicyViolation,
			Result:    domain.ResultViolation,
			Severity:  v.Severity,
			Details: map[string]any{
				domain.DetailPolicyID:    v.RuleID,
				domain.DetailEvidence:    v.Evidence,
				domain.DetailPolicyLevel: string(v.Severity),
				"policy_version":         v.PolicyVersion,
				"policy_type":            string(v.PolicyType),
				"violation_id":           v.ID,
				"enforcement":            string(v.Enforcement),
				"count":                  v.Count,
			},
		})
	}

	for _, evalErr := range report.Errors {
		emit(domain.AuditEvent{
			EventType: domain.EventPolicyEvalError,
			Result:    domain.ResultError,
			Severity:  domain.SeverityError,
			Details: map[string]any{
				domain.DetailPolicyID: evalErr.PolicyID,
				"policy_type":         string(evalErr.PolicyType),
				"error":               evalErr.Err.Error(),
				"timeout":             evalErr.Timeout(),
			},
		})
	}

	if !replay {
		result := domain.ResultPass
		if len(report.Violations) > 0 {
			result = domain.ResultViolation
		}
		ids := make([]string, 0, len(applicable))
		for _, p := range applicable {
			ids = append(ids, p.Key())
		}
		emit(domain.AuditEvent{
			EventType: domain.EventPolicyEvaluated,
			Result:    result,
			Details: map[string]any{
				"source_event_type": event.Type,
				"policies":          ids,
				"violations":        len(report.Violations),
				"evaluation_errors": len(report.Errors),
				"outcome":           string(report.Outcome),
			},
		})
	}

	if len(errs) > 0 {
		e.logger.Error("policy evaluation audit failed", "event_id", event.ID, "error", errors.Join(errs...))
		return fmt.Errorf("audit policy evaluation: %w", errors.Join(errs...))
	}
	return nil
}
