package audit

import "github.com/polisai/polis-governance/pkg/domain"

// Classify is the deterministic baseline severity of an (event type, result) pair.
// Producers may raise it, never lower it.
func Classify(eventType, result string) domain.Severity {
	switch eventType {
	case domain.EventAuditIntegrityAlarm:
		return domain.SeverityCritical
	case domain.EventAuthzLookupFailure, domain.EventPolicyEvalError:
		return domain.SeverityError
	case domain.EventPolicyViolation:
		return domain.SeverityMedium
	case domain.EventAuthzDecision:
		if result == domain.ResultDeny {
			return domain.SeverityLow
		}
		return domain.SeverityInfo
	case domain.EventPolicyEvaluated:
		if result == domain.ResultViolation {
			return domain.SeverityLow
		}
		return domain.SeverityInfo
	}

	switch result {
	case domain.ResultError:
		return domain.SeverityError
	case domain.ResultDeny, domain.ResultViolation:
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

// DefaultReplayTypes are fed back to the rule engine after persistence.
var DefaultReplayTypes = []string{domain.EventAuthzDecision, domain.EventAuthzLookupFailure}
