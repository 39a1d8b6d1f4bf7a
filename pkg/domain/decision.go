package domain

import (
	"strings"
	"time"
)

// ReasonCode explains an authorization outcome.
type ReasonCode string

const (
	ReasonDirectPermission ReasonCode = "DIRECT_PERMISSION"
	ReasonInherited        ReasonCode = "INHERITED"
	ReasonDefaultDeny      ReasonCode = "DEFAULT_DENY"
	ReasonExplicitDeny     ReasonCode = "EXPLICIT_DENY"
	ReasonLookupFailure    ReasonCode = "LOOKUP_FAILURE"
	ReasonAuditUnavailable ReasonCode = "AUDIT_UNAVAILABLE"

	rolePermissionPrefix = "ROLE_PERMISSION:"
)

// RolePermission builds the reason code for a grant coming from role name.
func RolePermission(name string) ReasonCode {
	return ReasonCode(rolePermissionPrefix + name)
}

// Role returns the role name of a ROLE_PERMISSION reason.
func (r ReasonCode) Role() (string, bool) {
	name, ok := strings.CutPrefix(string(r), rolePermissionPrefix)
	return name, ok
}

// Outcome summarises a policy evaluation.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeDeny  Outcome = "deny"
)

// OutcomeOf maps violations to one canonical outcome: any strict violation denies,
// warnings are advisory, monitor-only violations allow.
func OutcomeOf(violations []Violation) Outcome {
	outcome := OutcomeAllow
	for _, v := range violations {
		switch v.Enforcement {
		case EnforceStrict, "":
			return OutcomeDeny
		case EnforceWarning:
			outcome = OutcomeWarn
		}
	}
	return outcome
}

// Decision is the ephemeral cache value for authorization and stateless rule results.
type Decision struct {
	Allowed    bool
	Reason     ReasonCode
	Violations []Violation
	DecidedAt  time.Time
	TTL        time.Duration
	Cached     bool
}

// Clone copies the violation slice so cached values are never shared.
func (d Decision) Clone() Decision {
	clone := d
	if len(d.Violations) > 0 {
		clone.Violations = append([]Violation(nil), d.Violations...)
	}
	return clone
}
