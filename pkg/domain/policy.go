package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PolicyType selects the evaluator of a policy.
type PolicyType string

const (
	PolicyThreshold   PolicyType = "threshold"
	PolicyFrequency   PolicyType = "frequency"
	PolicyPattern     PolicyType = "pattern"
	PolicyCorrelation PolicyType = "correlation"
	PolicyCustom      PolicyType = "custom"
)

// Stateful reports whether evaluation depends on previously observed events.
func (t PolicyType) Stateful() bool {
	return t == PolicyFrequency || t == PolicyCorrelation
}

// PolicyStatus is the lifecycle state set by the administration layer.
type PolicyStatus string

const (
	StatusDraft    PolicyStatus = "draft"
	StatusActive   PolicyStatus = "active"
	StatusDisabled PolicyStatus = "disabled"
)

// Enforcement maps a matched policy to an outcome. Strict denies, warning is advisory
// and never blocks, monitor is recorded only.
type Enforcement string

const (
	EnforceStrict  Enforcement = "strict"
	EnforceWarning Enforcement = "warning"
	EnforceMonitor Enforcement = "monitor"
)

// Severity grades violations and audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityError    Severity = "error"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityError:
		return 4
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 6
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity normalises a severity string.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Policy is a versioned governance rule. Definition is a tagged variant selected by Type.
type Policy struct {
	ID          string
	Name        string
	Version     int
	Type        PolicyType
	Priority    int
	Status      PolicyStatus
	Severity    Severity
	Enforcement Enforcement
	Scope       Scope
	Conditions  []FieldCondition
	Definition  RuleDefinition
}

// Key identifies a specific policy version.
func (p Policy) Key() string {
	return fmt.Sprintf("%s@%d", p.ID, p.Version)
}

// Scope restricts a policy to event types, resources and actors. Empty lists match all.
type Scope struct {
	EventTypes []string
	Resources  []string
	Actors     []string
}

// FieldCondition compares an event field (dotted path) with Value.
type FieldCondition struct {
	Field    string
	Operator string
	Value    any
}

// RuleDefinition holds exactly one populated rule matching Policy.Type.
type RuleDefinition struct {
	Threshold   *ThresholdRule
	Frequency   *FrequencyRule
	Pattern     *PatternRule
	Correlation *CorrelationRule
	Custom      *CustomRule
}

// ThresholdRule compares a numeric metric with a bound.
type ThresholdRule struct {
	Metric   string
	Operator string
	Value    float64
	Min      float64
	Max      float64
}

// FrequencyRule violates when more than MaxOccurrences matching events fall in Window.
type FrequencyRule struct {
	Match          []FieldCondition
	Window         time.Duration
	MaxOccurrences int
	GroupBy        string
}

// PatternRule matches structural clauses (ANDed) and keywords (ORed) against event fields.
type PatternRule struct {
	Match         []FieldCondition
	Keywords      []string
	KeywordFields []string
}

// NamedPattern is one leg of a correlation.
type NamedPattern struct {
	Name  string
	Match []FieldCondition
}

// CorrelationRule violates once every named pattern occurred within Window.
type CorrelationRule struct {
	Patterns []NamedPattern
	Window   time.Duration
	GroupBy  string
}

// CustomRule is a Rego module evaluated in the sandbox. It must define "violation".
type CustomRule struct {
	Module  string
	Timeout time.Duration
}

// Validate checks that the definition variant matches the policy type.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("policy id required")
	}
	d := p.Definition
	var ok bool
	switch p.Type {
	case PolicyThreshold:
		ok = d.Threshold != nil && d.Threshold.Metric != ""
	case PolicyFrequency:
		ok = d.Frequency != nil && d.Frequency.Window > 0 && d.Frequency.MaxOccurrences >= 0
	case PolicyPattern:
		ok = d.Pattern != nil && (len(d.Pattern.Match) > 0 || len(d.Pattern.Keywords) > 0)
	case PolicyCorrelation:
		ok = d.Correlation != nil && len(d.Correlation.Patterns) > 0 && d.Correlation.Window > 0
	case PolicyCustom:
		ok = d.Custom != nil && strings.TrimSpace(d.Custom.Module) != ""
	default:
		return fmt.Errorf("policy %s: unknown type %q", p.ID, p.Type)
	}
	if !ok {
		return fmt.Errorf("policy %s: %s definition missing or incomplete", p.ID, p.Type)
	}
	return nil
}

// Violation is the immutable result of a matched policy. Only the resolution fields may
// change after creation, through Resolve.
type Violation struct {
	ID            string
	RuleID        string
	PolicyVersion int
	PolicyType    PolicyType
	Severity      Severity
	Enforcement   Enforcement
	Evidence      map[string]any
	Resource      ResourceRef
	ActorID       string
	EventID       string
	Timestamp     time.Time
	Count         int

	ResolvedAt *time.Time
	ResolvedBy string
	Notes      string
}

// Resolve returns a copy of v carrying resolution metadata.
func (v Violation) Resolve(by, notes string, at time.Time) Violation {
	resolved := v
	ts := at.UTC()
	resolved.ResolvedAt = &ts
	resolved.ResolvedBy = by
	resolved.Notes = notes
	return resolved
}

// PolicySource supplies the current policy definitions. It is read-only.
type PolicySource interface {
	Policies(ctx context.Context) ([]Policy, error)
}
