package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-governance/internal/match"
	"github.com/polisai/polis-governance/pkg/domain"
)

// ruleResult is what an evaluator reports for one policy and one event.
type ruleResult struct {
	violated bool
	evidence map[string]any
}

var pass = ruleResult{}

func violated(evidence map[string]any) ruleResult {
	if evidence == nil {
		evidence = map[string]any{}
	}
	return ruleResult{violated: true, evidence: evidence}
}

// matchAll reports whether every condition holds for event.
func matchAll(conditions []domain.FieldCondition, event domain.Event) (bool, error) {
	for _, cond := range conditions {
		actual, present := event.Lookup(cond.Field)
		ok, err := match.Compare(cond.Operator, actual, present, cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition %s %s: %w", cond.Field, cond.Operator, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalThreshold(rule *domain.ThresholdRule, event domain.Event) (ruleResult, error) {
	raw, ok := event.Lookup(rule.Metric)
	if !ok {
		return pass, nil
	}
	actual, ok := match.ToFloat(raw)
	if !ok {
		return pass, fmt.Errorf("metric %s: %v is not numeric", rule.Metric, raw)
	}

	op := match.NormalizeOperator(rule.Operator)
	if op == match.OpBetween {
		if actual >= rule.Min && actual <= rule.Max {
			return violated(map[string]any{"actual": actual, "min": rule.Min, "max": rule.Max}), nil
		}
		return pass, nil
	}

	switch op {
	case match.OpGreater, match.OpGreaterEq, match.OpLess, match.OpLessEq, match.OpEquals, match.OpNotEquals:
	default:
		return pass, fmt.Errorf("threshold operator %q not supported", rule.Operator)
	}
	if match.CompareFloat(op, actual, rule.Value) {
		return violated(map[string]any{"actual": actual, "threshold": rule.Value}), nil
	}
	return pass, nil
}

func evalPattern(rule *domain.PatternRule, event domain.Event) (ruleResult, error) {
	ok, err := matchAll(rule.Match, event)
	if err != nil || !ok {
		return pass, err
	}

	evidence := map[string]any{}
	if len(rule.Match) > 0 {
		fields := make([]string, 0, len(rule.Match))
		for _, cond := range rule.Match {
			fields = append(fields, cond.Field)
		}
		evidence["matched_fields"] = fields
	}

	if len(rule.Keywords) == 0 {
		return violated(evidence), nil
	}

	keyword, field, hit := findKeyword(rule, event)
	if !hit {
		return pass, nil
	}
	evidence["keyword"] = keyword
	evidence["field"] = field
	return violated(evidence), nil
}

// findKeyword searches case-insensitively; keywords are ORed. Without explicit
// keyword fields every string field of the event is searched in sorted order.
func findKeyword(rule *domain.PatternRule, event domain.Event) (string, string, bool) {
	fields := rule.KeywordFields
	if len(fields) == 0 {
		fields = stringFields(event)
	}
	for _, field := range fields {
		raw, ok := event.Lookup(field)
		if !ok {
			continue
		}
		text := strings.ToLower(match.Stringify(raw))
		for _, keyword := range rule.Keywords {
			if keyword != "" && strings.Contains(text, strings.ToLower(keyword)) {
				return keyword, field, true
			}
		}
	}
	return "", "", false
}

func stringFields(event domain.Event) []string {
	fields := make([]string, 0, len(event.Fields)+1)
	for key, value := range event.Fields {
		if _, ok := value.(string); ok {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	if event.Action != "" {
		fields = append(fields, "action")
	}
	return fields
}

func groupValue(field string, event domain.Event) string {
	if field == "" {
		return "*"
	}
	value, ok := event.Lookup(field)
	if !ok {
		return "<none>"
	}
	return match.Stringify(value)
}

func (e *Engine) evalFrequency(policy domain.Policy, event domain.Event) (ruleResult, error) {
	rule := policy.Definition.Frequency
	ok, err := matchAll(rule.Match, event)
	if err != nil || !ok {
		return pass, err
	}

	group := groupValue(rule.GroupBy, event)
	key := policy.Key() + "|" + group
	count, added := e.windows.Observe(key, observation{EventID: event.ID, Timestamp: event.Timestamp}, rule.Window)
	if !added || count <= rule.MaxOccurrences {
		return pass, nil
	}

	evidence := map[string]any{
		"count":           count,
		"max_occurrences": rule.MaxOccurrences,
		"window":          rule.Window.String(),
	}
	if rule.GroupBy != "" {
		evidence["group_by"] = rule.GroupBy
		evidence["group"] = group
	}
	return violated(evidence), nil
}

func (e *Engine) evalCorrelation(policy domain.Policy, event domain.Event) (ruleResult, error) {
	rule := policy.Definition.Correlation
	group := groupValue(rule.GroupBy, event)
	setKey := policy.Key() + "|" + group

	legs := make([]string, len(rule.Patterns))
	matched := false
	for i, pattern := range rule.Patterns {
		legs[i] = setKey + "|" + pattern.Name
		ok, err := matchAll(pattern.Match, event)
		if err != nil {
			return pass, fmt.Errorf("pattern %s: %w", pattern.Name, err)
		}
		if ok {
			e.windows.Observe(legs[i], observation{EventID: event.ID, Timestamp: event.Timestamp}, rule.Window)
			matched = true
		}
	}
	if !matched {
		return pass, nil
	}

	found, complete := e.windows.CompleteSet(setKey, legs, event.Timestamp.Add(-rule.Window), event.Timestamp)
	if !complete {
		return pass, nil
	}

	events := make(map[string]any, len(rule.Patterns))
	for i, pattern := range rule.Patterns {
		events[pattern.Name] = found[legs[i]].EventID
	}
	evidence := map[string]any{
		"patterns": events,
		"window":   rule.Window.String(),
	}
	if rule.GroupBy != "" {
		evidence["group_by"] = rule.GroupBy
		evidence["group"] = group
	}
	return violated(evidence), nil
}

func (e *Engine) evalCustom(ctx context.Context, policy domain.Policy, event domain.Event) (ruleResult, error) {
	rule := policy.Definition.Custom
	program, err := e.sandbox.Compile(ctx, policy.Key(), rule.Module, "violation")
	if err != nil {
		return pass, err
	}

	input := map[string]any{
		"event": event.Envelope(),
		"policy": map[string]any{
			"id":       policy.ID,
			"version":  policy.Version,
			"severity": string(policy.Severity),
		},
	}
	value, defined, err := e.sandbox.Eval(ctx, program, input, rule.Timeout)
	if err != nil || !defined {
		return pass, err
	}
	hit, evidence := ViolationResult(value)
	if !hit {
		return pass, nil
	}
	return violated(evidence), nil
}
