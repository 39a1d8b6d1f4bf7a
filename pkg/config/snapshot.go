package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/polisai/polis-governance/internal/match"
	"github.com/polisai/polis-governance/pkg/domain"
)

// Snapshot is the file representation of the governance data (DTO).
type Snapshot struct {
	Generation int64           `yaml:"generation"`
	Principals []PrincipalSpec `yaml:"principals" validate:"unique=ID,dive"`
	Roles      []RoleSpec      `yaml:"roles" validate:"unique=Name,dive"`
	Resources  []ResourceSpec  `yaml:"resources" validate:"unique=Ref,dive"`
	Policies   []PolicySpec    `yaml:"policies" validate:"dive"`
}

// PrincipalSpec describes a principal and its direct grants.
type PrincipalSpec struct {
	ID          string         `yaml:"id" validate:"required"`
	Roles       []string       `yaml:"roles" validate:"dive,required"`
	Permissions []string       `yaml:"permissions" validate:"dive,permission"`
	Denials     []string       `yaml:"denials" validate:"dive,permission"`
	Attributes  map[string]any `yaml:"attributes"`
}

// RoleSpec is a node of the role graph; parents are referenced by name.
type RoleSpec struct {
	Name        string            `yaml:"name" validate:"required"`
	Priority    int               `yaml:"priority"`
	Parents     []string          `yaml:"parents" validate:"dive,required"`
	Permissions []string          `yaml:"permissions" validate:"dive,permission"`
	Denials     []string          `yaml:"denials" validate:"dive,permission"`
	Conditional []ConditionalSpec `yaml:"conditional" validate:"dive"`
}

// ConditionalSpec grants Permission when every condition holds.
type ConditionalSpec struct {
	Permission string          `yaml:"permission" validate:"required,permission"`
	Conditions []ConditionSpec `yaml:"conditions" validate:"required,min=1,dive"`
}

// ConditionSpec is one predicate of a conditional grant.
type ConditionSpec struct {
	Kind           string      `yaml:"kind" validate:"required,oneof=time_window ip_range attribute ownership custom"`
	Window         *WindowSpec `yaml:"window" validate:"required_if=Kind time_window"`
	CIDRs          []string    `yaml:"cidrs" validate:"required_if=Kind ip_range,dive,cidr"`
	Attribute      string      `yaml:"attribute" validate:"required_if=Kind attribute"`
	Operator       string      `yaml:"operator" validate:"omitempty,operator"`
	Value          any         `yaml:"value"`
	OwnerAttribute string      `yaml:"owner_attribute"`
	Module         string      `yaml:"module" validate:"required_if=Kind custom"`
}

// WindowSpec is a daily time window.
type WindowSpec struct {
	Start    string   `yaml:"start" validate:"required,datetime=15:04"`
	End      string   `yaml:"end" validate:"required,datetime=15:04"`
	Days     []string `yaml:"days"`
	Timezone string   `yaml:"timezone" validate:"omitempty,timezone"`
}

// ResourceSpec carries hierarchy and ownership metadata for one resource.
type ResourceSpec struct {
	Ref        string         `yaml:"ref" validate:"required,resourceref"`
	Parent     string         `yaml:"parent" validate:"omitempty,resourceref,nefield=Ref"`
	Owner      string         `yaml:"owner"`
	Attributes map[string]any `yaml:"attributes"`
}

// PolicySpec is a versioned governance rule. Exactly the block matching Type is read.
type PolicySpec struct {
	ID          string           `yaml:"id" validate:"required"`
	Name        string           `yaml:"name"`
	Version     int              `yaml:"version" validate:"gte=0"`
	Type        string           `yaml:"type" validate:"required,oneof=threshold frequency pattern correlation custom"`
	Priority    int              `yaml:"priority"`
	Status      string           `yaml:"status" validate:"omitempty,oneof=draft active disabled"`
	Severity    string           `yaml:"severity" validate:"omitempty,oneof=info low medium error high critical"`
	Enforcement string           `yaml:"enforcement" validate:"omitempty,oneof=strict warning monitor"`
	Scope       ScopeSpec        `yaml:"scope"`
	Conditions  []FieldSpec      `yaml:"conditions" validate:"dive"`
	Threshold   *ThresholdSpec   `yaml:"threshold"`
	Frequency   *FrequencySpec   `yaml:"frequency"`
	Pattern     *PatternSpec     `yaml:"pattern"`
	Correlation *CorrelationSpec `yaml:"correlation"`
	Custom      *CustomSpec      `yaml:"custom"`
}

// ScopeSpec restricts a policy. Empty lists match everything.
type ScopeSpec struct {
	EventTypes []string `yaml:"event_types"`
	Resources  []string `yaml:"resources"`
	Actors     []string `yaml:"actors"`
}

// FieldSpec compares a dotted event field with a value.
type FieldSpec struct {
	Field    string `yaml:"field" validate:"required"`
	Operator string `yaml:"operator" validate:"omitempty,operator"`
	Value    any    `yaml:"value"`
}

type ThresholdSpec struct {
	Metric   string  `yaml:"metric" validate:"required"`
	Operator string  `yaml:"operator" validate:"omitempty,operator"`
	Value    float64 `yaml:"value"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

type FrequencySpec struct {
	Match          []FieldSpec   `yaml:"match" validate:"dive"`
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	MaxOccurrences int           `yaml:"max_occurrences" validate:"gte=0"`
	GroupBy        string        `yaml:"group_by"`
}

type PatternSpec struct {
	Match         []FieldSpec `yaml:"match" validate:"dive"`
	Keywords      []string    `yaml:"keywords"`
	KeywordFields []string    `yaml:"keyword_fields"`
}

type CorrelationSpec struct {
	Patterns []NamedPatternSpec `yaml:"patterns" validate:"required,min=1,unique=Name,dive"`
	Window   time.Duration      `yaml:"window" validate:"gt=0"`
	GroupBy  string             `yaml:"group_by"`
}

type NamedPatternSpec struct {
	Name  string      `yaml:"name" validate:"required"`
	Match []FieldSpec `yaml:"match" validate:"required,min=1,dive"`
}

type CustomSpec struct {
	Module  string        `yaml:"module" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// newValidator registers the governance tags on top of the stock validator.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		_, err := domain.ParsePermission(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("resourceref", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseResourceRef(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return match.KnownOperator(fl.Field().String())
	})
	return v
}

// Validate checks field-level rules and then cross references.
func (s *Snapshot) Validate(v *validator.Validate) error {
	if err := v.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid snapshot: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	roles := make(map[string]struct{}, len(s.Roles))
	for _, r := range s.Roles {
		roles[r.Name] = struct{}{}
	}
	for _, p := range s.Principals {
		for _, name := range p.Roles {
			if _, ok := roles[name]; !ok {
				return fmt.Errorf("principal %s: unknown role %q", p.ID, name)
			}
		}
	}

	seen := map[string]int{}
	for _, p := range s.Policies {
		key := fmt.Sprintf("%s@%d", p.ID, p.Version)
		if seen[key]++; seen[key] > 1 {
			return fmt.Errorf("duplicate policy %s", key)
		}
	}
	return nil
}

// ToDomain converts the file snapshot into governance data. Role ids follow file order.
func (s Snapshot) ToDomain() (domain.Snapshot, error) {
	ids := make(map[string]domain.RoleID, len(s.Roles))
	for i, r := range s.Roles {
		ids[r.Name] = domain.RoleID(i + 1)
	}

	roles := make([]domain.Role, 0, len(s.Roles))
	for _, r := range s.Roles {
		role := domain.Role{
			ID:          ids[r.Name],
			Name:        r.Name,
			Priority:    r.Priority,
			Permissions: r.Permissions,
			Denials:     r.Denials,
		}
		for _, parent := range r.Parents {
			id, ok := ids[parent]
			if !ok {
				return domain.Snapshot{}, fmt.Errorf("role %s: unknown parent %q", r.Name, parent)
			}
			role.Parents = append(role.Parents, id)
		}
		for _, c := range r.Conditional {
			role.Conditional = append(role.Conditional, c.toDomain())
		}
		roles = append(roles, role)
	}
	graph, err := domain.NewRoleGraph(roles)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("role graph: %w", err)
	}

	principals := make(map[string]domain.Principal, len(s.Principals))
	for _, p := range s.Principals {
		principal := domain.Principal{
			ID:          p.ID,
			Permissions: p.Permissions,
			Denials:     p.Denials,
			Attributes:  p.Attributes,
		}
		for _, name := range p.Roles {
			id, ok := ids[name]
			if !ok {
				return domain.Snapshot{}, fmt.Errorf("principal %s: unknown role %q", p.ID, name)
			}
			principal.Roles = append(principal.Roles, id)
		}
		principals[p.ID] = principal
	}

	resources := make(map[string]domain.Resource, len(s.Resources))
	for _, r := range s.Resources {
		ref, err := domain.ParseResourceRef(r.Ref)
		if err != nil {
			return domain.Snapshot{}, err
		}
		res := domain.Resource{Ref: ref, OwnerID: r.Owner, Attributes: r.Attributes}
		if r.Parent != "" {
			parent, err := domain.ParseResourceRef(r.Parent)
			if err != nil {
				return domain.Snapshot{}, fmt.Errorf("resource %s parent: %w", r.Ref, err)
			}
			res.Parent = &parent
		}
		resources[ref.String()] = res
	}

	policies := make([]domain.Policy, 0, len(s.Policies))
	for _, spec := range s.Policies {
		pol := spec.toDomain()
		if err := pol.Validate(); err != nil {
			return domain.Snapshot{}, err
		}
		policies = append(policies, pol)
	}

	return domain.Snapshot{
		Generation: s.Generation,
		Principals: principals,
		Roles:      graph,
		Resources:  resources,
		Policies:   policies,
	}, nil
}

func (c ConditionalSpec) toDomain() domain.ConditionalPermission {
	out := domain.ConditionalPermission{Permission: c.Permission}
	for _, cond := range c.Conditions {
		dc := domain.Condition{
			Kind:           domain.ConditionKind(cond.Kind),
			CIDRs:          cond.CIDRs,
			Attribute:      cond.Attribute,
			Operator:       cond.Operator,
			Value:          cond.Value,
			OwnerAttribute: cond.OwnerAttribute,
			Module:         cond.Module,
		}
		if cond.Window != nil {
			dc.Window = &domain.TimeWindow{
				Start:    cond.Window.Start,
				End:      cond.Window.End,
				Days:     cond.Window.Days,
				Timezone: cond.Window.Timezone,
			}
		}
		out.Conditions = append(out.Conditions, dc)
	}
	return out
}

func (p PolicySpec) toDomain() domain.Policy {
	pol := domain.Policy{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		Type:        domain.PolicyType(p.Type),
		Priority:    p.Priority,
		Status:      domain.PolicyStatus(p.Status),
		Severity:    domain.Severity(p.Severity),
		Enforcement: domain.Enforcement(p.Enforcement),
		Scope: domain.Scope{
			EventTypes: p.Scope.EventTypes,
			Resources:  p.Scope.Resources,
			Actors:     p.Scope.Actors,
		},
		Conditions: fieldConditions(p.Conditions),
	}
	if pol.Status == "" {
		pol.Status = domain.StatusActive
	}
	if pol.Severity == "" {
		pol.Severity = domain.SeverityMedium
	}
	if pol.Enforcement == "" {
		pol.Enforcement = domain.EnforceMonitor
	}

	switch {
	case p.Threshold != nil && pol.Type == domain.PolicyThreshold:
		t := p.Threshold
		pol.Definition.Threshold = &domain.ThresholdRule{Metric: t.Metric, Operator: t.Operator, Value: t.Value, Min: t.Min, Max: t.Max}
	case p.Frequency != nil && pol.Type == domain.PolicyFrequency:
		f := p.Frequency
		pol.Definition.Frequency = &domain.FrequencyRule{
			Match: fieldConditions(f.Match), Window: f.Window, MaxOccurrences: f.MaxOccurrences, GroupBy: f.GroupBy,
		}
	case p.Pattern != nil && pol.Type == domain.PolicyPattern:
		pol.Definition.Pattern = &domain.PatternRule{
			Match: fieldConditions(p.Pattern.Match), Keywords: p.Pattern.Keywords, KeywordFields: p.Pattern.KeywordFields,
		}
	case p.Correlation != nil && pol.Type == domain.PolicyCorrelation:
		rule := &domain.CorrelationRule{Window: p.Correlation.Window, GroupBy: p.Correlation.GroupBy}
		for _, np := range p.Correlation.Patterns {
			rule.Patterns = append(rule.Patterns, domain.NamedPattern{Name: np.Name, Match: fieldConditions(np.Match)})
		}
		pol.Definition.Correlation = rule
	case p.Custom != nil && pol.Type == domain.PolicyCustom:
		pol.Definition.Custom = &domain.CustomRule{Module: p.Custom.Module, Timeout: p.Custom.Timeout}
	}
	return pol
}

func fieldConditions(specs []FieldSpec) []domain.FieldCondition {
	if len(specs) == 0 {
		return nil
	}
	out := make([]domain.FieldCondition, 0, len(specs))
	for _, s := range specs {
		out = append(out, domain.FieldCondition{Field: s.Field, Operator: s.Operator, Value: s.Value})
	}
	return out
}

// diff reports which sections moved between two file snapshots.
func diff(prev, next Snapshot) domain.SnapshotChange {
	change := domain.SnapshotChange{
		RolesChanged: !reflect.DeepEqual(prev.Roles, next.Roles),
	}

	before := make(map[string]PrincipalSpec, len(prev.Principals))
	for _, p := range prev.Principals {
		before[p.ID] = p
	}
	for _, p := range next.Principals {
		old, ok := before[p.ID]
		if !ok || !reflect.DeepEqual(old, p) {
			change.Principals = append(change.Principals, p.ID)
		}
		delete(before, p.ID)
	}
	for id := range before {
		change.Principals = append(change.Principals, id)
	}
	sort.Strings(change.Principals)

	resources := make(map[string]ResourceSpec, len(prev.Resources))
	for _, r := range prev.Resources {
		resources[r.Ref] = r
	}
	for _, r := range next.Resources {
		old, ok := resources[r.Ref]
		if !ok || !reflect.DeepEqual(old, r) {
			change.Resources = append(change.Resources, canonicalRef(r.Ref))
		}
		delete(resources, r.Ref)
	}
	for ref := range resources {
		change.Resources = append(change.Resources, canonicalRef(ref))
	}
	sort.Strings(change.Resources)

	policies := make(map[string][]PolicySpec, len(prev.Policies))
	for _, pol := range prev.Policies {
		policies[pol.ID] = append(policies[pol.ID], pol)
	}
	current := make(map[string][]PolicySpec, len(next.Policies))
	for _, pol := range next.Policies {
		current[pol.ID] = append(current[pol.ID], pol)
	}
	for id, versions := range current {
		if !reflect.DeepEqual(policies[id], versions) {
			change.Policies = append(change.Policies, id)
		}
		delete(policies, id)
	}
	for id := range policies {
		change.Policies = append(change.Policies, id)
	}
	sort.Strings(change.Policies)
	change.PoliciesChanged = len(change.Policies) > 0
	return change
}

func canonicalRef(raw string) string {
	ref, err := domain.ParseResourceRef(raw)
	if err != nil {
		return raw
	}
	return ref.String()
}
