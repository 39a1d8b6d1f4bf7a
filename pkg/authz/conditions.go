package authz

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/polisai/polis-governance/internal/match"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

func errUnknownCondition(kind domain.ConditionKind) error {
	return fmt.Errorf("unknown condition kind %q", kind)
}

func errIncompleteCondition(kind string) error {
	return fmt.Errorf("%s condition incomplete", kind)
}

func errUnknownDay(day string) error {
	return fmt.Errorf("unknown weekday %q", day)
}

// evalContext is everything a condition may look at for one resolution step.
type evalContext struct {
	request  Request
	ref      domain.ResourceRef
	now      time.Time
	resource func(ctx context.Context) (domain.Resource, bool, error)
}

// holds evaluates cond. The error is reserved for directory lookups, which fail
// the whole resolution closed; every other problem makes the condition false.
func (r *Resolver) holds(ctx context.Context, cond compiledCondition, ec evalContext) (bool, error) {
	if cond.err != nil {
		return false, nil
	}
	switch cond.source.Kind {
	case domain.ConditionTimeWindow:
		return inWindow(cond, ec.now), nil
	case domain.ConditionIPRange:
		return inRanges(cond.prefixes, ec.request.Env.IP), nil
	case domain.ConditionAttribute:
		return r.attributeHolds(ctx, cond.source, ec)
	case domain.ConditionOwnership:
		return ownershipHolds(ctx, cond.source, ec)
	case domain.ConditionCustom:
		return r.customHolds(ctx, cond.source, ec)
	default:
		return false, nil
	}
}

func inWindow(cond compiledCondition, now time.Time) bool {
	local := now.In(cond.location)
	minute := local.Hour()*60 + local.Minute()

	day := local.Weekday()
	var inside bool
	if cond.start <= cond.end {
		inside = minute >= cond.start && minute < cond.end
	} else {
		// Overnight: the part after midnight belongs to the window that opened the day before.
		switch {
		case minute >= cond.start:
			inside = true
		case minute < cond.end:
			inside = true
			day = (day + 6) % 7
		}
	}
	if !inside {
		return false
	}
	return cond.days == nil || cond.days[day]
}

func inRanges(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// attributeHolds compares a principal, resource or request attribute. The source is
// chosen by prefix; a bare name refers to the principal.
func (r *Resolver) attributeHolds(ctx context.Context, cond domain.Condition, ec evalContext) (bool, error) {
	var (
		actual  any
		present bool
	)
	source, name, found := strings.Cut(cond.Attribute, ".")
	if !found {
		source, name = "principal", cond.Attribute
	}
	switch source {
	case "resource":
		res, ok, err := ec.resource(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			actual, present = res.Attributes[name]
		}
	case "request":
		actual, present = ec.request.Env.Attributes[name]
	case "principal":
		actual, present = ec.request.Principal.Attributes[name]
	default:
		actual, present = ec.request.Principal.Attributes[cond.Attribute]
	}

	ok, err := match.Compare(cond.Operator, actual, present, cond.Value)
	if err != nil {
		r.logger.Debug("attribute condition failed", "attribute", cond.Attribute, "error", err)
		return false, nil
	}
	return ok, nil
}

func ownershipHolds(ctx context.Context, cond domain.Condition, ec evalContext) (bool, error) {
	res, ok, err := ec.resource(ctx)
	if err != nil || !ok || res.OwnerID == "" {
		return false, err
	}
	claimant := ec.request.Principal.ID
	if cond.OwnerAttribute != "" {
		value, present := ec.request.Principal.Attributes[cond.OwnerAttribute]
		if !present {
			return false, nil
		}
		claimant = match.Stringify(value)
	}
	return claimant == res.OwnerID, nil
}

// customHolds evaluates a Rego "allow" rule in the shared sandbox.
func (r *Resolver) customHolds(ctx context.Context, cond domain.Condition, ec evalContext) (bool, error) {
	if r.sandbox == nil {
		return false, nil
	}
	program, err := r.sandbox.Compile(ctx, "condition", cond.Module, "allow")
	if err != nil {
		r.logger.Warn("custom condition does not compile", "error", err)
		return false, nil
	}

	res, found, err := ec.resource(ctx)
	if err != nil {
		return false, err
	}
	resource := map[string]any{"type": ec.ref.Type, "id": ec.ref.ID}
	if found {
		resource["owner"] = res.OwnerID
		resource["attributes"] = res.Attributes
	}
	p := ec.request.Principal
	roles := make([]int, 0, len(p.Roles))
	for _, id := range p.Roles {
		roles = append(roles, int(id))
	}
	input := map[string]any{
		"principal": map[string]any{"id": p.ID, "roles": roles, "attributes": p.Attributes},
		"resource":  resource,
		"action":    ec.request.Action,
		"env": map[string]any{
			"ip":         ec.request.Env.IP,
			"time":       ec.now.UTC().Format(time.RFC3339),
			"attributes": ec.request.Env.Attributes,
		},
	}

	value, defined, err := r.sandbox.Eval(ctx, program, input, 0)
	if err != nil {
		r.logger.Warn("custom condition failed", "error", err)
		return false, nil
	}
	return policy.AllowResult(value, defined), nil
}
