package policymodel

import (
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// validate returns the shared validator instance, built once.
func validate() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// ValidatePolicy validates struct tags and the semantic invariants the
// struct tags can't express: every rule has an effect action, "matches"
// operands compile as regex, and "in_ip_range"/"not_in_ip_range" operands
// parse as CIDRs. A policy that fails here is rejected at create/update
// time and never activated.
func ValidatePolicy(p *Policy) error {
	if err := validate().Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	for i := range p.Rules {
		rule := &p.Rules[i]
		hasEffect := false
		for _, a := range rule.Actions {
			if a.Type.IsEffect() {
				hasEffect = true
				break
			}
		}
		if !hasEffect {
			return fmt.Errorf("rule %q has no allow/deny/block action", rule.RuleID)
		}
		if err := validateConditionTree(&rule.Conditions); err != nil {
			return fmt.Errorf("rule %q: %w", rule.RuleID, err)
		}
	}

	for _, rb := range p.Resources {
		if rb.ResourceType == ResourceTool && !toolBindingShape.MatchString(rb.ResourceID) {
			return fmt.Errorf("resource binding %q: tool bindings must be \"server:tool\"", rb.ResourceID)
		}
	}

	return nil
}

var toolBindingShape = regexp.MustCompile(`^[^:]+:[^:]+$`)

// validateConditionTree recurses the tree, rejecting invalid regex and CIDR
// literals at policy-load time rather than at evaluation time.
func validateConditionTree(c *ConditionTree) error {
	if c.IsEmpty() {
		return nil
	}
	if !c.IsLeaf() {
		for i := range c.All {
			if err := validateConditionTree(&c.All[i]); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := validateConditionTree(&c.Any[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Field == "" {
		return fmt.Errorf("leaf condition missing field")
	}

	switch c.Operator {
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("field %q: matches operator requires a string pattern", c.Field)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("field %q: invalid regex %q: %w", c.Field, pattern, err)
		}
	case OpInIPRange, OpNotInIPRange:
		cidrs, err := toStringSlice(c.Value)
		if err != nil {
			return fmt.Errorf("field %q: %w", c.Field, err)
		}
		for _, cidr := range cidrs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("field %q: invalid CIDR %q: %w", c.Field, cidr, err)
			}
		}
	}
	return nil
}

func toStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", v)
	}
}
