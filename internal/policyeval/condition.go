package policyeval

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

// compiledCondition is a ConditionTree with its "matches"/"in_ip_range"
// operands pre-parsed at compile time.
type compiledCondition struct {
	leaf     bool
	field    string
	operator policymodel.Operator
	value    any
	regex    *regexp.Regexp
	cidrs    []*net.IPNet

	all []compiledCondition
	any []compiledCondition
}

// compileCondition pre-parses regex/CIDR literals. Invalid literals should
// already have been rejected by policymodel.ValidatePolicy; this function
// treats a compile failure as a never-match leaf rather than panicking, so a
// policy that slipped past validation fails closed instead of crashing
// evaluation.
func compileCondition(c policymodel.ConditionTree) compiledCondition {
	if c.IsEmpty() {
		return compiledCondition{leaf: true}
	}
	if !c.IsLeaf() {
		cc := compiledCondition{}
		for _, sub := range c.All {
			cc.all = append(cc.all, compileCondition(sub))
		}
		for _, sub := range c.Any {
			cc.any = append(cc.any, compileCondition(sub))
		}
		return cc
	}

	cc := compiledCondition{
		leaf:     true,
		field:    c.Field,
		operator: c.Operator,
		value:    c.Value,
	}
	switch c.Operator {
	case policymodel.OpMatches:
		if pattern, ok := c.Value.(string); ok {
			cc.regex, _ = regexp.Compile(pattern)
		}
	case policymodel.OpInIPRange, policymodel.OpNotInIPRange:
		cidrs, _ := toStringSlice(c.Value)
		for _, s := range cidrs {
			if _, ipnet, err := net.ParseCIDR(s); err == nil {
				cc.cidrs = append(cc.cidrs, ipnet)
			}
		}
	}
	return cc
}

// evaluate walks the compiled tree against ctxDoc. A panic recovered inside
// here is never allowed to propagate; the caller treats any error as a
// non-match and records an evaluator_error obligation.
func (cc compiledCondition) evaluate(doc any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
			result = false
		}
	}()

	if cc.leaf {
		if cc.field == "" && cc.operator == "" {
			return true, nil // empty tree: unconditional match
		}
		return evalLeaf(cc, doc), nil
	}

	if len(cc.all) > 0 {
		for _, sub := range cc.all {
			ok, err := sub.evaluate(doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	if len(cc.any) > 0 {
		for _, sub := range cc.any {
			ok, err := sub.evaluate(doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	return true, nil
}

func lookupField(doc any, field string) (any, bool) {
	value, err := jsonpath.Get("$."+field, doc)
	if err != nil {
		return nil, false
	}
	return value, true
}

func evalLeaf(cc compiledCondition, doc any) bool {
	value, present := lookupField(doc, cc.field)

	switch cc.operator {
	case policymodel.OpNotEquals:
		if !present {
			return true
		}
		return !looseEquals(value, cc.value)
	case policymodel.OpNotContains:
		if !present {
			return true
		}
		return !containsValue(value, cc.value)
	case policymodel.OpNotIn:
		if !present {
			return true
		}
		return !inList(value, cc.value)
	case policymodel.OpNotInIPRange:
		if !present {
			return true
		}
		return !ipInRanges(value, cc.cidrs)
	}

	if !present {
		return false
	}

	switch cc.operator {
	case policymodel.OpEquals:
		return looseEquals(value, cc.value)
	case policymodel.OpContains:
		return containsValue(value, cc.value)
	case policymodel.OpStartsWith:
		s, sok := asString(value)
		p, pok := asString(cc.value)
		return sok && pok && strings.HasPrefix(s, p)
	case policymodel.OpEndsWith:
		s, sok := asString(value)
		p, pok := asString(cc.value)
		return sok && pok && strings.HasSuffix(s, p)
	case policymodel.OpMatches:
		s, ok := asString(value)
		return ok && cc.regex != nil && cc.regex.MatchString(s)
	case policymodel.OpIn:
		return inList(value, cc.value)
	case policymodel.OpGT, policymodel.OpLT, policymodel.OpGTE, policymodel.OpLTE:
		return compareNumeric(cc.operator, value, cc.value)
	case policymodel.OpInIPRange:
		return ipInRanges(value, cc.cidrs)
	default:
		return false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func looseEquals(a, b any) bool {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		return an == bn
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		return as == bs
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := asString(needle)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n, ok := asString(needle)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inList(value, list any) bool {
	items, err := toStringSlice(list)
	if err == nil {
		if s, ok := asString(value); ok {
			for _, item := range items {
				if item == s {
					return true
				}
			}
			return false
		}
	}
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if looseEquals(item, value) {
				return true
			}
		}
	}
	return false
}

func compareNumeric(op policymodel.Operator, value, operand any) bool {
	v, vok := toFloat(value)
	o, ook := toFloat(operand)
	if !vok || !ook {
		return false // coercion failure => condition is false
	}
	switch op {
	case policymodel.OpGT:
		return v > o
	case policymodel.OpLT:
		return v < o
	case policymodel.OpGTE:
		return v >= o
	case policymodel.OpLTE:
		return v <= o
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func ipInRanges(value any, cidrs []*net.IPNet) bool {
	s, ok := asString(value)
	if !ok {
		return false
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, n := range cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
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

// buildDoc turns a RequestContext into the dotted-path document that
// ConditionTree fields ("subject.roles", "payload.to", "server.auth_method",
// "request.ip", "tool.name") are evaluated against.
func buildDoc(rc reqctx.RequestContext) map[string]any {
	return map[string]any{
		"subject": map[string]any{
			"id":     rc.Principal.SubjectID,
			"email":  rc.Principal.Email,
			"roles":  rc.Principal.Roles,
			"groups": rc.Principal.Groups,
			"claims": rc.Principal.Claims,
		},
		"server": map[string]any{
			"name":        rc.Server.Name,
			"transport":   rc.Server.Transport,
			"auth_method": rc.Server.AuthMethod,
		},
		"tool": map[string]any{
			"name": rc.Tool,
		},
		"payload": rc.Payload,
		"request": map[string]any{
			"ip":         rc.RequestMeta.IP,
			"trace_id":   rc.RequestMeta.TraceID,
			"user_agent": rc.RequestMeta.UserAgent,
		},
	}
}
