package policyeval

import (
	"fmt"
	"sort"

	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

// compiledRule is a Rule with its ConditionTree pre-parsed.
type compiledRule struct {
	ruleID    string
	priority  int
	condition compiledCondition
	actions   []policymodel.Action
}

// principalMatcher performs constant-time set tests against a caller's
// subject_id, roles, and groups.
type principalMatcher struct {
	global bool
	users  map[string]struct{}
	roles  map[string]struct{}
	orgs   map[string]struct{}
}

func buildPrincipalMatcher(scopes []policymodel.PrincipalScope) principalMatcher {
	if len(scopes) == 0 {
		return principalMatcher{global: true}
	}
	m := principalMatcher{
		users: map[string]struct{}{},
		roles: map[string]struct{}{},
		orgs:  map[string]struct{}{},
	}
	for _, s := range scopes {
		switch s.PrincipalType {
		case policymodel.PrincipalUser:
			m.users[s.PrincipalID] = struct{}{}
		case policymodel.PrincipalRole:
			m.roles[s.PrincipalID] = struct{}{}
		case policymodel.PrincipalOrganization:
			m.orgs[s.PrincipalID] = struct{}{}
		}
	}
	return m
}

// Matches reports whether the principal satisfies at least one scope, or
// true unconditionally for a global matcher.
func (m principalMatcher) Matches(p reqctx.Principal) bool {
	if m.global {
		return true
	}
	if _, ok := m.users[p.SubjectID]; ok {
		return true
	}
	for _, r := range p.Roles {
		if _, ok := m.roles[r]; ok {
			return true
		}
	}
	for _, g := range p.Groups {
		if _, ok := m.orgs[g]; ok {
			return true
		}
	}
	return false
}

// compiledPolicy is a Policy with its scope matcher and rule conditions
// pre-built, so evaluation never re-parses a regex or re-walks scopes.
type compiledPolicy struct {
	policyID string
	status   policymodel.Status
	priority int
	scope    principalMatcher
	rules    []compiledRule
}

// PolicyRef is the lightweight handle stored in the by_server/by_tool/global
// indices; it points at the shared compiledPolicy so one policy bound to
// several resources is compiled once.
type PolicyRef struct {
	policy *compiledPolicy
}

// CompiledTables is the evaluator's immutable, versioned compilation
// output. Readers hold one *CompiledTables for the life of a single
// evaluation; writers build a new one and swap it in atomically. It is
// never mutated in place.
type CompiledTables struct {
	byServer map[string][]PolicyRef
	byTool   map[string][]PolicyRef
	global   []PolicyRef
	version  int
}

// Compile builds a new CompiledTables from the current policy set. A
// policy that fails policymodel.ValidatePolicy is excluded, with its
// error reported via perPolicyErr; a bad policy never fails the whole
// compilation: the returned tables omit it and hold every other policy.
func Compile(policies []policymodel.Policy, version int, perPolicyErr func(policyID string, err error)) *CompiledTables {
	t := &CompiledTables{
		byServer: map[string][]PolicyRef{},
		byTool:   map[string][]PolicyRef{},
		version:  version,
	}

	for _, p := range policies {
		pCopy := p
		if err := policymodel.ValidatePolicy(&pCopy); err != nil {
			if perPolicyErr != nil {
				perPolicyErr(p.PolicyID, err)
			}
			continue
		}

		cp := &compiledPolicy{
			policyID: p.PolicyID,
			status:   p.Status,
			priority: p.Priority,
			scope:    buildPrincipalMatcher(p.Scopes),
		}

		rules := append([]policymodel.Rule(nil), p.Rules...)
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority > rules[j].Priority
			}
			return rules[i].RuleID < rules[j].RuleID
		})
		for _, r := range rules {
			cp.rules = append(cp.rules, compiledRule{
				ruleID:    r.RuleID,
				priority:  r.Priority,
				condition: compileCondition(r.Conditions),
				actions:   r.Actions,
			})
		}

		ref := PolicyRef{policy: cp}

		if len(p.Resources) == 0 {
			t.global = append(t.global, ref)
			continue
		}
		for _, rb := range p.Resources {
			switch rb.ResourceType {
			case policymodel.ResourceServer, policymodel.ResourceGroup:
				t.byServer[rb.ResourceID] = append(t.byServer[rb.ResourceID], ref)
			case policymodel.ResourceTool:
				t.byTool[rb.ResourceID] = append(t.byTool[rb.ResourceID], ref)
			}
		}
	}

	sortRefs := func(refs []PolicyRef) {
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].policy.priority != refs[j].policy.priority {
				return refs[i].policy.priority > refs[j].policy.priority
			}
			return refs[i].policy.policyID < refs[j].policy.policyID
		})
	}
	for k := range t.byServer {
		sortRefs(t.byServer[k])
	}
	for k := range t.byTool {
		sortRefs(t.byTool[k])
	}
	sortRefs(t.global)

	return t
}

// Version exposes the compilation version for diagnostics/tests.
func (t *CompiledTables) Version() int { return t.version }

func toolKey(server, tool string) string {
	return fmt.Sprintf("%s:%s", server, tool)
}
