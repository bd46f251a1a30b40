// Package policyeval compiles policies into priority-ordered decision
// tables and evaluates a request context to an allow/deny Decision with
// fail-closed default semantics.
package policyeval

import (
	"sync/atomic"

	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

// Decision is a policy evaluation result. It marshals directly as the
// body of POST /api/v1/policies/evaluate.
type Decision struct {
	Effect          policymodel.ActionType `json:"effect"`
	MatchedPolicyID string                 `json:"matched_policy_id,omitempty"`
	MatchedRuleID   string                 `json:"matched_rule_id,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Obligations     []policymodel.Action   `json:"obligations,omitempty"`
}

const reasonNoMatch = "no matching policy"

// Evaluator holds the current CompiledTables behind a single atomic
// pointer. Compile publishes a new snapshot; Evaluate reads one snapshot
// reference for the duration of a single evaluation, so a writer can never
// be observed mid-update.
type Evaluator struct {
	tables atomic.Pointer[CompiledTables]
	// FailClosed controls the no-match default. It defaults to true
	// (deny) and exists only as a deployment-time escape hatch.
	FailClosed bool
}

// NewEvaluator returns an Evaluator with no compiled policies loaded yet
// (every request denies with "no matching policy" until Swap is called).
func NewEvaluator() *Evaluator {
	e := &Evaluator{FailClosed: true}
	e.tables.Store(&CompiledTables{byServer: map[string][]PolicyRef{}, byTool: map[string][]PolicyRef{}})
	return e
}

// Swap atomically publishes a newly compiled table set.
func (e *Evaluator) Swap(t *CompiledTables) {
	e.tables.Store(t)
}

// Snapshot returns the currently active compiled tables.
func (e *Evaluator) Snapshot() *CompiledTables {
	return e.tables.Load()
}

// Evaluate resolves the given context to a Decision: candidate policies
// in priority order, first matching rule wins, deny when nothing matches.
func (e *Evaluator) Evaluate(rc reqctx.RequestContext) Decision {
	t := e.tables.Load()
	doc := buildDoc(rc)

	candidates := mergeCandidates(t, rc.Server.Name, rc.Tool)

	var obligations []policymodel.Action

	for _, ref := range candidates {
		p := ref.policy
		if p.status != policymodel.StatusActive {
			continue
		}
		if !p.scope.Matches(rc.Principal) {
			continue
		}

		for _, rule := range p.rules {
			matched, err := rule.condition.evaluate(doc)
			if err != nil {
				obligations = append(obligations, policymodel.Action{Type: policymodel.ActionAudit, Params: map[string]any{
					"evaluator_error": err.Error(),
					"policy_id":       p.policyID,
					"rule_id":         rule.ruleID,
				}})
				continue
			}
			if !matched {
				continue
			}

			effect, effectFound := firstEffect(rule.actions)
			ruleObligations := nonEffectActions(rule.actions)

			if !effectFound {
				// A matching rule with no effect action contributes its
				// obligations but does not decide; keep scanning.
				obligations = append(obligations, ruleObligations...)
				continue
			}

			return Decision{
				Effect:          effect,
				MatchedPolicyID: p.policyID,
				MatchedRuleID:   rule.ruleID,
				Reason:          "matched rule " + rule.ruleID,
				Obligations:     append(obligations, ruleObligations...),
			}
		}
	}

	if !e.FailClosed {
		return Decision{Effect: policymodel.ActionAllow, Reason: reasonNoMatch, Obligations: obligations}
	}
	return Decision{Effect: policymodel.ActionDeny, Reason: reasonNoMatch, Obligations: obligations}
}

// mergeCandidates concatenates by_tool, by_server, global, deduplicated
// by policy_id preserving first occurrence, then stably sorts by priority
// desc / policy_id asc. The per-index slices are already sorted, so this
// is a stable merge, not a fresh full sort.
func mergeCandidates(t *CompiledTables, server, tool string) []PolicyRef {
	seen := map[string]struct{}{}
	var out []PolicyRef

	add := func(refs []PolicyRef) {
		for _, r := range refs {
			if _, ok := seen[r.policy.policyID]; ok {
				continue
			}
			seen[r.policy.policyID] = struct{}{}
			out = append(out, r)
		}
	}

	if tool != "" {
		add(t.byTool[toolKey(server, tool)])
	}
	if server != "" {
		add(t.byServer[server])
	}
	add(t.global)

	// Stable re-sort of the merged (deduplicated) list: priority desc,
	// policy_id asc, ties broken by first-seen order via a stable sort.
	stableSortRefs(out)
	return out
}

func stableSortRefs(refs []PolicyRef) {
	// insertion sort preserves stability and is plenty fast for the small,
	// already-mostly-sorted candidate lists produced by mergeCandidates.
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && less(refs[j], refs[j-1]); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

func less(a, b PolicyRef) bool {
	if a.policy.priority != b.policy.priority {
		return a.policy.priority > b.policy.priority
	}
	return a.policy.policyID < b.policy.policyID
}

func firstEffect(actions []policymodel.Action) (policymodel.ActionType, bool) {
	for _, a := range actions {
		if a.Type.IsEffect() {
			return a.Type.Effect(), true
		}
	}
	return "", false
}

func nonEffectActions(actions []policymodel.Action) []policymodel.Action {
	var out []policymodel.Action
	for _, a := range actions {
		if !a.Type.IsEffect() {
			out = append(out, a)
		}
	}
	return out
}
