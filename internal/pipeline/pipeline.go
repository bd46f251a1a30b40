// Package pipeline implements RequestPipeline, the per-request state
// machine that takes an authenticated call from resolution through
// policy authorization, backend proxying, and audit emission.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/audit"
	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/group"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/registry"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
	"github.com/mcpgov/policy-gateway/internal/telemetry"
	"github.com/mcpgov/policy-gateway/internal/transport"
)

// DecisionView is the Decision subset the response envelope and the
// audit record both expose.
type DecisionView struct {
	Effect      policymodel.ActionType `json:"effect"`
	PolicyID    string                 `json:"policy_id,omitempty"`
	RuleID      string                 `json:"rule_id,omitempty"`
	Obligations []policymodel.Action   `json:"obligations,omitempty"`
}

// InvokeResponse is the envelope every invoke endpoint returns.
type InvokeResponse struct {
	Success         bool            `json:"success"`
	ToolName        string          `json:"tool_name"`
	MCPServer       string          `json:"mcp_server"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	Decision        DecisionView    `json:"decision"`
}

// Pipeline wires every component the request state machine consults.
type Pipeline struct {
	Registry    *registry.Registry
	Groups      *group.Gateway
	Evaluator   *policyeval.Evaluator
	Credentials *credential.Resolver
	Transport   transport.Transport
	Audit       *audit.Sink
	Telemetry   *telemetry.Telemetry

	DefaultTimeout time.Duration
}

// ListTools runs the Resolved+Authorized steps for a direct (non-group)
// server and returns only the tools the caller's policy would allow it
// to invoke, i.e. the same filter GroupGateway.ListTools applies to
// members.
func (p *Pipeline) ListTools(ctx context.Context, principal reqctx.Principal, meta reqctx.RequestMeta, serverName string) ([]transport.Tool, error) {
	s := p.Registry.GetServer(serverName)
	if s == nil || !s.Enabled {
		return nil, apierr.New(apierr.ResourceNotFound, fmt.Sprintf("server %q not found", serverName))
	}

	resolved, err := p.Credentials.Resolve(ctx, s.Auth)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnreachable, "resolving credential", err)
	}
	tools, err := p.Transport.ListTools(ctx, transport.BuildTarget(*s, resolved))
	if err != nil {
		return nil, err
	}

	out := tools[:0]
	for _, t := range tools {
		decision := p.Evaluator.Evaluate(reqctx.RequestContext{
			Principal:   principal,
			Server:      reqctx.ServerMeta{Name: serverName, Transport: string(s.Transport), AuthMethod: string(authMethod(s))},
			Tool:        t.Name,
			RequestMeta: meta,
		})
		if decision.Effect.Effect() == policymodel.ActionDeny {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Invoke runs the full Received -> Audited state machine for a direct
// server invocation.
func (p *Pipeline) Invoke(ctx context.Context, principal reqctx.Principal, meta reqctx.RequestMeta, serverName, toolName string, params json.RawMessage) (InvokeResponse, error) {
	start := time.Now()

	s := p.Registry.GetServer(serverName)
	if s == nil || !s.Enabled {
		err := apierr.New(apierr.ResourceNotFound, fmt.Sprintf("server %q not found", serverName))
		p.audit(meta, principal, serverName, toolName, nil, start, 0, err)
		return InvokeResponse{}, err
	}

	rc := reqctx.RequestContext{
		Principal:   principal,
		Server:      reqctx.ServerMeta{Name: serverName, Transport: string(s.Transport), AuthMethod: string(authMethod(s))},
		Tool:        toolName,
		Payload:     paramsToPayload(params),
		RequestMeta: meta,
	}
	decision := p.Evaluator.Evaluate(rc)
	p.Telemetry.RecordDecision(ctx, string(decision.Effect))

	if decision.Effect.Effect() == policymodel.ActionDeny {
		err := apierr.Denied(decision.Reason, decision.MatchedPolicyID, decision.MatchedRuleID)
		p.auditDecision(meta, principal, serverName, toolName, params, decision, start, 0, err)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: serverName, Error: err.Error(), Decision: decisionView(decision)}, err
	}

	if unmet := unmetObligation(decision.Obligations); unmet != "" {
		err := apierr.New(apierr.ObligationUnmet, unmet)
		p.auditDecision(meta, principal, serverName, toolName, params, decision, start, 0, err)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: serverName, Error: err.Error(), Decision: decisionView(decision)}, err
	}

	timeout := p.timeoutFor(s.TimeoutMS)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved, err := p.Credentials.Resolve(invokeCtx, s.Auth)
	if err != nil {
		wrapped := apierr.Wrap(apierr.BackendUnreachable, "resolving credential", err)
		p.auditDecision(meta, principal, serverName, toolName, params, decision, start, 0, wrapped)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: serverName, Error: wrapped.Error(), Decision: decisionView(decision)}, wrapped
	}

	result, err := p.Transport.InvokeTool(invokeCtx, transport.BuildTarget(*s, resolved), toolName, params, nil)
	status := http200If(err == nil)
	if err != nil {
		p.auditDecision(meta, principal, serverName, toolName, params, decision, start, status, err)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: serverName, Error: err.Error(), Decision: decisionView(decision)}, err
	}

	payload := applyRedactions(result.Result, decision.Obligations)
	p.auditDecision(meta, principal, serverName, toolName, params, decision, start, status, nil)

	return InvokeResponse{
		Success:         true,
		ToolName:        toolName,
		MCPServer:       serverName,
		Result:          payload,
		ExecutionTimeMS: float64(time.Since(start).Milliseconds()),
		Decision:        decisionView(decision),
	}, nil
}

// GroupListTools delegates to GroupGateway for the group's aggregated,
// policy-filtered tool list.
func (p *Pipeline) GroupListTools(ctx context.Context, principal reqctx.Principal, groupID string) ([]transport.Tool, error) {
	g := p.Registry.GetGroup(groupID)
	if g == nil || !g.Enabled {
		return nil, apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group %q not found", groupID))
	}
	return p.Groups.ListTools(ctx, *g, principal)
}

// GroupInvoke resolves the originating member via GroupGateway, then
// re-evaluates policy against the concrete resolved member/tool before
// proxying.
func (p *Pipeline) GroupInvoke(ctx context.Context, principal reqctx.Principal, meta reqctx.RequestMeta, groupID, toolName string, params json.RawMessage) (InvokeResponse, error) {
	start := time.Now()

	g := p.Registry.GetGroup(groupID)
	if g == nil || !g.Enabled {
		err := apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group %q not found", groupID))
		p.audit(meta, principal, groupID, toolName, nil, start, 0, err)
		return InvokeResponse{}, err
	}

	// A dry-run resolution determines the member so policy can be
	// evaluated against it before any backend call is made.
	member, err := p.Groups.ResolveMember(ctx, *g, toolName, params, principal)
	if err != nil {
		p.audit(meta, principal, groupID, toolName, params, start, 0, err)
		return InvokeResponse{}, err
	}
	params = group.WithSourceHint(params, member)

	s := p.Registry.GetServer(member)
	if s == nil {
		err := apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group member %q not found", member))
		p.audit(meta, principal, member, toolName, params, start, 0, err)
		return InvokeResponse{}, err
	}

	decision := p.Evaluator.Evaluate(reqctx.RequestContext{
		Principal:   principal,
		Server:      reqctx.ServerMeta{Name: member, Transport: string(s.Transport), AuthMethod: string(authMethod(s))},
		Tool:        toolName,
		Payload:     paramsToPayload(params),
		RequestMeta: meta,
	})
	p.Telemetry.RecordDecision(ctx, string(decision.Effect))

	if decision.Effect.Effect() == policymodel.ActionDeny {
		denyErr := apierr.Denied(decision.Reason, decision.MatchedPolicyID, decision.MatchedRuleID)
		p.auditDecision(meta, principal, member, toolName, params, decision, start, 0, denyErr)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: member, Error: denyErr.Error(), Decision: decisionView(decision)}, denyErr
	}

	if unmet := unmetObligation(decision.Obligations); unmet != "" {
		unmetErr := apierr.New(apierr.ObligationUnmet, unmet)
		p.auditDecision(meta, principal, member, toolName, params, decision, start, 0, unmetErr)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: member, Error: unmetErr.Error(), Decision: decisionView(decision)}, unmetErr
	}

	timeout := p.timeoutFor(s.TimeoutMS)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, resolvedMember, invokeErr := p.Groups.InvokeTool(invokeCtx, *g, toolName, params, principal, nil)
	status := http200If(invokeErr == nil)
	if invokeErr != nil {
		p.auditDecision(meta, principal, resolvedMember, toolName, params, decision, start, status, invokeErr)
		return InvokeResponse{Success: false, ToolName: toolName, MCPServer: resolvedMember, Error: invokeErr.Error(), Decision: decisionView(decision)}, invokeErr
	}

	payload := applyRedactions(result.Result, decision.Obligations)
	p.auditDecision(meta, principal, resolvedMember, toolName, params, decision, start, status, nil)

	return InvokeResponse{
		Success:         true,
		ToolName:        toolName,
		MCPServer:       resolvedMember,
		Result:          payload,
		ExecutionTimeMS: float64(time.Since(start).Milliseconds()),
		Decision:        decisionView(decision),
	}, nil
}

func (p *Pipeline) timeoutFor(timeoutMS int) time.Duration {
	if timeoutMS > 0 {
		return time.Duration(timeoutMS) * time.Millisecond
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return 30 * time.Second
}

func authMethod(s *servermodel.ServerDescriptor) servermodel.AuthMethod {
	if s.Auth == nil {
		return servermodel.AuthNone
	}
	return s.Auth.Method
}

func paramsToPayload(params json.RawMessage) map[string]any {
	if len(params) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return nil
	}
	return m
}

func decisionView(d policyeval.Decision) DecisionView {
	return DecisionView{Effect: d.Effect, PolicyID: d.MatchedPolicyID, RuleID: d.MatchedRuleID, Obligations: d.Obligations}
}

// unmetObligation reports the first obligation this deployment cannot
// honor -- rate_limit and require_approval are unsupported, so a rule
// that asks for either fails closed.
func unmetObligation(obligations []policymodel.Action) string {
	for _, o := range obligations {
		switch o.Type {
		case policymodel.ActionRateLimit:
			return "rate_limit obligation is not supported by this deployment"
		case policymodel.ActionRequireApproval:
			return "require_approval obligation is not supported by this deployment"
		}
	}
	return ""
}

// applyRedactions removes the field paths named by every redact
// obligation's "fields" param from payload's top-level keys.
func applyRedactions(payload json.RawMessage, obligations []policymodel.Action) json.RawMessage {
	var fields []string
	for _, o := range obligations {
		if o.Type != policymodel.ActionRedact {
			continue
		}
		if raw, ok := o.Params["fields"].([]any); ok {
			for _, f := range raw {
				if s, ok := f.(string); ok {
					fields = append(fields, s)
				}
			}
		}
	}
	if len(fields) == 0 {
		return payload
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	for _, f := range fields {
		delete(doc, f)
	}
	redacted, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return redacted
}

func http200If(ok bool) int {
	if ok {
		return 200
	}
	return 0
}

func (p *Pipeline) audit(meta reqctx.RequestMeta, principal reqctx.Principal, server, tool string, params json.RawMessage, start time.Time, status int, err error) {
	p.auditDecision(meta, principal, server, tool, params, policyeval.Decision{Effect: policymodel.ActionDeny, Reason: "pipeline error before evaluation"}, start, status, err)
}

func (p *Pipeline) auditDecision(meta reqctx.RequestMeta, principal reqctx.Principal, server, tool string, params json.RawMessage, decision policyeval.Decision, start time.Time, status int, err error) {
	if p.Audit == nil {
		return
	}
	rec := audit.Record{
		TraceID:          meta.TraceID,
		EventType:        audit.EventMCPRequest,
		PrincipalSubject: principal.SubjectID,
		PrincipalEmail:   principal.Email,
		Server:           server,
		Tool:             tool,
		ParametersHash:   audit.HashPayload(paramsToPayload(params)),
		Decision:         decision.Effect,
		PolicyID:         decision.MatchedPolicyID,
		RuleID:           decision.MatchedRuleID,
		Obligations:      decision.Obligations,
		ResponseStatus:   status,
		DurationMS:       float64(time.Since(start).Milliseconds()),
	}
	if decision.Effect == policymodel.ActionDeny {
		rec.EventType = audit.EventPolicyViolation
	}
	if err != nil {
		rec.Error = err.Error()
		if ae, ok := err.(*apierr.Error); ok && ae.Kind == apierr.AuthInvalid {
			rec.EventType = audit.EventAuthRejected
		}
	}
	p.Audit.Write(rec)
	if p.Telemetry != nil {
		p.Telemetry.RecordRequest(context.Background(), server, err != nil)
		p.Telemetry.RecordLatency(context.Background(), server, rec.DurationMS)
	}
	log.Debugf("pipeline: %s %s -> %s (%v)", server, tool, decision.Effect, err)
}
