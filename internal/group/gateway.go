// Package group implements GroupGateway: a ServerGroup exposed as a
// virtual MCP endpoint, aggregating tools across members and routing
// invocations to the originating member.
package group

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/registry"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
	"github.com/mcpgov/policy-gateway/internal/transport"
)

// fanoutConcurrency bounds how many members are queried in parallel for
// list_tools.
const fanoutConcurrency = 8

// sourceServerHint is the params key invoke_tool consults to skip member
// resolution by tool-name search.
const sourceServerHint = "_source_server"

// Gateway is the GroupGateway component.
type Gateway struct {
	registry    *registry.Registry
	transport   transport.Transport
	evaluator   *policyeval.Evaluator
	credentials *credential.Resolver
}

// New builds a Gateway over the given registry, transport, evaluator and
// credential resolver.
func New(reg *registry.Registry, tr transport.Transport, eval *policyeval.Evaluator, cred *credential.Resolver) *Gateway {
	return &Gateway{registry: reg, transport: tr, evaluator: eval, credentials: cred}
}

type memberTools struct {
	member string
	tools  []transport.Tool
}

// ListTools fetches tools from each member in parallel, applies the
// group's tool_config, further filters by what the evaluator would allow
// the calling principal to invoke, deduplicates by tool name first-wins
// in member order, and tags survivors with _source_server.
func (g *Gateway) ListTools(ctx context.Context, group servermodel.ServerGroup, principal reqctx.Principal) ([]transport.Tool, error) {
	members := g.registry.GroupMembers(group)

	results := make([]memberTools, len(members))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanoutConcurrency)

	for i, m := range members {
		i, m := i, m
		eg.Go(func() error {
			tools, err := g.listMemberTools(egCtx, m)
			if err != nil {
				log.Logf("group %s: member %s list_tools failed: %v", group.ID, m.Name, err)
				return nil // a single member's failure does not fail the call
			}
			results[i] = memberTools{member: m.Name, tools: tools}
			return nil
		})
	}
	// errgroup.Wait only ever returns non-nil if a Go func itself returns an
	// error, which never happens here -- member failures are swallowed above.
	_ = eg.Wait()

	seen := map[string]struct{}{}
	var out []transport.Tool
	for _, mt := range results {
		if mt.member == "" {
			continue
		}
		for _, t := range mt.tools {
			if !group.AllowsTool(mt.member, t.Name) {
				continue
			}
			if _, dup := seen[t.Name]; dup {
				continue
			}
			if !g.wouldAllowInvoke(mt.member, t.Name, principal) {
				continue
			}
			t.SourceServer = mt.member
			seen[t.Name] = struct{}{}
			out = append(out, t)
		}
	}

	// results is indexed by member position, so out is already in
	// member_names order; tools within a member keep the backend's order.
	return out, nil
}

func (g *Gateway) listMemberTools(ctx context.Context, s servermodel.ServerDescriptor) ([]transport.Tool, error) {
	resolved, err := g.credentials.Resolve(ctx, s.Auth)
	if err != nil {
		return nil, err
	}
	return g.transport.ListTools(ctx, transport.BuildTarget(s, resolved))
}

// wouldAllowInvoke reports whether a hypothetical invoke_tool of tool on
// member for principal would not be denied, without actually invoking it.
func (g *Gateway) wouldAllowInvoke(member, tool string, principal reqctx.Principal) bool {
	decision := g.evaluator.Evaluate(reqctx.RequestContext{
		Principal: principal,
		Server:    reqctx.ServerMeta{Name: member},
		Tool:      tool,
	})
	return decision.Effect.Effect() != policymodel.ActionDeny
}

// InvokeTool resolves the originating member -- an explicit _source_server
// hint in params, else the first member whose filtered tool list contains
// tool_name -- and forwards via Transport. Policy is re-evaluated against
// the concrete resolved member by the caller (RequestPipeline), not here;
// this call only performs member resolution and proxying.
func (g *Gateway) InvokeTool(ctx context.Context, grp servermodel.ServerGroup, toolName string, params json.RawMessage, principal reqctx.Principal, sink transport.StreamSink) (transport.InvokeResult, string, error) {
	member, err := g.resolveMember(ctx, grp, toolName, params, principal)
	if err != nil {
		return transport.InvokeResult{}, "", err
	}

	s := g.registry.GetServer(member)
	if s == nil {
		return transport.InvokeResult{}, "", apierr.New(apierr.ResourceNotFound, fmt.Sprintf("group member %q no longer registered", member))
	}
	resolved, err := g.credentials.Resolve(ctx, s.Auth)
	if err != nil {
		return transport.InvokeResult{}, member, apierr.Wrap(apierr.BackendUnreachable, "resolving credential", err)
	}

	result, err := g.transport.InvokeTool(ctx, transport.BuildTarget(*s, resolved), toolName, params, sink)
	return result, member, err
}

// ResolveMember finds which member would service toolName without
// invoking it, for callers that need the concrete member before
// evaluating policy (RequestPipeline's group invoke path).
func (g *Gateway) ResolveMember(ctx context.Context, grp servermodel.ServerGroup, toolName string, params json.RawMessage, principal reqctx.Principal) (string, error) {
	return g.resolveMember(ctx, grp, toolName, params, principal)
}

// WithSourceHint returns params with _source_server set to member, so a
// later InvokeTool call resolves to the same member a prior ResolveMember
// call already determined.
func WithSourceHint(params json.RawMessage, member string) json.RawMessage {
	var m map[string]any
	if len(params) > 0 {
		_ = json.Unmarshal(params, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	m[sourceServerHint] = member
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}

func (g *Gateway) resolveMember(ctx context.Context, grp servermodel.ServerGroup, toolName string, params json.RawMessage, principal reqctx.Principal) (string, error) {
	if hint := hintedSource(params); hint != "" {
		return hint, nil
	}

	for _, name := range grp.MemberNames {
		s := g.registry.GetServer(name)
		if s == nil {
			continue
		}
		if !grp.AllowsTool(name, toolName) {
			continue
		}
		tools, err := g.listMemberTools(ctx, *s)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == toolName {
				return name, nil
			}
		}
	}
	return "", apierr.New(apierr.ResourceNotFound, fmt.Sprintf("no member of group %q exposes tool %q", grp.Name, toolName))
}

func hintedSource(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return ""
	}
	v, ok := m[sourceServerHint]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
