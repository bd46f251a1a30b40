package group

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/registry"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
	"github.com/mcpgov/policy-gateway/internal/transport"
)

type memoryDAO struct {
	servers map[string]servermodel.ServerDescriptor
	groups  map[string]servermodel.ServerGroup
}

func (d *memoryDAO) ListServers(context.Context) ([]servermodel.ServerDescriptor, error) {
	out := make([]servermodel.ServerDescriptor, 0, len(d.servers))
	for _, s := range d.servers {
		out = append(out, s)
	}
	return out, nil
}

func (d *memoryDAO) GetServer(_ context.Context, name string) (*servermodel.ServerDescriptor, error) {
	s, ok := d.servers[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (d *memoryDAO) CreateServer(_ context.Context, s servermodel.ServerDescriptor) error {
	d.servers[s.Name] = s
	return nil
}

func (d *memoryDAO) UpdateServer(_ context.Context, s servermodel.ServerDescriptor) error {
	d.servers[s.Name] = s
	return nil
}

func (d *memoryDAO) DeleteServer(_ context.Context, name string) error {
	delete(d.servers, name)
	return nil
}

func (d *memoryDAO) ListGroups(context.Context) ([]servermodel.ServerGroup, error) {
	out := make([]servermodel.ServerGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	return out, nil
}

func (d *memoryDAO) GetGroup(_ context.Context, id string) (*servermodel.ServerGroup, error) {
	g, ok := d.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (d *memoryDAO) CreateGroup(_ context.Context, g servermodel.ServerGroup) error {
	d.groups[g.ID] = g
	return nil
}

func (d *memoryDAO) UpdateGroup(_ context.Context, g servermodel.ServerGroup) error {
	d.groups[g.ID] = g
	return nil
}

func (d *memoryDAO) DeleteGroup(_ context.Context, id string) error {
	delete(d.groups, id)
	return nil
}

// stubTransport answers ListTools/InvokeTool per server name, with
// optional per-server failures.
type stubTransport struct {
	tools   map[string][]transport.Tool
	fail    map[string]bool
	invoked []string
}

func (s *stubTransport) ListTools(_ context.Context, server transport.ServerTarget) ([]transport.Tool, error) {
	if s.fail[server.Name] {
		return nil, fmt.Errorf("%s is down", server.Name)
	}
	return s.tools[server.Name], nil
}

func (s *stubTransport) InvokeTool(_ context.Context, server transport.ServerTarget, tool string, _ json.RawMessage, _ transport.StreamSink) (transport.InvokeResult, error) {
	s.invoked = append(s.invoked, server.Name+"/"+tool)
	return transport.InvokeResult{Result: json.RawMessage(`{}`)}, nil
}

func allowAll(t *testing.T) *policyeval.Evaluator {
	t.Helper()
	eval := policyeval.NewEvaluator()
	eval.Swap(policyeval.Compile([]policymodel.Policy{{
		PolicyID: "allow-all", Name: "allow all", Status: policymodel.StatusActive,
		Rules: []policymodel.Rule{{RuleID: "r1", Actions: []policymodel.Action{{Type: policymodel.ActionAllow}}}},
	}}, 1, func(string, error) {}))
	return eval
}

func newTestGateway(t *testing.T, dao *memoryDAO, tr transport.Transport, eval *policyeval.Evaluator) (*Gateway, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(context.Background(), dao)
	require.NoError(t, err)
	return New(reg, tr, eval, credential.NewResolver()), reg
}

func twoMemberDAO() *memoryDAO {
	return &memoryDAO{
		servers: map[string]servermodel.ServerDescriptor{
			"alpha": {Name: "alpha", URL: "http://alpha.local", Transport: servermodel.TransportHTTP, Enabled: true},
			"beta":  {Name: "beta", URL: "http://beta.local", Transport: servermodel.TransportHTTP, Enabled: true},
		},
		groups: map[string]servermodel.ServerGroup{
			"g1": {ID: "g1", Name: "pair", MemberNames: []string{"alpha", "beta"}, GatewayPath: "/pair", Enabled: true},
		},
	}
}

func TestListToolsDedupFirstWins(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "search"}, {Name: "fetch"}},
		"beta":  {{Name: "search"}, {Name: "push"}},
	}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	tools, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{SubjectID: "u1"})
	require.NoError(t, err)

	names := map[string]string{}
	for _, tl := range tools {
		names[tl.Name] = tl.SourceServer
	}
	require.Len(t, tools, 3)
	assert.Equal(t, "alpha", names["search"], "duplicate tool must resolve to the first member in order")
	assert.Equal(t, "alpha", names["fetch"])
	assert.Equal(t, "beta", names["push"])
}

func TestListToolsAppliesToolConfig(t *testing.T) {
	dao := twoMemberDAO()
	g := dao.groups["g1"]
	g.ToolConfig = map[string][]string{"alpha": {"fetch"}, "beta": {"*"}}
	dao.groups["g1"] = g

	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "search"}, {Name: "fetch"}},
		"beta":  {{Name: "push"}},
	}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	tools, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "fetch", tools[0].Name)
	assert.Equal(t, "push", tools[1].Name)
}

func TestListToolsFiltersPolicyDeniedTools(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "search"}, {Name: "delete"}},
	}}

	eval := policyeval.NewEvaluator()
	eval.Swap(policyeval.Compile([]policymodel.Policy{
		{
			PolicyID: "deny-delete", Name: "deny delete", Status: policymodel.StatusActive, Priority: 10,
			Resources: []policymodel.ResourceBinding{{ResourceType: policymodel.ResourceTool, ResourceID: "alpha:delete"}},
			Rules:     []policymodel.Rule{{RuleID: "r1", Actions: []policymodel.Action{{Type: policymodel.ActionDeny}}}},
		},
		{
			PolicyID: "allow-rest", Name: "allow rest", Status: policymodel.StatusActive,
			Rules: []policymodel.Rule{{RuleID: "r1", Actions: []policymodel.Action{{Type: policymodel.ActionAllow}}}},
		},
	}, 1, func(string, error) {}))

	gw, reg := newTestGateway(t, dao, tr, eval)

	tools, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{SubjectID: "u1"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
}

func TestListToolsSurvivesMemberFailure(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{
		tools: map[string][]transport.Tool{"beta": {{Name: "push"}}},
		fail:  map[string]bool{"alpha": true},
	}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	tools, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{})
	require.NoError(t, err, "a single member's failure must not fail the call")
	require.Len(t, tools, 1)
	assert.Equal(t, "push", tools[0].Name)
	assert.Equal(t, "beta", tools[0].SourceServer)
}

func TestListToolsIdempotent(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "search"}, {Name: "fetch"}},
		"beta":  {{Name: "search"}},
	}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	first, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{})
	require.NoError(t, err)
	second, err := gw.ListTools(context.Background(), *reg.GetGroup("g1"), reqctx.Principal{})
	require.NoError(t, err)
	assert.Equal(t, first, second, "same set in the same order with no member changes")
}

func TestInvokeToolRoutesToFirstExposingMember(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "fetch"}},
		"beta":  {{Name: "search"}},
	}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	_, member, err := gw.InvokeTool(context.Background(), *reg.GetGroup("g1"), "search", nil, reqctx.Principal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", member)
	assert.Contains(t, tr.invoked, "beta/search")
}

func TestInvokeToolHonorsSourceHint(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{
		"alpha": {{Name: "search"}},
		"beta":  {{Name: "search"}},
	}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	params := WithSourceHint(json.RawMessage(`{"q":"x"}`), "beta")
	_, member, err := gw.InvokeTool(context.Background(), *reg.GetGroup("g1"), "search", params, reqctx.Principal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", member)
}

func TestInvokeToolUnknownTool(t *testing.T) {
	dao := twoMemberDAO()
	tr := &stubTransport{tools: map[string][]transport.Tool{}}
	gw, reg := newTestGateway(t, dao, tr, allowAll(t))

	_, _, err := gw.InvokeTool(context.Background(), *reg.GetGroup("g1"), "nope", nil, reqctx.Principal{}, nil)
	require.Error(t, err)
}
