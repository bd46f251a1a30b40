package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpgov/policy-gateway/internal/audit"
	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/group"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/registry"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
	"github.com/mcpgov/policy-gateway/internal/transport"
)

// fakeDAO is a minimal in-memory store.ServerDAO + store.GroupDAO used to
// build a real registry.Registry without a sqlite file.
type fakeDAO struct {
	servers map[string]servermodel.ServerDescriptor
	groups  map[string]servermodel.ServerGroup
}

func newFakeDAO() *fakeDAO {
	return &fakeDAO{servers: map[string]servermodel.ServerDescriptor{}, groups: map[string]servermodel.ServerGroup{}}
}

func (d *fakeDAO) ListServers(context.Context) ([]servermodel.ServerDescriptor, error) {
	out := make([]servermodel.ServerDescriptor, 0, len(d.servers))
	for _, s := range d.servers {
		out = append(out, s)
	}
	return out, nil
}
func (d *fakeDAO) GetServer(_ context.Context, name string) (*servermodel.ServerDescriptor, error) {
	s, ok := d.servers[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
func (d *fakeDAO) CreateServer(_ context.Context, s servermodel.ServerDescriptor) error {
	d.servers[s.Name] = s
	return nil
}
func (d *fakeDAO) UpdateServer(_ context.Context, s servermodel.ServerDescriptor) error {
	d.servers[s.Name] = s
	return nil
}
func (d *fakeDAO) DeleteServer(_ context.Context, name string) error {
	delete(d.servers, name)
	return nil
}
func (d *fakeDAO) ListGroups(context.Context) ([]servermodel.ServerGroup, error) {
	out := make([]servermodel.ServerGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	return out, nil
}
func (d *fakeDAO) GetGroup(_ context.Context, id string) (*servermodel.ServerGroup, error) {
	g, ok := d.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}
func (d *fakeDAO) CreateGroup(_ context.Context, g servermodel.ServerGroup) error {
	d.groups[g.ID] = g
	return nil
}
func (d *fakeDAO) UpdateGroup(_ context.Context, g servermodel.ServerGroup) error {
	d.groups[g.ID] = g
	return nil
}
func (d *fakeDAO) DeleteGroup(_ context.Context, id string) error {
	delete(d.groups, id)
	return nil
}

// fakeTransport answers ListTools/InvokeTool from a fixed map keyed by
// server name, without touching the network.
type fakeTransport struct {
	tools   map[string][]transport.Tool
	results map[string]json.RawMessage
}

func (f *fakeTransport) ListTools(_ context.Context, server transport.ServerTarget) ([]transport.Tool, error) {
	return f.tools[server.Name], nil
}
func (f *fakeTransport) InvokeTool(_ context.Context, server transport.ServerTarget, tool string, _ json.RawMessage, _ transport.StreamSink) (transport.InvokeResult, error) {
	return transport.InvokeResult{Result: f.results[server.Name+"/"+tool]}, nil
}

func allowAllEvaluator(t *testing.T) *policyeval.Evaluator {
	t.Helper()
	eval := policyeval.NewEvaluator()
	tables := policyeval.Compile([]policymodel.Policy{{
		PolicyID: "allow-all",
		Name:     "allow all",
		Status:   policymodel.StatusActive,
		Priority: 1,
		Rules: []policymodel.Rule{{
			RuleID:  "r1",
			Actions: []policymodel.Action{{Type: policymodel.ActionAllow}},
		}},
	}}, 1, func(string, error) {})
	eval.Swap(tables)
	return eval
}

func denyAllEvaluator(t *testing.T) *policyeval.Evaluator {
	t.Helper()
	eval := policyeval.NewEvaluator()
	tables := policyeval.Compile([]policymodel.Policy{{
		PolicyID: "deny-all",
		Name:     "deny all",
		Status:   policymodel.StatusActive,
		Priority: 1,
		Rules: []policymodel.Rule{{
			RuleID:  "r1",
			Actions: []policymodel.Action{{Type: policymodel.ActionDeny}},
		}},
	}}, 1, func(string, error) {})
	eval.Swap(tables)
	return eval
}

func buildPipeline(t *testing.T, dao *fakeDAO, tr *fakeTransport, eval *policyeval.Evaluator) *Pipeline {
	t.Helper()
	ctx := context.Background()
	reg, err := registry.New(ctx, dao)
	require.NoError(t, err)

	return &Pipeline{
		Registry:    reg,
		Groups:      group.New(reg, tr, eval, credential.NewResolver()),
		Evaluator:   eval,
		Credentials: credential.NewResolver(),
		Transport:   tr,
		Audit:       &audit.Sink{},
	}
}

func TestPipelineInvokeAllowed(t *testing.T) {
	dao := newFakeDAO()
	dao.servers["weather"] = servermodel.ServerDescriptor{Name: "weather", URL: "http://weather.local", Transport: servermodel.TransportHTTP, Enabled: true}

	tr := &fakeTransport{results: map[string]json.RawMessage{"weather/forecast": json.RawMessage(`{"temp":72}`)}}
	p := buildPipeline(t, dao, tr, allowAllEvaluator(t))

	resp, err := p.Invoke(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{TraceID: "t1"}, "weather", "forecast", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, policymodel.ActionAllow, resp.Decision.Effect)
	require.JSONEq(t, `{"temp":72}`, string(resp.Result))
}

func TestPipelineInvokeDenied(t *testing.T) {
	dao := newFakeDAO()
	dao.servers["weather"] = servermodel.ServerDescriptor{Name: "weather", URL: "http://weather.local", Transport: servermodel.TransportHTTP, Enabled: true}

	tr := &fakeTransport{results: map[string]json.RawMessage{}}
	p := buildPipeline(t, dao, tr, denyAllEvaluator(t))

	resp, err := p.Invoke(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{TraceID: "t2"}, "weather", "forecast", nil)
	require.Error(t, err)
	require.False(t, resp.Success)
	require.Equal(t, policymodel.ActionDeny, resp.Decision.Effect)
}

func TestPipelineInvokeUnknownServer(t *testing.T) {
	dao := newFakeDAO()
	tr := &fakeTransport{}
	p := buildPipeline(t, dao, tr, allowAllEvaluator(t))

	_, err := p.Invoke(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{}, "missing", "x", nil)
	require.Error(t, err)
}

func TestPipelineListToolsFiltersDenied(t *testing.T) {
	dao := newFakeDAO()
	dao.servers["weather"] = servermodel.ServerDescriptor{Name: "weather", URL: "http://weather.local", Transport: servermodel.TransportHTTP, Enabled: true}

	tr := &fakeTransport{tools: map[string][]transport.Tool{"weather": {{Name: "forecast"}, {Name: "radar"}}}}
	p := buildPipeline(t, dao, tr, denyAllEvaluator(t))

	tools, err := p.ListTools(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{}, "weather")
	require.NoError(t, err)
	require.Empty(t, tools)
}

func TestPipelineGroupInvokeResolvesMember(t *testing.T) {
	dao := newFakeDAO()
	dao.servers["weather-a"] = servermodel.ServerDescriptor{Name: "weather-a", URL: "http://a.local", Transport: servermodel.TransportHTTP, Enabled: true}
	dao.servers["weather-b"] = servermodel.ServerDescriptor{Name: "weather-b", URL: "http://b.local", Transport: servermodel.TransportHTTP, Enabled: true}
	dao.groups["grp-1"] = servermodel.ServerGroup{ID: "grp-1", Name: "weather", MemberNames: []string{"weather-a", "weather-b"}, GatewayPath: "/weather", Enabled: true}

	tr := &fakeTransport{
		tools:   map[string][]transport.Tool{"weather-a": {}, "weather-b": {{Name: "forecast"}}},
		results: map[string]json.RawMessage{"weather-b/forecast": json.RawMessage(`{"ok":true}`)},
	}
	p := buildPipeline(t, dao, tr, allowAllEvaluator(t))

	resp, err := p.GroupInvoke(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{}, "grp-1", "forecast", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "weather-b", resp.MCPServer)
}

func TestPipelineInvokeRedactsObligatedFields(t *testing.T) {
	dao := newFakeDAO()
	dao.servers["weather"] = servermodel.ServerDescriptor{Name: "weather", URL: "http://weather.local", Transport: servermodel.TransportHTTP, Enabled: true}

	tr := &fakeTransport{results: map[string]json.RawMessage{"weather/forecast": json.RawMessage(`{"temp":72,"station_id":"zz9"}`)}}

	eval := policyeval.NewEvaluator()
	tables := policyeval.Compile([]policymodel.Policy{{
		PolicyID: "redact-station",
		Name:     "redact station",
		Status:   policymodel.StatusActive,
		Priority: 1,
		Rules: []policymodel.Rule{{
			RuleID: "r1",
			Actions: []policymodel.Action{
				{Type: policymodel.ActionAllow},
				{Type: policymodel.ActionRedact, Params: map[string]any{"fields": []any{"station_id"}}},
			},
		}},
	}}, 1, func(string, error) {})
	eval.Swap(tables)

	p := buildPipeline(t, dao, tr, eval)
	resp, err := p.Invoke(context.Background(), reqctx.Principal{SubjectID: "u1"}, reqctx.RequestMeta{}, "weather", "forecast", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.JSONEq(t, `{"temp":72}`, string(resp.Result))
}
