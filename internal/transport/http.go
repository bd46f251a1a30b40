package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgov/policy-gateway/internal/apierr"
)

// headerRoundTripper injects resolved credential headers into every
// outbound request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.base.RoundTrip(req)
}

// HTTPTransport is the HTTP/SSE McpTransport implementation.
// Neither ListTools nor InvokeTool retries; the caller's context carries
// the downstream deadline.
type HTTPTransport struct {
	ClientName    string
	ClientVersion string
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{ClientName: "mcp-policy-gateway", ClientVersion: "1.0.0"}
}

func (t *HTTPTransport) connect(ctx context.Context, server ServerTarget) (*mcp.ClientSession, error) {
	endpoint := server.URL
	if len(server.CredentialQuery) > 0 {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, apierr.Wrap(apierr.BackendUnreachable, "invalid server url", err)
		}
		q := u.Query()
		for k, v := range server.CredentialQuery {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	httpClient := &http.Client{
		Transport: &headerRoundTripper{base: http.DefaultTransport, headers: server.CredentialHdr},
	}
	if server.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(server.TimeoutMS) * time.Millisecond
	}

	var mcpTransport mcp.Transport
	switch strings.ToLower(server.Transport) {
	case "sse":
		mcpTransport = &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	case "http", "streamable", "streaming":
		mcpTransport = &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	default:
		return nil, apierr.New(apierr.ResourceNotFound, fmt.Sprintf("unsupported transport %q for server %q", server.Transport, server.Name))
	}

	client := mcp.NewClient(&mcp.Implementation{Name: t.ClientName, Version: t.ClientVersion}, nil)
	session, err := client.Connect(ctx, mcpTransport, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnreachable, fmt.Sprintf("connecting to %q", server.Name), err)
	}
	return session, nil
}

func (t *HTTPTransport) ListTools(ctx context.Context, server ServerTarget) ([]Tool, error) {
	session, err := t.connect(ctx, server)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, classifyErr(err, server.Name)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, tl := range result.Tools {
		var schema json.RawMessage
		if tl.InputSchema != nil {
			schema, _ = json.Marshal(tl.InputSchema)
		}
		tools = append(tools, Tool{Name: tl.Name, Description: tl.Description, InputSchema: schema})
	}
	return tools, nil
}

func (t *HTTPTransport) InvokeTool(ctx context.Context, server ServerTarget, tool string, params json.RawMessage, sink StreamSink) (InvokeResult, error) {
	session, err := t.connect(ctx, server)
	if err != nil {
		return InvokeResult{}, err
	}
	defer session.Close()

	callParams := &mcp.CallToolParams{Name: tool}
	if len(params) > 0 {
		callParams.Arguments = params
	}

	result, err := session.CallTool(ctx, callParams)
	if err != nil {
		classified := classifyErr(err, server.Name)
		if sink != nil {
			sink(StreamEvent{Done: true, Error: classified})
		}
		return InvokeResult{}, classified
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return InvokeResult{}, apierr.Wrap(apierr.BackendUnreachable, "marshaling tool result", err)
	}

	if sink != nil {
		sink(StreamEvent{Data: payload, Done: true})
	}
	return InvokeResult{Result: payload}, nil
}

func classifyErr(err error, serverName string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.BackendTimeout, fmt.Sprintf("%q timed out", serverName), err)
	}
	return apierr.Wrap(apierr.BackendUnreachable, fmt.Sprintf("%q unreachable", serverName), err)
}
