package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/pipeline"
)

func (s *Server) registerMCPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/list-tools", s.handleListTools)
	mux.HandleFunc("POST /mcp/invoke", s.handleInvoke)
	mux.HandleFunc("GET /mcp/group/{id}/list-tools", s.handleGroupListTools)
	mux.HandleFunc("POST /mcp/group/{id}/invoke", s.handleGroupInvoke)
	mux.HandleFunc("GET /mcp/servers/{name}/policy-allowed-tools", s.handlePolicyAllowedTools)
}

type invokeRequest struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	serverName := r.URL.Query().Get("mcp_server")
	if serverName == "" {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "mcp_server query parameter is required"))
		return
	}
	tools, err := s.Pipeline.ListTools(r.Context(), principalFrom(r), requestMeta(r), serverName)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	serverName := r.URL.Query().Get("mcp_server")
	if serverName == "" {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "mcp_server query parameter is required"))
		return
	}
	var body invokeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}

	resp, err := s.Pipeline.Invoke(r.Context(), principalFrom(r), requestMeta(r), serverName, body.ToolName, body.Parameters)
	writeInvokeResponse(w, resp, err)
}

func (s *Server) handleGroupListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.Pipeline.GroupListTools(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleGroupInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}

	resp, err := s.Pipeline.GroupInvoke(r.Context(), principalFrom(r), requestMeta(r), r.PathValue("id"), body.ToolName, body.Parameters)
	writeInvokeResponse(w, resp, err)
}

func (s *Server) handlePolicyAllowedTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.Pipeline.ListTools(r.Context(), principalFrom(r), requestMeta(r), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// writeInvokeResponse renders the invoke envelope. The HTTP status
// still follows the error taxonomy (apierr.HTTPStatus), but the body is
// always the full envelope so callers see tool_name/mcp_server/decision
// even on a denied or failed call.
func writeInvokeResponse(w http.ResponseWriter, resp pipeline.InvokeResponse, err error) {
	status := http.StatusOK
	if err != nil {
		if ae, ok := err.(*apierr.Error); ok {
			status = apierr.HTTPStatus(ae.Kind)
		} else {
			status = http.StatusInternalServerError
		}
		if resp.Error == "" {
			resp.Error = err.Error()
		}
	}
	writeJSON(w, status, resp)
}
