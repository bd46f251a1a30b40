package httpapi

import (
	"net/http"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

func (s *Server) registerServerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/servers", s.handleListServers)
	mux.HandleFunc("POST /mcp/servers", s.handleCreateServer)
	mux.HandleFunc("GET /mcp/servers/{name}", s.handleGetServer)
	mux.HandleFunc("PUT /mcp/servers/{name}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /mcp/servers/{name}", s.handleDeleteServer)
	mux.HandleFunc("GET /mcp/servers/{name}/info", s.handleServerInfo)
	mux.HandleFunc("POST /mcp/servers/{name}/convert", s.handleConvertServer)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.ListServers())
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var desc servermodel.ServerDescriptor
	if err := decodeJSON(r, &desc); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	if err := desc.Validate(); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, err.Error()))
		return
	}
	if desc.Transport == servermodel.TransportStdio {
		// A stdio server is registered under a synthetic URL and stays
		// unusable by groups until POST /mcp/servers/{name}/convert
		// rewrites it to HTTP.
		if desc.StdioCommand == "" {
			writeErr(w, apierr.New(apierr.PolicyInvalid, "stdio servers require stdio_command"))
			return
		}
		desc.URL = "stdio://" + desc.Name
	}
	if err := s.Registry.CreateServer(r.Context(), desc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	desc := s.Registry.GetServer(r.PathValue("name"))
	if desc == nil {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "server not found"))
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleServerInfo is the same lookup as handleGetServer but additionally
// masks the configured credential for display, never the raw secret.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	desc := s.Registry.GetServer(r.PathValue("name"))
	if desc == nil {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "server not found"))
		return
	}
	info := map[string]any{
		"name":          desc.Name,
		"url":           desc.URL,
		"transport":     desc.Transport,
		"enabled":       desc.Enabled,
		"description":   desc.Description,
		"tags":          desc.Tags,
		"timeout_ms":    desc.TimeoutMS,
		"masked_secret": s.Pipeline.Credentials.MaskAuth(r.Context(), desc.Auth),
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var desc servermodel.ServerDescriptor
	if err := decodeJSON(r, &desc); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	desc.Name = r.PathValue("name")
	if err := desc.Validate(); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, err.Error()))
		return
	}
	if err := s.Registry.UpdateServer(r.Context(), desc); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Registry.DeleteServer(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	_ = s.Adapters.Stop(name) // no-op if no adapter was running for it
	w.WriteHeader(http.StatusNoContent)
}

// handleConvertServer spawns a stdio server's adapter process and rewrites
// its ServerDescriptor to the resulting loopback HTTP endpoint.
func (s *Server) handleConvertServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	desc := s.Registry.GetServer(name)
	if desc == nil {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "server not found"))
		return
	}
	if desc.Transport != servermodel.TransportStdio {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "server is not a stdio server"))
		return
	}

	url, err := s.Adapters.Convert(r.Context(), name, desc.StdioCommand, desc.StdioArgs, desc.StdioEnv)
	if err != nil {
		writeErr(w, err)
		return
	}

	updated := *desc
	updated.URL = url
	updated.Transport = servermodel.TransportHTTP
	if err := s.Registry.UpdateServer(r.Context(), updated); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
