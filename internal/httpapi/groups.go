package httpapi

import (
	"net/http"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

func (s *Server) registerGroupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/groups", s.handleListGroups)
	mux.HandleFunc("POST /mcp/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /mcp/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("PUT /mcp/groups/{id}", s.handleUpdateGroup)
	mux.HandleFunc("DELETE /mcp/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("POST /mcp/groups/{id}/servers", s.handleAddGroupMember)
	mux.HandleFunc("DELETE /mcp/groups/{id}/servers", s.handleClearGroupMembers)
	mux.HandleFunc("DELETE /mcp/groups/{id}/servers/{name}", s.handleRemoveGroupMember)
	mux.HandleFunc("POST /mcp/groups/{id}/servers/{name}/tools", s.handleSetGroupMemberTools)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.ListGroups())
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g servermodel.ServerGroup
	if err := decodeJSON(r, &g); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	if err := s.Registry.CreateGroup(r.Context(), g); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g := s.Registry.GetGroup(r.PathValue("id"))
	if g == nil {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "group not found"))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var g servermodel.ServerGroup
	if err := decodeJSON(r, &g); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	g.ID = r.PathValue("id")
	if err := s.Registry.UpdateGroup(r.Context(), g); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	if err := s.Registry.AddMember(r.Context(), r.PathValue("id"), body.Name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.RemoveMember(r.Context(), r.PathValue("id"), r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearGroupMembers implements DELETE /mcp/groups/:id/servers (no
// :name segment), removing every member at once.
func (s *Server) handleClearGroupMembers(w http.ResponseWriter, r *http.Request) {
	g := s.Registry.GetGroup(r.PathValue("id"))
	if g == nil {
		writeErr(w, apierr.New(apierr.ResourceNotFound, "group not found"))
		return
	}
	for _, name := range append([]string(nil), g.MemberNames...) {
		if err := s.Registry.RemoveMember(r.Context(), g.ID, name); err != nil {
			writeErr(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetGroupMemberTools(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tools []string `json:"tools"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	if err := s.Registry.SetMemberTools(r.Context(), r.PathValue("id"), r.PathValue("name"), body.Tools); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
