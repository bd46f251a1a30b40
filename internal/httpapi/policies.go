package httpapi

import (
	"net/http"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

func (s *Server) registerPolicyRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/policies", s.handleListPolicies)
	mux.HandleFunc("POST /api/v1/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /api/v1/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/v1/policies/{id}", s.handleUpdatePolicy)
	mux.HandleFunc("DELETE /api/v1/policies/{id}", s.handleDeletePolicy)
	mux.HandleFunc("POST /api/v1/policies/{id}/activate", s.handleSetStatus(policymodel.StatusActive))
	mux.HandleFunc("POST /api/v1/policies/{id}/suspend", s.handleSetStatus(policymodel.StatusSuspended))
	mux.HandleFunc("POST /api/v1/policies/{id}/retire", s.handleSetStatus(policymodel.StatusRetired))
	mux.HandleFunc("POST /api/v1/policies/{id}/resources", s.handleBindResource)
	mux.HandleFunc("DELETE /api/v1/policies/{id}/resources/{resourceType}/{resourceID}", s.handleUnbindResource)
	mux.HandleFunc("POST /api/v1/policies/evaluate", s.handleEvaluatePolicy)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := policymodel.Filter{
		Status:       policymodel.Status(q.Get("status")),
		ResourceType: policymodel.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Query:        q.Get("q"),
	}
	policies, err := s.Policies.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.Policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policymodel.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	created, err := s.Policies.Create(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policymodel.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	p.PolicyID = r.PathValue("id")
	updated, err := s.Policies.Update(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.Policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(status policymodel.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Policies.SetStatus(r.Context(), r.PathValue("id"), status); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBindResource(w http.ResponseWriter, r *http.Request) {
	var binding policymodel.ResourceBinding
	if err := decodeJSON(r, &binding); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	if err := s.Policies.BindResource(r.Context(), r.PathValue("id"), binding); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnbindResource(w http.ResponseWriter, r *http.Request) {
	resourceType := policymodel.ResourceType(r.PathValue("resourceType"))
	resourceID := r.PathValue("resourceID")
	if err := s.Policies.UnbindResource(r.Context(), r.PathValue("id"), resourceType, resourceID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluatePolicy runs a full RequestContext through the live
// evaluator tables without any side effects -- no audit record, no
// backend call.
func (s *Server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var rc reqctx.RequestContext
	if err := decodeJSON(r, &rc); err != nil {
		writeErr(w, apierr.New(apierr.PolicyInvalid, "malformed request body"))
		return
	}
	decision := s.Pipeline.Evaluator.Evaluate(rc)
	writeJSON(w, http.StatusOK, decision)
}
