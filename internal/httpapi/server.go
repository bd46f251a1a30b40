// Package httpapi is the externally
// visible HTTP API for policy CRUD, server/group CRUD, and the MCP
// protocol surface, registered behind bearer-token middleware with a
// restricted CORS origin list.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/mcpgov/policy-gateway/internal/adapter"
	"github.com/mcpgov/policy-gateway/internal/authn"
	"github.com/mcpgov/policy-gateway/internal/pipeline"
	"github.com/mcpgov/policy-gateway/internal/policyrepo"
	"github.com/mcpgov/policy-gateway/internal/registry"
)

// Server bundles everything the HTTP surface dispatches into.
type Server struct {
	Policies    *policyrepo.Repo
	Registry    *registry.Registry
	Adapters    *adapter.Supervisor
	Pipeline    *pipeline.Pipeline
	Verifier    *authn.Verifier
	CORSOrigins []string
}

// Router builds the full mux: health routes are unauthenticated, every
// other route runs behind authMiddleware, and the whole thing is wrapped
// in corsMiddleware.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	api := http.NewServeMux()
	s.registerPolicyRoutes(api)
	s.registerServerRoutes(api)
	s.registerGroupRoutes(api)
	s.registerMCPRoutes(api)
	mux.Handle("/", s.authMiddleware(api))

	mux.Handle("/servers/", s.authMiddleware(http.StripPrefix("", s.Adapters.ReverseProxyHandler("/servers"))))

	return s.corsMiddleware(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// corsMiddleware restricts Access-Control-Allow-Origin to the configured
// list; unknown origins get no allow header at all.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authMiddleware enforces bearer-token or X-API-Key authentication on
// every route it wraps.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" && s.Verifier.CheckAPIKey(apiKey) {
			r = withPrincipal(r, adminPrincipal())
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w)
			return
		}
		principal, err := s.Verifier.VerifyBearer(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		r = withPrincipal(r, principal)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}
