package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/reqctx"
)

type principalKey struct{}

func withPrincipal(r *http.Request, p reqctx.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

func principalFrom(r *http.Request) reqctx.Principal {
	p, _ := r.Context().Value(principalKey{}).(reqctx.Principal)
	return p
}

// adminPrincipal is the synthetic caller attached to X-API-Key requests,
// which carry no JWT claims to derive a subject from.
func adminPrincipal() reqctx.Principal {
	return reqctx.Principal{SubjectID: "api-key-admin", Roles: []string{"admin"}}
}

// requestMeta attaches a request-scoped trace_id (honoring a caller-supplied
// X-Trace-Id) and the caller's IP with the ephemeral port stripped, so
// "request.ip" conditions see a bare address.
func requestMeta(r *http.Request) reqctx.RequestMeta {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return reqctx.RequestMeta{
		IP:        ip,
		TraceID:   traceID,
		UserAgent: r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	apierr.WriteJSON(w, err)
}

func writeAuthError(w http.ResponseWriter) {
	apierr.WriteJSON(w, apierr.New(apierr.AuthInvalid, "missing or malformed Authorization header"))
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
