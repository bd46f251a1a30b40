// Package apierr maps the internal error taxonomy to HTTP responses.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is the internal error taxonomy. It is independent of HTTP and is
// what audit records and internal callers reason about.
type Kind string

const (
	AuthInvalid         Kind = "auth_invalid"
	AuthKeyUnavailable  Kind = "auth_key_unavailable"
	ResourceNotFound    Kind = "resource_not_found"
	PolicyDenied        Kind = "policy_denied"
	PolicyInvalid       Kind = "policy_invalid"
	BackendUnreachable  Kind = "backend_unreachable"
	BackendTimeout      Kind = "backend_timeout"
	AdapterStartTimeout Kind = "adapter_start_timeout"
	AdapterCrashed      Kind = "adapter_crashed"
	ObligationUnmet     Kind = "obligation_unmet"
	EvaluatorError      Kind = "evaluator_error"
	StoreError          Kind = "store_error"
)

// Error is a taxonomy-tagged error carrying enough context to render an
// HTTP response and an audit entry without the caller re-deriving either.
type Error struct {
	Kind    Kind
	Message string
	// PolicyID and RuleID are populated for PolicyDenied.
	PolicyID string
	RuleID   string
	// Detail carries field-specific validation detail for PolicyInvalid.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Denied builds a PolicyDenied error carrying the matched policy/rule.
func Denied(reason, policyID, ruleID string) *Error {
	return &Error{Kind: PolicyDenied, Message: reason, PolicyID: policyID, RuleID: ruleID}
}

// HTTPStatus maps a Kind to its user-visible status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthInvalid:
		return http.StatusUnauthorized
	case AuthKeyUnavailable:
		return http.StatusServiceUnavailable
	case ResourceNotFound:
		return http.StatusNotFound
	case PolicyDenied:
		return http.StatusForbidden
	case PolicyInvalid:
		return http.StatusBadRequest
	case BackendUnreachable:
		return http.StatusBadGateway
	case BackendTimeout:
		return http.StatusGatewayTimeout
	case AdapterStartTimeout, AdapterCrashed:
		return http.StatusBadGateway
	case ObligationUnmet:
		return http.StatusServiceUnavailable
	case StoreError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON renders err (tagged or not) as the envelope the HTTP surface
// uses for every non-2xx response.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := Kind("internal")
	msg := "internal error"
	var body map[string]any

	if ae, ok := err.(*Error); ok {
		kind = ae.Kind
		msg = ae.Message
		body = map[string]any{"error": msg, "kind": string(kind)}
		if ae.PolicyID != "" {
			body["policy_id"] = ae.PolicyID
		}
		if ae.RuleID != "" {
			body["rule_id"] = ae.RuleID
		}
		if ae.Detail != "" {
			body["detail"] = ae.Detail
		}
	} else {
		body = map[string]any{"error": msg, "kind": string(kind)}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(body)
}
