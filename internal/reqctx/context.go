// Package reqctx holds the Principal and RequestContext types shared by the
// policy evaluator and the request pipeline.
package reqctx

// Principal is the authenticated caller derived from a verified bearer
// token. It has no persistent identity inside the system.
type Principal struct {
	SubjectID string         `json:"subject_id"`
	Email     string         `json:"email,omitempty"`
	Roles     []string       `json:"roles,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// RequestMeta carries request-scoped metadata used by conditions such as
// "request.ip".
type RequestMeta struct {
	IP        string `json:"ip,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ServerMeta is the subset of a ServerDescriptor the evaluator's
// "server.*" fields read.
type ServerMeta struct {
	Name       string `json:"name,omitempty"`
	Transport  string `json:"transport,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
}

// RequestContext is the input to PolicyEvaluator.Evaluate.
type RequestContext struct {
	Principal   Principal      `json:"principal"`
	Server      ServerMeta     `json:"server"`
	Tool        string         `json:"tool"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestMeta RequestMeta    `json:"request_meta,omitempty"`
}
