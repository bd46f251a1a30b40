// Package audit emits the structured, append-only audit record the
// request pipeline writes once per request regardless of outcome.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
)

// EventType identifies the kind of audit record.
type EventType string

const (
	EventAuthRejected    EventType = "auth_rejected"
	EventMCPRequest      EventType = "mcp_request"
	EventPolicyViolation EventType = "policy_violation"
	EventAdapterEvent    EventType = "adapter_event"
)

// Record is one line of the audit log.
type Record struct {
	Timestamp        time.Time              `json:"timestamp"`
	TraceID          string                 `json:"trace_id"`
	EventType        EventType              `json:"event_type"`
	PrincipalSubject string                 `json:"principal_subject,omitempty"`
	PrincipalEmail   string                 `json:"principal_email,omitempty"`
	Server           string                 `json:"server,omitempty"`
	Tool             string                 `json:"tool,omitempty"`
	ParametersHash   string                 `json:"parameters_hash,omitempty"`
	Decision         policymodel.ActionType `json:"decision,omitempty"`
	PolicyID         string                 `json:"policy_id,omitempty"`
	RuleID           string                 `json:"rule_id,omitempty"`
	Obligations      []policymodel.Action   `json:"obligations,omitempty"`
	ResponseStatus   int                    `json:"response_status,omitempty"`
	DurationMS       float64                `json:"duration_ms"`
	Error            string                 `json:"error,omitempty"`

	// Event carries the lifecycle detail for adapter_event records
	// ("started", "start_failed", "exited"); empty otherwise.
	Event string `json:"event,omitempty"`
}

// Sink appends one JSON object per line to an append-only file, guarded
// by a mutex since multiple in-flight requests write concurrently.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	// RawPayload is not read by Write: whatever its value, a record carries
	// only parameters_hash, since Record has no field for the raw payload.
	RawPayload bool
}

// Open appends to (creating if absent) the file at path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit sink %s: %w", path, err)
	}
	return &Sink{file: f}, nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Write appends rec as one JSON line. A write failure is logged, not
// propagated -- an audit sink outage must never block the response path
// (it can, at most, lose that one record).
func (s *Sink) Write(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		log.Logf("audit: failed to encode record: %v", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(line); err != nil {
		log.Logf("audit: failed to write record: %v", err)
	}
}

// HashPayload renders the opaque parameters_hash field: a sha256 of the
// marshaled payload, never the payload itself.
func HashPayload(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
