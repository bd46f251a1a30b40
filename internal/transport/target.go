package transport

import (
	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

// BuildTarget assembles the ServerTarget a Transport needs from a
// registered ServerDescriptor and its already-resolved credential,
// placing the rendered value in the header or query map per
// auth.Location.
func BuildTarget(s servermodel.ServerDescriptor, resolved credential.Resolved) ServerTarget {
	target := ServerTarget{
		Name:      s.Name,
		URL:       s.URL,
		Transport: string(s.Transport),
		TimeoutMS: s.TimeoutMS,
	}
	if resolved.Value == "" || resolved.Name == "" {
		return target
	}
	switch resolved.Location {
	case servermodel.LocationQuery:
		target.CredentialQuery = map[string]string{resolved.Name: resolved.Value}
	default:
		target.CredentialHdr = map[string]string{resolved.Name: resolved.Value}
	}
	return target
}
