// Package credential resolves the credential to inject into an outbound
// backend request and renders a masked echo for display paths.
package credential

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

const envPrefix = "env://"

// Resolved is the outbound credential placement the caller applies to the
// request: a header or query parameter name plus its rendered value.
type Resolved struct {
	Location servermodel.CredentialLocation
	Name     string
	Value    string
}

// Resolver resolves ServerDescriptor.Auth blocks at invocation time. It
// never caches secret material beyond request scope.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Resolve reads the credential referenced by auth (env var or inline) and
// renders it per auth.Format. Returns a zero Resolved for auth == nil or
// auth.Method == none.
func (r *Resolver) Resolve(ctx context.Context, auth *servermodel.Auth) (Resolved, error) {
	if auth == nil || auth.Method == servermodel.AuthNone {
		return Resolved{}, nil
	}

	if auth.Method == servermodel.AuthOAuth2 {
		token, err := r.oauth2Token(ctx, auth)
		if err != nil {
			return Resolved{}, err
		}
		rendered, err := render(auth, token)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Location: auth.Location, Name: auth.Name, Value: rendered}, nil
	}

	raw, err := r.rawSecret(auth)
	if err != nil {
		return Resolved{}, err
	}

	rendered, err := render(auth, raw)
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{Location: auth.Location, Name: auth.Name, Value: rendered}, nil
}

// oauth2Token runs the client-credentials grant and returns a bearer access
// token. The client secret is resolved via the same env://-or-inline path as
// every other auth method; the token itself is fetched fresh from the
// authorization server on every call and never cached, per the resolver's
// "no caching beyond request scope" contract -- a clientcredentials.Config
// built per call never reuses another call's cached token.
func (r *Resolver) oauth2Token(ctx context.Context, auth *servermodel.Auth) (string, error) {
	if auth.OAuth2ClientID == "" || auth.OAuth2TokenURL == "" {
		return "", fmt.Errorf("oauth2 auth requires oauth2_client_id and oauth2_token_url")
	}
	secret, err := r.rawSecret(auth)
	if err != nil {
		return "", err
	}
	cfg := clientcredentials.Config{
		ClientID:     auth.OAuth2ClientID,
		ClientSecret: secret,
		TokenURL:     auth.OAuth2TokenURL,
		Scopes:       auth.OAuth2Scopes,
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("oauth2 client-credentials token request failed: %w", err)
	}
	return token.AccessToken, nil
}

// rawSecret reads the unrendered credential: env-var lookup for
// credential_ref == "env://VAR" (read fresh every call, never cached), or
// the inline credential verbatim.
func (r *Resolver) rawSecret(auth *servermodel.Auth) (string, error) {
	if strings.HasPrefix(auth.CredentialRef, envPrefix) {
		varName := strings.TrimPrefix(auth.CredentialRef, envPrefix)
		value := os.Getenv(varName)
		if value == "" {
			return "", fmt.Errorf("credential_ref %q: environment variable %q is not set", auth.CredentialRef, varName)
		}
		return value, nil
	}
	if auth.Credential != "" {
		return auth.Credential, nil
	}
	return "", fmt.Errorf("server auth has neither credential_ref nor credential")
}

func render(auth *servermodel.Auth, raw string) (string, error) {
	switch auth.Format {
	case servermodel.FormatPrefix:
		return auth.Prefix + raw, nil
	case servermodel.FormatTemplate:
		if !strings.Contains(auth.Template, "{credential}") {
			return "", fmt.Errorf("credential template %q missing {credential} placeholder", auth.Template)
		}
		return strings.ReplaceAll(auth.Template, "{credential}", raw), nil
	case servermodel.FormatRaw, "":
		return raw, nil
	default:
		return "", fmt.Errorf("unknown credential format %q", auth.Format)
	}
}

// Mask renders the masked echo: first4 + "••••••••" + last4,
// or "••••••••" alone when the secret is 8 characters or shorter. Never
// call this with anything but display paths -- the unmasked value must
// never reach an audit record or an API response.
func Mask(secret string) string {
	const bullet = "••••••••"
	if len(secret) <= 8 {
		return bullet
	}
	return secret[:4] + bullet + secret[len(secret)-4:]
}

// MaskAuth resolves and masks the credential an auth block references, for
// display paths (e.g. GET /mcp/servers/:name responses) that must never
// leak the raw value. Resolution failure (e.g. an unset env var) yields the
// empty string rather than an error, since display is best-effort.
func (r *Resolver) MaskAuth(ctx context.Context, auth *servermodel.Auth) string {
	if auth == nil || (auth.CredentialRef == "" && auth.Credential == "") {
		return ""
	}
	raw, err := r.rawSecret(auth)
	if err != nil {
		return ""
	}
	return Mask(raw)
}
