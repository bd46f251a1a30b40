package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgov/policy-gateway/internal/apierr"
)

const (
	testIssuer   = "https://idp.test"
	testAudience = "mcp-gateway"
	testKid      = "k1"
)

func newJWKSServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	doc := jwkSet{Keys: []jwk{{
		Kty: "RSA",
		Kid: testKid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, c jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    testAudience,
		"sub":    "user-1",
		"email":  "user@corp.example",
		"roles":  []string{"engineer"},
		"groups": []string{"platform"},
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Unix(),
	}
}

func TestVerifyBearerValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, &key.PublicKey)
	defer jwks.Close()

	v := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: testIssuer, Audience: testAudience})
	principal, err := v.VerifyBearer(context.Background(), signToken(t, key, baseClaims()))
	require.NoError(t, err)

	assert.Equal(t, "user-1", principal.SubjectID)
	assert.Equal(t, "user@corp.example", principal.Email)
	assert.Equal(t, []string{"engineer"}, principal.Roles)
	assert.Equal(t, []string{"platform"}, principal.Groups)
}

func TestVerifyBearerRejectsWrongAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, &key.PublicKey)
	defer jwks.Close()

	v := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: testIssuer, Audience: testAudience})
	c := baseClaims()
	c["aud"] = "someone-else"
	_, err = v.VerifyBearer(context.Background(), signToken(t, key, c))
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.AuthInvalid, ae.Kind)
}

func TestVerifyBearerRejectsExpiredToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, &key.PublicKey)
	defer jwks.Close()

	v := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: testIssuer, Audience: testAudience})
	c := baseClaims()
	c["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err = v.VerifyBearer(context.Background(), signToken(t, key, c))
	require.Error(t, err)
}

func TestVerifyBearerRejectsUnknownSigner(t *testing.T) {
	served, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, &served.PublicKey)
	defer jwks.Close()

	v := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: testIssuer, Audience: testAudience})
	_, err = v.VerifyBearer(context.Background(), signToken(t, other, baseClaims()))
	require.Error(t, err)
}

func TestVerifyBearerJWKSUnavailable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, &key.PublicKey)
	jwks.Close() // immediately unreachable

	v := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: testIssuer, Audience: testAudience})
	_, err = v.VerifyBearer(context.Background(), signToken(t, key, baseClaims()))
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.AuthKeyUnavailable, ae.Kind)
}

func TestJWKSCacheServesFromMemory(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetches := 0
	doc := jwkSet{Keys: []jwk{{
		Kty: "RSA",
		Kid: testKid,
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	cache := newJWKSCache(srv.URL, time.Minute)
	for i := 0; i < 5; i++ {
		_, err := cache.key(context.Background(), testKid)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fetches, "warm cache hits must not refetch the JWKS")
}

func TestCheckAPIKey(t *testing.T) {
	v := NewVerifier(Config{APIKey: "sekret"})
	assert.True(t, v.CheckAPIKey("sekret"))
	assert.False(t, v.CheckAPIKey("wrong"))

	unset := NewVerifier(Config{})
	assert.False(t, unset.CheckAPIKey(""), "a blank configured key must always reject")
}
