package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJWKSServer serves a single RSA key under kid "test-kid".
func newJWKSServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			_, _ = w.Write(buf)
		}
	}))
	t.Cleanup(server.Close)
	return server, privateKey
}

func newTestValidator(t *testing.T, server *httptest.Server) (*Validator, string) {
	t.Helper()
	u, _ := url.Parse(server.URL)
	v, err := NewValidator(context.Background(), u.Host, "test-audience", jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return v, u.Host
}

func TestValidator_AcceptsRS256(t *testing.T) {
	server, privateKey := newJWKSServer(t)
	v, domain := newTestValidator(t, server)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud":  "test-audience",
		"iss":  "https://" + domain + "/",
		"sub":  "caller-1",
		"name": "Caller",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	claims, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "caller-1", claims.Subject)
	assert.Equal(t, "Caller", claims.Name)
}

func TestValidator_RejectsWrongAudience(t *testing.T) {
	server, privateKey := newJWKSServer(t)
	v, domain := newTestValidator(t, server)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "someone-else",
		"iss": "https://" + domain + "/",
		"sub": "caller-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_AlgorithmConfusion(t *testing.T) {
	server, _ := newJWKSServer(t)
	v, domain := newTestValidator(t, server)

	// HS256 signed with an arbitrary secret must be refused before any key is used.
	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestMockValidator(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{"sub": "test-user-123", "name": "Test User"})
	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".fake-signature"

	claims, err := MockValidator{}.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "test-user-123", claims.Subject)
	assert.Equal(t, "Test User", claims.Name)

	claims, err = MockValidator{}.ValidateToken("invalid-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", claims.Subject)
	assert.Equal(t, "Dev User", claims.Name)
}
