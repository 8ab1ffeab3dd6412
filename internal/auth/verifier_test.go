package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"vachak/pkg/domain"
)

func newJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(subject, role string, verified bool) Claims {
	now := time.Now().UTC()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    defaultIssuer,
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Verified: verified,
		Role:     role,
	}
}

func TestVerifyPrincipal(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t, key, "k1")
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	token := signToken(t, key, "k1", baseClaims("user-7", "admin", true))
	principal, err := v.VerifyPrincipal(token)
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}
	if principal.ID != "user-7" || principal.Role != domain.RoleAdmin || !principal.Verified {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestVerifyPrincipalDefaultsRoleToUser(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := newJWKSServer(t, key, "k1")
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	token := signToken(t, key, "k1", baseClaims("user-8", "superuser", false))
	principal, err := v.VerifyPrincipal(token)
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}
	if principal.Role != domain.RoleUser {
		t.Fatalf("Role = %q, want user", principal.Role)
	}
}

func TestVerifyPrincipalRejectsUnknownKid(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := newJWKSServer(t, key, "k1")
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	token := signToken(t, key, "other-kid", baseClaims("user-9", "user", true))
	if _, err := v.VerifyPrincipal(token); err == nil {
		t.Fatalf("VerifyPrincipal() error = nil, want unknown key failure")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := BearerToken(r); ok {
		t.Fatalf("BearerToken() ok = true for missing header")
	}
	r.Header.Set("Authorization", "Bearer abc")
	token, ok := BearerToken(r)
	if !ok || token != "abc" {
		t.Fatalf("BearerToken() = %q, %v", token, ok)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(r); ok {
		t.Fatalf("BearerToken() ok = true for basic auth")
	}
}
