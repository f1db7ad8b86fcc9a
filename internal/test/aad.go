// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package test

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapcc/luna-agent/internal/luna"
)

// MockAAD impersonates the AAD token issuer: it serves an OpenID discovery
// document plus a JWKS for its signing key, and mints bearer tokens that
// validate against those.
type MockAAD struct {
	key    *rsa.PrivateKey
	keyID  string
	issuer string
	server *httptest.Server
}

// NewMockAAD starts the mock issuer. The httptest server is shut down via
// t.Cleanup.
func NewMockAAD(t *testing.T, cfg luna.Configuration) *MockAAD {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err.Error())
	}
	m := &MockAAD{key: key, keyID: "test-key-1", issuer: cfg.AADTokenIssuer}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"jwks_uri": m.server.URL + "/keys"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": m.keyID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// DiscoveryURL returns the OpenID discovery endpoint of the mock issuer.
func (m *MockAAD) DiscoveryURL() string {
	return m.server.URL + "/.well-known/openid-configuration"
}

// Client returns an HTTP client that can reach the mock issuer.
func (m *MockAAD) Client() *http.Client {
	return m.server.Client()
}

// IssueToken mints a valid bearer token for the given AAD object ID.
func (m *MockAAD) IssueToken(t *testing.T, objectID, audience string, now time.Time) string {
	t.Helper()
	return m.signToken(t, jwt.MapClaims{
		"iss": m.issuer,
		"aud": audience,
		"oid": objectID,
		"iat": now.Unix(),
		"exp": now.Add(1 * time.Hour).Unix(),
	})
}

// IssueExpiredToken mints a token whose validity window has already passed.
func (m *MockAAD) IssueExpiredToken(t *testing.T, objectID, audience string, now time.Time) string {
	t.Helper()
	return m.signToken(t, jwt.MapClaims{
		"iss": m.issuer,
		"aud": audience,
		"oid": objectID,
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-1 * time.Hour).Unix(),
	})
}

func (m *MockAAD) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID
	tokenStr, err := token.SignedString(m.key)
	if err != nil {
		t.Fatal(err.Error())
	}
	return tokenStr
}
