// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sapcc/go-bits/mock"
)

// fakeJWKSServer serves a discovery document and a rotatable key set, counting
// how often the key set is fetched.
type fakeJWKSServer struct {
	server *httptest.Server

	mutex      sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchCount int
}

func newFakeJWKSServer(t *testing.T) *fakeJWKSServer {
	t.Helper()
	f := &fakeJWKSServer{keys: make(map[string]*rsa.PublicKey)}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": f.server.URL + "/keys"}) //nolint:errcheck
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		f.fetchCount++
		var keyList []map[string]string
		for keyID, key := range f.keys {
			keyList = append(keyList, map[string]string{
				"kty": "RSA",
				"kid": keyID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": keyList}) //nolint:errcheck
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJWKSServer) addKey(t *testing.T, keyID string) *rsa.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err.Error())
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.keys[keyID] = &key.PublicKey
	return &key.PublicKey
}

func (f *fakeJWKSServer) fetches() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.fetchCount
}

func TestJWKSCache(t *testing.T) {
	jwks := newFakeJWKSServer(t)
	expectedKey := jwks.addKey(t, "key-1")
	clock := mock.NewClock()

	cache := JWKSCache{
		DiscoveryURL: jwks.server.URL + "/.well-known/openid-configuration",
		Client:       jwks.server.Client(),
		Now:          clock.Now,
	}

	key, err := cache.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if key.N.Cmp(expectedKey.N) != 0 || key.E != expectedKey.E {
		t.Error("GetKey returned a different key than the JWKS serves")
	}
	if jwks.fetches() != 1 {
		t.Fatalf("expected 1 JWKS fetch, got %d", jwks.fetches())
	}

	// known key IDs are served from the cache
	_, err = cache.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if jwks.fetches() != 1 {
		t.Fatalf("expected the key to come from the cache, but saw %d fetches", jwks.fetches())
	}

	// an unknown key ID triggers exactly one refetch, which picks up rotated
	// keys immediately
	rotatedKey := jwks.addKey(t, "key-2")
	key, err = cache.GetKey(context.Background(), "key-2")
	if err != nil {
		t.Fatal(err.Error())
	}
	if key.N.Cmp(rotatedKey.N) != 0 {
		t.Error("GetKey did not pick up the rotated key")
	}
	if jwks.fetches() != 2 {
		t.Fatalf("expected 2 JWKS fetches after rotation, got %d", jwks.fetches())
	}

	// a key ID that stays unknown after the refetch is an error
	_, err = cache.GetKey(context.Background(), "key-3")
	if err == nil {
		t.Fatal("expected an error for an unknown key ID")
	}

	// once the refresh interval has passed, the next lookup refetches even
	// for a known key ID
	fetchesBefore := jwks.fetches()
	clock.StepBy(25 * time.Hour)
	_, err = cache.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if jwks.fetches() != fetchesBefore+1 {
		t.Fatalf("expected a refetch after the refresh interval, got %d fetches", jwks.fetches()-fetchesBefore)
	}
}
