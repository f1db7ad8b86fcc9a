// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/sapcc/go-bits/logg"
)

// JWKSCache fetches and caches the RSA signing keys that AAD publishes for
// bearer token validation. Keys are discovered through the OpenID discovery
// document and kept for RefreshInterval; an unknown key ID triggers one
// immediate refetch to pick up rotated keys without waiting out the interval.
type JWKSCache struct {
	DiscoveryURL    string
	RefreshInterval time.Duration // zero means 24 hours
	Client          *http.Client  // zero means http.DefaultClient

	// overridable for tests
	Now func() time.Time

	mutex     sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func (c *JWKSCache) refreshInterval() time.Duration {
	if c.RefreshInterval == 0 {
		return 24 * time.Hour
	}
	return c.RefreshInterval
}

func (c *JWKSCache) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *JWKSCache) httpClient() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

// GetKey returns the RSA public key with the given key ID, refreshing the
// cache if it is stale or does not know this key ID.
func (c *JWKSCache) GetKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stale := c.keys == nil || c.now().Sub(c.fetchedAt) >= c.refreshInterval()
	if !stale {
		if key, ok := c.keys[keyID]; ok {
			return key, nil
		}
		// unknown kid on a fresh cache: the key may have just rotated in
	}

	err := c.refresh(ctx)
	if err != nil {
		if stale {
			return nil, err
		}
		// keep serving the known keys if the refetch for an unknown kid fails
		logg.Error("cannot refresh JWKS: %s", err.Error())
	}

	key, ok := c.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("token is signed with unknown key ID %q", keyID)
	}
	return key, nil
}

type discoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwksDocument struct {
	Keys []struct {
		KeyType  string `json:"kty"`
		KeyID    string `json:"kid"`
		Modulus  string `json:"n"`
		Exponent string `json:"e"`
	} `json:"keys"`
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	var discovery discoveryDocument
	err := c.getJSON(ctx, c.DiscoveryURL, &discovery)
	if err != nil {
		return fmt.Errorf("cannot fetch OpenID discovery document: %w", err)
	}
	if discovery.JWKSURI == "" {
		return fmt.Errorf("discovery document at %s has no jwks_uri", c.DiscoveryURL)
	}

	var doc jwksDocument
	err = c.getJSON(ctx, discovery.JWKSURI, &doc)
	if err != nil {
		return fmt.Errorf("cannot fetch JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyType != "RSA" || jwk.KeyID == "" {
			continue
		}
		key, err := parseRSAKey(jwk.Modulus, jwk.Exponent)
		if err != nil {
			logg.Error("skipping malformed JWK %q: %s", jwk.KeyID, err.Error())
			continue
		}
		keys[jwk.KeyID] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS at %s contains no usable RSA keys", discovery.JWKSURI)
	}

	c.keys = keys
	c.fetchedAt = c.now()
	return nil
}

func (c *JWKSCache) getJSON(ctx context.Context, uri string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", uri, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func parseRSAKey(modulus, exponent string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(modulus)
	if err != nil {
		return nil, fmt.Errorf("malformed modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(exponent)
	if err != nil {
		return nil, fmt.Errorf("malformed exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("exponent is zero")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
