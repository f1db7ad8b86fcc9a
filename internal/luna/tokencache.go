// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
)

// TokenCache caches the AAD service-principal tokens that the backend drivers
// obtain via client-credentials flow. Tokens are cached until shortly before
// their expiry; the safety margin absorbs clock skew between us and AAD.
//
// By default the cache is process-local. When LUNA_REDIS_HOSTNAME is set, it
// is additionally backed by Redis so that replicas share tokens instead of
// each hammering the AAD token endpoint.
type TokenCache struct {
	mutex  sync.Mutex
	local  map[string]cachedToken
	client *redis.Client
}

type cachedToken struct {
	Value     string
	ExpiresAt time.Time
}

const tokenExpiryMargin = 2 * time.Minute

// NewTokenCacheFromEnvironment builds a TokenCache, connecting to Redis if
// the LUNA_REDIS_* environment variables are set.
func NewTokenCacheFromEnvironment() *TokenCache {
	tc := &TokenCache{local: make(map[string]cachedToken)}
	if hostname := os.Getenv("LUNA_REDIS_HOSTNAME"); hostname != "" {
		tc.client = redis.NewClient(&redis.Options{
			Addr:     hostname + ":" + osext.GetenvOrDefault("LUNA_REDIS_PORT", "6379"),
			Password: os.Getenv("LUNA_REDIS_PASSWORD"),
		})
	}
	return tc
}

// Get returns the cached token for this key, or "" if there is none or it is
// about to expire. Redis errors degrade to a cache miss.
func (tc *TokenCache) Get(ctx context.Context, key string) string {
	now := time.Now()

	tc.mutex.Lock()
	entry, exists := tc.local[key]
	tc.mutex.Unlock()
	if exists && now.Before(entry.ExpiresAt.Add(-tokenExpiryMargin)) {
		return entry.Value
	}

	if tc.client == nil {
		return ""
	}
	value, err := tc.client.Get(ctx, "luna-token-"+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logg.Error("cannot read token cache entry %q from Redis: %s", key, err.Error())
		}
		return ""
	}
	return value
}

// Set stores a token under this key until its expiry.
func (tc *TokenCache) Set(ctx context.Context, key, value string, expiresAt time.Time) {
	tc.mutex.Lock()
	tc.local[key] = cachedToken{Value: value, ExpiresAt: expiresAt}
	tc.mutex.Unlock()

	if tc.client == nil {
		return
	}
	ttl := time.Until(expiresAt.Add(-tokenExpiryMargin))
	if ttl <= 0 {
		return
	}
	err := tc.client.Set(ctx, "luna-token-"+key, value, ttl).Err()
	if err != nil {
		logg.Error("cannot write token cache entry %q to Redis: %s", key, err.Error())
	}
}
