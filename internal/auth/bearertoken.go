// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapcc/luna-agent/internal/luna"
)

// TokenClaims is the subset of AAD token claims that we evaluate.
type TokenClaims struct {
	jwt.RegisteredClaims
	ObjectID string `json:"oid"`
}

// CheckBearerToken validates an AAD bearer token and returns its claims. The
// signing key is resolved through the JWKS cache; audience and issuer are
// checked against the agent configuration.
func CheckBearerToken(ctx context.Context, tokenStr string, cfg luna.Configuration, jwks *JWKSCache) (*TokenClaims, error) {
	keyfunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		keyID, ok := token.Header["kid"].(string)
		if !ok || keyID == "" {
			return nil, fmt.Errorf("token header has no key ID")
		}
		return jwks.GetKey(ctx, keyID)
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, keyfunc,
		jwt.WithIssuer(cfg.AADTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, luna.ErrTokenInvalid.With("token validation failed: %s", err.Error())
	}

	// AAD tokens carry exactly one audience; we accept a configurable set
	// (e.g. both the application ID and the application ID URI)
	audienceOK := slices.ContainsFunc(claims.Audience, func(aud string) bool {
		return slices.Contains(cfg.AADValidAudiences, aud)
	})
	if !audienceOK {
		return nil, luna.ErrTokenInvalid.With("token audience is not accepted")
	}
	if claims.ObjectID == "" {
		return nil, luna.ErrTokenInvalid.With("token has no oid claim")
	}
	return &claims, nil
}
