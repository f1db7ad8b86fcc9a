// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// Checker bundles everything needed to authenticate an incoming request.
type Checker struct {
	DB      *luna.DB
	Config  luna.Configuration
	JWKS    *JWKSCache
	TimeNow func() time.Time // usually time.Now; tests use a mock clock
}

// Header names understood by CheckRequest.
const (
	apiKeyHeader       = "api-key"
	clientCertHeader   = "X-ARR-ClientCert"
	subscriptionHeader = "Luna-Subscription"
	userHeader         = "Luna-User"
)

// CheckRequest authenticates the request and returns the caller identity.
//
// Credentials are evaluated in fixed precedence: an api-key header wins over
// a forwarded client certificate, which wins over a bearer token. Only the
// highest-precedence credential present is checked; a valid bearer token does
// not rescue a request carrying a bogus api-key.
func (c *Checker) CheckRequest(r *http.Request) (*Authorization, error) {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return c.checkAPIKey(key)
	}
	if cert := r.Header.Get(clientCertHeader); cert != "" {
		return c.checkClientCert(r, cert)
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return c.checkBearerToken(r, strings.TrimPrefix(header, "Bearer "))
	}
	return nil, luna.ErrTokenRequired.With("no credential provided")
}

func (c *Checker) checkAPIKey(key string) (*Authorization, error) {
	sub, err := luna.FindSubscriptionByKey(&c.DB.DbMap, key)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, luna.ErrInvalidAPIKey.With("no subscription matches this key")
	}
	return &Authorization{
		Kind:           CredentialAPIKey,
		UserID:         sub.Owner,
		SubscriptionID: sub.SubscriptionID,
	}, nil
}

func (c *Checker) checkClientCert(r *http.Request, certHeader string) (*Authorization, error) {
	err := CheckClientCert(certHeader, c.Config, c.TimeNow())
	if err != nil {
		return nil, err
	}

	// the certificate authenticates the forwarding frontend, not a user, so
	// the frontend must say on whose behalf it is calling
	subscriptionID := r.Header.Get(subscriptionHeader)
	userID := r.Header.Get(userHeader)
	if subscriptionID == "" || userID == "" {
		return nil, luna.ErrMissingHeader.With("client certificate requests need the %s and %s headers", subscriptionHeader, userHeader)
	}

	sub, err := luna.FindSubscription(&c.DB.DbMap, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, luna.ErrSubscriptionNotFound.With("no such subscription")
	}
	return &Authorization{
		Kind:           CredentialClientCert,
		UserID:         userID,
		SubscriptionID: sub.SubscriptionID,
	}, nil
}

func (c *Checker) checkBearerToken(r *http.Request, tokenStr string) (*Authorization, error) {
	claims, err := CheckBearerToken(r.Context(), tokenStr, c.Config, c.JWKS)
	if err != nil {
		return nil, err
	}

	isAdmin, err := luna.IsAdmin(&c.DB.DbMap, claims.ObjectID)
	if err != nil {
		return nil, err
	}

	authz := Authorization{
		Kind:    CredentialBearerToken,
		UserID:  claims.ObjectID,
		IsAdmin: isAdmin,
	}

	// bearer callers select a subscription through the same header that
	// certificate callers use; membership is enforced unless they are admin
	if subscriptionID := r.Header.Get(subscriptionHeader); subscriptionID != "" {
		sub, err := luna.FindSubscription(&c.DB.DbMap, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, luna.ErrSubscriptionNotFound.With("no such subscription")
		}
		if !isAdmin {
			isMember, err := luna.IsSubscriptionMember(&c.DB.DbMap, claims.ObjectID, sub.SubscriptionID)
			if err != nil {
				return nil, err
			}
			if !isMember && sub.Owner != claims.ObjectID {
				return nil, luna.ErrAccessDenied.With("you are not a member of this subscription")
			}
		}
		authz.SubscriptionID = sub.SubscriptionID
	}

	return &authz, nil
}
