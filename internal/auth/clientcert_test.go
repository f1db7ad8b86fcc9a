// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sapcc/go-bits/mock"

	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/test"
)

func certConfig(cert *test.ClientCert) luna.Configuration {
	return luna.Configuration{
		CertThumbprint: cert.Thumbprint,
		CertIssuer:     cert.Issuer,
		CertSubject:    cert.Subject,
	}
}

func TestCheckClientCert(t *testing.T) {
	clock := mock.NewClock()
	cert := test.NewClientCert(t, clock.Now())
	cfg := certConfig(cert)

	err := auth.CheckClientCert(cert.HeaderValue, cfg, clock.Now())
	if err != nil {
		t.Fatalf("expected valid certificate to pass, got %s", err.Error())
	}

	// some frontends forward the PEM body with armor lines and line breaks
	armored := "-----BEGIN CERTIFICATE-----\n" + cert.HeaderValue + "\n-----END CERTIFICATE-----\n"
	err = auth.CheckClientCert(armored, cfg, clock.Now())
	if err != nil {
		t.Fatalf("expected PEM-armored certificate to pass, got %s", err.Error())
	}
}

func TestCheckClientCertFailsClosed(t *testing.T) {
	clock := mock.NewClock()
	cert := test.NewClientCert(t, clock.Now())

	// every failure mode collapses into the same error so that callers cannot
	// tell which check tripped
	testCases := []struct {
		Name   string
		Header string
		Config luna.Configuration
		Now    time.Time
	}{
		{"expired certificate", cert.Expired, certConfig(cert), clock.Now()},
		{"not yet valid", cert.HeaderValue, certConfig(cert), clock.Now().Add(-2 * time.Hour)},
		{"wrong thumbprint", cert.HeaderValue, luna.Configuration{
			CertThumbprint: "0000000000000000000000000000000000000000",
			CertIssuer:     cert.Issuer,
			CertSubject:    cert.Subject,
		}, clock.Now()},
		{"wrong issuer", cert.HeaderValue, luna.Configuration{
			CertThumbprint: cert.Thumbprint,
			CertIssuer:     "CN=somebody-else.example.org",
			CertSubject:    cert.Subject,
		}, clock.Now()},
		{"wrong subject", cert.HeaderValue, luna.Configuration{
			CertThumbprint: cert.Thumbprint,
			CertIssuer:     cert.Issuer,
			CertSubject:    "CN=somebody-else.example.org",
		}, clock.Now()},
		{"undecodable header", "%%%not-base64%%%", certConfig(cert), clock.Now()},
		{"valid base64, not a certificate", "bm90IGEgY2VydGlmaWNhdGU=", certConfig(cert), clock.Now()},
	}
	for _, tc := range testCases {
		err := auth.CheckClientCert(tc.Header, tc.Config, tc.Now)
		var userErr *luna.Error
		if !errors.As(err, &userErr) || userErr.Code != luna.ErrInvalidCertificate {
			t.Errorf("%s: expected ErrInvalidCertificate, got %v", tc.Name, err)
		}
	}
}

func TestCheckBearerToken(t *testing.T) {
	cfg := luna.Configuration{
		AADValidAudiences: []string{"api://luna-agent-tests"},
		AADTokenIssuer:    "https://sts.example.org/test-tenant/",
	}
	aad := test.NewMockAAD(t, cfg)
	jwks := &auth.JWKSCache{DiscoveryURL: aad.DiscoveryURL(), Client: aad.Client()}

	token := aad.IssueToken(t, "user-object-id", "api://luna-agent-tests", time.Now())
	claims, err := auth.CheckBearerToken(context.Background(), token, cfg, jwks)
	if err != nil {
		t.Fatal(err.Error())
	}
	if claims.ObjectID != "user-object-id" {
		t.Errorf("expected oid claim to round-trip, got %q", claims.ObjectID)
	}

	testCases := []struct {
		Name  string
		Token string
	}{
		{"expired token", aad.IssueExpiredToken(t, "user-object-id", "api://luna-agent-tests", time.Now())},
		{"wrong audience", aad.IssueToken(t, "user-object-id", "api://some-other-app", time.Now())},
		{"missing oid claim", aad.IssueToken(t, "", "api://luna-agent-tests", time.Now())},
		{"garbage", "not.a.token"},
	}
	for _, tc := range testCases {
		_, err := auth.CheckBearerToken(context.Background(), tc.Token, cfg, jwks)
		var userErr *luna.Error
		if !errors.As(err, &userErr) || userErr.Code != luna.ErrTokenInvalid {
			t.Errorf("%s: expected ErrTokenInvalid, got %v", tc.Name, err)
		}
	}

	// a token from a different issuer fails even if it is otherwise valid
	otherCfg := cfg
	otherCfg.AADTokenIssuer = "https://sts.example.org/other-tenant/"
	otherAAD := test.NewMockAAD(t, otherCfg)
	otherJWKS := &auth.JWKSCache{DiscoveryURL: otherAAD.DiscoveryURL(), Client: otherAAD.Client()}
	foreignToken := otherAAD.IssueToken(t, "user-object-id", "api://luna-agent-tests", time.Now())
	_, err = auth.CheckBearerToken(context.Background(), foreignToken, cfg, otherJWKS)
	if err == nil {
		t.Error("expected a token from a different issuer to be rejected")
	}
}
