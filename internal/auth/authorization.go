// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package auth establishes the identity of API callers. Three credential
// kinds are supported: subscription API keys, forwarded client certificates
// and AAD bearer tokens. See CheckRequest for the precedence rules.
package auth

// CredentialKind says which credential a caller presented.
type CredentialKind string

// Possible values for CredentialKind.
const (
	CredentialAPIKey      CredentialKind = "api-key"
	CredentialClientCert  CredentialKind = "client-cert"
	CredentialBearerToken CredentialKind = "bearer-token"
)

// Authorization is the result of a successful credential check. All request
// handlers take their caller identity from here and never from raw headers.
type Authorization struct {
	Kind CredentialKind
	// UserID identifies the caller: the subscription owner for API keys, the
	// Luna-User header value for client certificates, or the AAD object ID
	// for bearer tokens.
	UserID string
	// SubscriptionID is the subscription this request acts within. Empty for
	// admin bearer tokens on management routes that are not subscription-scoped.
	SubscriptionID string
	// IsAdmin is only ever true for bearer tokens of registered admin users.
	IsAdmin bool
}
