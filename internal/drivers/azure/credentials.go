// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package azure implements the AAD client-credentials flow that all
// Azure-facing drivers use to authenticate as their service principal.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// Resource IDs for the token audiences we request.
const (
	ResourceManagement = "https://management.core.windows.net/"
	ResourceKeyVault   = "https://vault.azure.net"
	// ResourceDatabricks is the well-known application ID of the Azure
	// Databricks service itself.
	ResourceDatabricks = "2ff814a6-3304-4ab8-85cb-cd0e6f879c1d"
)

// Credentials identifies a service principal. The secret is resolved through
// the SecretDriver at token acquisition time, never stored in the database.
type Credentials struct {
	TenantID string
	ClientID string
	// SecretName names the client secret in the secret store.
	SecretName string
}

// TokenSource acquires AAD tokens for service principals and caches them
// until expiry.
type TokenSource struct {
	Secrets luna.SecretDriver
	Cache   *luna.TokenCache
	Client  *http.Client // nil means http.DefaultClient
}

func (ts *TokenSource) httpClient() *http.Client {
	if ts.Client == nil {
		return http.DefaultClient
	}
	return ts.Client
}

// GetToken returns a bearer token for the given service principal and
// resource, from cache if a sufficiently fresh one exists.
func (ts *TokenSource) GetToken(ctx context.Context, creds Credentials, resource string) (string, error) {
	cacheKey := strings.Join([]string{creds.TenantID, creds.ClientID, resource}, "/")
	if token := ts.Cache.Get(ctx, cacheKey); token != "" {
		return token, nil
	}

	secret, err := ts.Secrets.GetSecret(ctx, creds.SecretName)
	if err != nil {
		return "", fmt.Errorf("cannot read client secret for %s: %w", creds.ClientID, err)
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {creds.ClientID},
		"client_secret": {secret},
		"resource":      {resource},
	}
	tokenURL := "https://login.microsoftonline.com/" + creds.TenantID + "/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("cannot obtain token for %s: %w", creds.ClientID, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %q", resp.StatusCode, string(respBytes))
	}

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresOn   string `json:"expires_on"` // unix timestamp as string
	}
	err = json.Unmarshal(respBytes, &data)
	if err != nil {
		return "", fmt.Errorf("cannot decode token response: %w", err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}

	expiresOn, err := strconv.ParseInt(data.ExpiresOn, 10, 64)
	if err == nil {
		ts.Cache.Set(ctx, cacheKey, data.AccessToken, time.Unix(expiresOn, 0))
	}
	return data.AccessToken, nil
}
