// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package keyvault provides the SecretDriver backed by Azure Key Vault.
package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/luna-agent/internal/drivers/azure"
	"github.com/sapcc/luna-agent/internal/luna"
)

func init() {
	luna.SecretDriverRegistry.Add(func() luna.SecretDriver { return &Driver{} })
}

const apiVersion = "7.2"

// Driver implements the luna.SecretDriver interface for Azure Key Vault.
//
// This driver bootstraps the credential chain, so unlike the workspace
// drivers it cannot read its own client secret from a secret store; the
// vault credentials come directly from the environment.
type Driver struct {
	VaultURL     string
	TenantID     string
	ClientID     string
	ClientSecret string

	client *http.Client

	mutex          sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// PluginTypeID implements the luna.SecretDriver interface.
func (d *Driver) PluginTypeID() string { return "azure-keyvault" }

// Init implements the luna.SecretDriver interface.
func (d *Driver) Init() (err error) {
	d.VaultURL, err = osext.NeedGetenv("LUNA_KEYVAULT_URL")
	if err != nil {
		return err
	}
	d.VaultURL = strings.TrimSuffix(d.VaultURL, "/")
	d.TenantID, err = osext.NeedGetenv("LUNA_KEYVAULT_TENANT_ID")
	if err != nil {
		return err
	}
	d.ClientID, err = osext.NeedGetenv("LUNA_KEYVAULT_CLIENT_ID")
	if err != nil {
		return err
	}
	d.ClientSecret, err = osext.NeedGetenv("LUNA_KEYVAULT_CLIENT_SECRET")
	if err != nil {
		return err
	}
	d.client = http.DefaultClient
	return nil
}

func (d *Driver) getToken(ctx context.Context) (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.token != "" && time.Now().Before(d.tokenExpiresAt.Add(-2*time.Minute)) {
		return d.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {d.ClientID},
		"client_secret": {d.ClientSecret},
		"resource":      {azure.ResourceKeyVault},
	}
	tokenURL := "https://login.microsoftonline.com/" + d.TenantID + "/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cannot obtain Key Vault token: %w", err)
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
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	err = json.Unmarshal(respBytes, &data)
	if err != nil {
		return "", err
	}
	expiresIn, _ := data.ExpiresIn.Int64()
	d.token = data.AccessToken
	d.tokenExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return d.token, nil
}

func (d *Driver) doRequest(ctx context.Context, method, name string, reqBody io.Reader, respBody any) error {
	uri := d.VaultURL + "/secrets/" + url.PathEscape(name) + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, method, uri, reqBody)
	if err != nil {
		return err
	}
	token, err := d.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot %s secret %q: %w", method, name, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 299 {
		return fmt.Errorf("cannot %s secret %q: got %d response", method, name, resp.StatusCode)
	}
	return json.Unmarshal(respBytes, respBody)
}

// GetSecret implements the luna.SecretDriver interface.
func (d *Driver) GetSecret(ctx context.Context, name string) (string, error) {
	var data struct {
		Value string `json:"value"`
	}
	err := d.doRequest(ctx, http.MethodGet, name, nil, &data)
	return data.Value, err
}

// SetSecret implements the luna.SecretDriver interface.
func (d *Driver) SetSecret(ctx context.Context, name, value string) error {
	reqBody, err := json.Marshal(struct {
		Value string `json:"value"`
	}{value})
	if err != nil {
		return err
	}
	var data struct {
		Value string `json:"value"`
	}
	return d.doRequest(ctx, http.MethodPut, name, strings.NewReader(string(reqBody)), &data)
}
