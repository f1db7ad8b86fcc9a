// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package databricks implements the backend driver for Azure Databricks
// workspaces. Operations are tracked as MLflow runs; artifacts are fetched
// through the MLflow artifact API and DBFS.
package databricks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sapcc/luna-agent/internal/drivers/azure"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// Driver is the luna.BackendDriver for one Databricks workspace.
type Driver struct {
	Workspace models.DatabricksWorkspace
	Tokens    *azure.TokenSource
	Client    *http.Client // nil means http.DefaultClient
}

// New creates a Driver for the given workspace.
func New(ws models.DatabricksWorkspace, tokens *azure.TokenSource) *Driver {
	return &Driver{Workspace: ws, Tokens: tokens}
}

func (d *Driver) httpClient() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

func (d *Driver) credentials() azure.Credentials {
	return azure.Credentials{
		TenantID:   d.Workspace.AADTenantID,
		ClientID:   d.Workspace.AADApplicationID,
		SecretName: d.Workspace.AADApplicationSecretName,
	}
}

// experimentName maps a subscription onto the workspace path where its MLflow
// experiment lives. The path is below the service principal's user folder
// since that principal creates all runs.
func (d *Driver) experimentName(subscriptionID string) string {
	return "/Users/" + strings.ToLower(d.Workspace.AADApplicationID) + "/" + subscriptionID
}

// doRequest sends an authenticated request to the workspace REST API.
//
// AAD-authenticated access to Databricks needs two tokens on every request:
// a workspace token as the bearer credential, plus a management-plane token
// and the workspace resource ID so that Databricks can verify that our
// service principal may access this particular workspace.
func (d *Driver) doRequest(ctx context.Context, method, apiPath string, query url.Values, reqBody, respBody any) error {
	var bodyReader io.Reader = http.NoBody
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(buf)
	}

	uri := strings.TrimSuffix(d.Workspace.WorkspaceURL, "/") + "/api/" + apiPath
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, bodyReader)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	accessToken, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceDatabricks)
	if err != nil {
		return err
	}
	mgmtToken, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceManagement)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Databricks-Azure-SP-Management-Token", mgmtToken)
	req.Header.Set("X-Databricks-Azure-Workspace-Resource-Id", d.Workspace.ResourceID)

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", method, uri, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", method, uri, err)
	}
	if resp.StatusCode >= 299 {
		return fmt.Errorf("cannot %s %s: got %d response: %q", method, uri, resp.StatusCode, string(respBytes))
	}
	if respBody != nil {
		err = json.Unmarshal(respBytes, respBody)
		if err != nil {
			return fmt.Errorf("cannot %s %s: cannot decode response body: %w", method, uri, err)
		}
	}
	return nil
}

// rawRequest is like doRequest, but returns the raw response body. Used for
// artifact downloads where the body is file content, not JSON.
func (d *Driver) rawRequest(ctx context.Context, apiPath string, query url.Values) ([]byte, error) {
	uri := strings.TrimSuffix(d.Workspace.WorkspaceURL, "/") + "/api/" + apiPath
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, err
	}

	accessToken, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceDatabricks)
	if err != nil {
		return nil, err
	}
	mgmtToken, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceManagement)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Databricks-Azure-SP-Management-Token", mgmtToken)
	req.Header.Set("X-Databricks-Azure-Workspace-Resource-Id", d.Workspace.ResourceID)

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot GET %s: %w", uri, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot GET %s: %w", uri, err)
	}
	if resp.StatusCode >= 299 {
		return nil, fmt.Errorf("cannot GET %s: got %d response: %q", uri, resp.StatusCode, string(respBytes))
	}
	return respBytes, nil
}

// SubmitPipelineRun implements the luna.BackendDriver interface. Published
// pipelines are an AML concept; the dispatcher never routes pipeline plans
// here, so this only fires on broken publishing data.
func (d *Driver) SubmitPipelineRun(ctx context.Context, experiment, pipelineEndpointID string, parameters map[string]any, tags luna.RunTags) error {
	return fmt.Errorf("published pipelines are not supported on Databricks workspace %q", d.Workspace.Name)
}

// ScoringTarget implements the luna.BackendDriver interface, resolving to the
// workspace's model serving endpoint.
func (d *Driver) ScoringTarget(ctx context.Context, version *models.APIVersion) (*luna.ScoringTarget, error) {
	if version.EndpointName == "" {
		return nil, nil
	}
	accessToken, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceDatabricks)
	if err != nil {
		return nil, err
	}
	uri := strings.TrimSuffix(d.Workspace.WorkspaceURL, "/") +
		"/model/" + url.PathEscape(version.EndpointName) + "/" + url.PathEscape(version.EndpointVersion) + "/invocations"
	return &luna.ScoringTarget{
		URL:    uri,
		Header: map[string]string{"Authorization": "Bearer " + accessToken},
	}, nil
}
