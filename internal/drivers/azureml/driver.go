// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package azureml implements the backend driver for Azure Machine Learning
// workspaces, talking to the AML REST surface directly (pipeline submission,
// run history, artifact store, model registry).
package azureml

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

// Driver is the luna.BackendDriver for one AML workspace.
type Driver struct {
	Workspace models.AMLWorkspace
	Tokens    *azure.TokenSource
	Client    *http.Client // nil means http.DefaultClient
}

// New creates a Driver for the given workspace.
func New(ws models.AMLWorkspace, tokens *azure.TokenSource) *Driver {
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

// requestURL builds a URL below one of the AML service roots. The workspace
// resource ID is spliced in after the service prefix, as the AML APIs expect.
func (d *Driver) requestURL(service string, pathElements ...string) string {
	base := strings.TrimSuffix(d.Workspace.APIBaseURL, "/")
	resourceID := "/" + strings.Trim(d.Workspace.ResourceID, "/")
	escaped := make([]string, len(pathElements))
	for idx, elem := range pathElements {
		escaped[idx] = url.PathEscape(elem)
	}
	return base + "/" + service + resourceID + "/" + strings.Join(escaped, "/")
}

func (d *Driver) doRequest(ctx context.Context, method, uri string, reqBody, respBody any) error {
	var bodyReader io.Reader = http.NoBody
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, bodyReader)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := d.Tokens.GetToken(ctx, d.credentials(), azure.ResourceManagement)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

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

// SubmitPipelineRun implements the luna.BackendDriver interface.
func (d *Driver) SubmitPipelineRun(ctx context.Context, experiment, pipelineEndpointID string, parameters map[string]any, tags luna.RunTags) error {
	// the pipeline submission API wants all parameter values as strings
	assignments := make(map[string]string, len(parameters))
	for key, value := range parameters {
		switch v := value.(type) {
		case string:
			assignments[key] = v
		default:
			buf, err := json.Marshal(v)
			if err != nil {
				return err
			}
			assignments[key] = string(buf)
		}
	}

	uri := d.requestURL("pipelines/v1.0", "PipelineRuns", "PipelineSubmission", strings.ToLower(pipelineEndpointID))
	reqBody := struct {
		ExperimentName       string            `json:"ExperimentName"`
		ParameterAssignments map[string]string `json:"ParameterAssignments"`
		Tags                 map[string]string `json:"Tags"`
	}{experiment, assignments, tags.AsMap()}
	return d.doRequest(ctx, http.MethodPost, uri, reqBody, nil)
}

// ScoringTarget implements the luna.BackendDriver interface.
func (d *Driver) ScoringTarget(ctx context.Context, version *models.APIVersion) (*luna.ScoringTarget, error) {
	if version.EndpointName == "" {
		return nil, nil
	}

	uri := d.requestURL("modelmanagement/v1.0", "services", version.EndpointName)
	var service struct {
		ScoringURI  string `json:"scoringUri"`
		AuthEnabled bool   `json:"authEnabled"`
	}
	err := d.doRequest(ctx, http.MethodGet, uri, nil, &service)
	if err != nil {
		return nil, err
	}
	if service.ScoringURI == "" {
		return nil, nil
	}

	target := luna.ScoringTarget{URL: service.ScoringURI}
	if service.AuthEnabled {
		var keys struct {
			PrimaryKey string `json:"primaryKey"`
		}
		uri := d.requestURL("modelmanagement/v1.0", "services", version.EndpointName, "listkeys")
		err := d.doRequest(ctx, http.MethodPost, uri, nil, &keys)
		if err != nil {
			return nil, err
		}
		target.Header = map[string]string{"Authorization": "Bearer " + keys.PrimaryKey}
	}
	return &target, nil
}
