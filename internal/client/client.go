// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the agent's /apiv2 API. It is used by
// batch consumers that dispatch an operation and wait for its output.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// Client calls the agent API on behalf of one subscription.
type Client struct {
	// BaseURL is where the agent API is running.
	BaseURL url.URL
	// APIKey is one of the subscription's two API keys.
	APIKey string

	ServiceName string
	PlanName    string
	APIVersion  string

	// PollInterval is how often WaitFor checks the operation status.
	// Zero means 10 seconds.
	PollInterval time.Duration
	// HTTPClient overrides http.DefaultClient, e.g. in tests.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) requestURL(pathSuffix string) string {
	u := c.BaseURL
	u.Path = fmt.Sprintf("/apiv2/%s/%s/%s", c.ServiceName, c.PlanName, pathSuffix)
	u.RawQuery = url.Values{"api-version": {c.APIVersion}}.Encode()
	return u.String()
}

func (c *Client) doRequest(ctx context.Context, method, uri string, reqBody any) ([]byte, int, error) {
	var bodyReader io.Reader = http.NoBody
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, err
		}
		bodyReader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("api-key", c.APIKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot %s %s: %w", method, uri, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot %s %s: %w", method, uri, err)
	}
	return respBytes, resp.StatusCode, nil
}

// Dispatch starts the named operation and returns its operation ID.
// A non-empty predecessorID chains this operation onto an earlier one.
func (c *Client) Dispatch(ctx context.Context, operationName, predecessorID string, parameters map[string]any) (string, error) {
	pathSuffix := operationName
	if predecessorID != "" {
		pathSuffix = "operations/" + predecessorID + "/" + operationName
	}
	respBytes, status, err := c.doRequest(ctx, http.MethodPost, c.requestURL(pathSuffix), parameters)
	if err != nil {
		return "", err
	}
	if status != http.StatusAccepted {
		return "", fmt.Errorf("dispatch of %q failed with status %d: %q", operationName, status, string(respBytes))
	}

	var data struct {
		OperationID string `json:"operationId"`
	}
	err = json.Unmarshal(respBytes, &data)
	if err != nil {
		return "", err
	}
	return data.OperationID, nil
}

// GetStatus returns the current state of an operation.
func (c *Client) GetStatus(ctx context.Context, operationID string) (*luna.Operation, error) {
	respBytes, status, err := c.doRequest(ctx, http.MethodGet, c.requestURL("operations/"+operationID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status query for %q failed with status %d: %q", operationID, status, string(respBytes))
	}
	var op luna.Operation
	err = json.Unmarshal(respBytes, &op)
	return &op, err
}

// WaitFor polls the operation until it reaches a terminal status.
//
// A single 404 during polling is retried once: backends index freshly
// submitted runs asynchronously, so an operation dispatched a moment ago may
// not be findable yet.
func (c *Client) WaitFor(ctx context.Context, operationID string) (*luna.Operation, error) {
	interval := c.PollInterval
	if interval == 0 {
		interval = 10 * time.Second
	}

	sawNotFound := false
	for {
		respBytes, status, err := c.doRequest(ctx, http.MethodGet, c.requestURL("operations/"+operationID), nil)
		switch {
		case err != nil:
			return nil, err
		case status == http.StatusNotFound && !sawNotFound:
			sawNotFound = true
		case status != http.StatusOK:
			return nil, fmt.Errorf("status query for %q failed with status %d: %q", operationID, status, string(respBytes))
		default:
			var op luna.Operation
			err = json.Unmarshal(respBytes, &op)
			if err != nil {
				return nil, err
			}
			if op.Status.IsTerminal() {
				return &op, nil
			}
			sawNotFound = false
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// GetOutput downloads the output of a successfully finished operation.
func (c *Client) GetOutput(ctx context.Context, operationID string, outputType luna.OutputType) ([]byte, error) {
	uri := c.requestURL("operations/"+operationID+"/output") + "&output-type=" + string(outputType)
	respBytes, status, err := c.doRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("output download for %q failed with status %d: %q", operationID, status, string(respBytes))
	}
	return respBytes, nil
}
