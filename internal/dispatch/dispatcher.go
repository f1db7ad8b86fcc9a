// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns authenticated API calls into backend runs and
// recovers operation state from those runs afterwards.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// NoPredecessor is the tag value recorded when an operation does not build on
// an earlier operation's output.
const NoPredecessor = "na"

// Dispatcher submits operations to the execution backend selected by the
// plan version and forwards real-time scoring calls.
type Dispatcher struct {
	DB       *luna.DB
	Provider luna.BackendProvider
	Secrets  luna.SecretDriver
	Client   *http.Client // used for manual endpoints; nil means http.DefaultClient
}

func (d *Dispatcher) httpClient() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

// Dispatch starts the named operation as an asynchronous backend run and
// returns the new operation ID. If predecessorID names an earlier operation,
// that operation must exist for this caller and have succeeded; on a gating
// failure nothing is submitted.
func (d *Dispatcher) Dispatch(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationName, predecessorID string, parameters map[string]any) (string, error) {
	driver, err := d.Provider.ForVersion(ctx, authz.SubscriptionID, version)
	if err != nil {
		return "", err
	}

	if predecessorID == "" {
		predecessorID = NoPredecessor
	}
	if predecessorID != NoPredecessor {
		predecessor, err := driver.FindOperation(ctx, authz.SubscriptionID, runKindFor(version), luna.TagFilter{
			UserID:         authz.UserID,
			SubscriptionID: authz.SubscriptionID,
			OperationID:    predecessorID,
		})
		if err != nil {
			return "", err
		}
		if predecessor == nil {
			return "", luna.ErrOperationNotFound.With("predecessor operation %q not found", predecessorID)
		}
		if !predecessor.Status.IsTerminalSuccess() {
			return "", luna.ErrPredecessorNotDone.With("predecessor operation %q has status %s", predecessorID, predecessor.Status)
		}
	}

	operationID := luna.NewOperationID()
	tags := luna.RunTags{
		UserID:                 authz.UserID,
		ServiceName:            version.ServiceName,
		PlanName:               version.PlanName,
		APIVersion:             version.VersionName,
		OperationName:          operationName,
		OperationID:            operationID,
		SubscriptionID:         authz.SubscriptionID,
		PredecessorOperationID: predecessorID,
	}

	switch version.PlanType {
	case models.PlanTypePipeline:
		err = d.dispatchPipeline(ctx, driver, version, operationName, parameters, tags)
	case models.PlanTypeMLProject:
		err = d.dispatchProject(ctx, driver, version, operationName, parameters, tags)
	default:
		err = luna.ErrOperationNotSupported.With("plan type %q does not support asynchronous operations", version.PlanType)
	}
	if err != nil {
		return "", err
	}

	logg.Info("dispatched operation %s (%s) for user %s in subscription %s",
		operationID, operationName, authz.UserID, authz.SubscriptionID)
	return operationID, nil
}

func (d *Dispatcher) dispatchPipeline(ctx context.Context, driver luna.BackendDriver, version *models.APIVersion, operationName string, parameters map[string]any, tags luna.RunTags) error {
	if version.LinkedServiceType != models.LinkedServiceAML {
		// published pipelines only exist on AML; a pipeline plan linked to
		// anything else is a publishing mistake, not a caller mistake
		return fmt.Errorf("pipeline plan version %s/%s/%s is linked to %q instead of AML",
			version.ServiceName, version.PlanName, version.VersionName, version.LinkedServiceType)
	}

	endpoint, err := luna.FindPipelineEndpoint(&d.DB.DbMap, version.ID, operationName)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return luna.ErrNoOperationPublished.With("operation %q is not published in this plan version", operationName)
	}

	merged := make(map[string]any)
	if endpoint.ParametersJSON != "" {
		err := json.Unmarshal([]byte(endpoint.ParametersJSON), &merged)
		if err != nil {
			return fmt.Errorf("malformed default parameters on pipeline endpoint %q: %w", operationName, err)
		}
	}
	for key, value := range parameters {
		merged[key] = value
	}

	return driver.SubmitPipelineRun(ctx, tags.SubscriptionID, endpoint.PipelineEndpointID, merged, tags)
}

func (d *Dispatcher) dispatchProject(ctx context.Context, driver luna.BackendDriver, version *models.APIVersion, operationName string, parameters map[string]any, tags luna.RunTags) error {
	if version.GitRepoID == nil {
		return luna.ErrNoOperationPublished.With("this plan version has no git repository configured")
	}
	entryPoints, err := version.EntryPoints()
	if err != nil {
		return err
	}
	defaults, published := entryPoints[operationName]
	if !published {
		return luna.ErrNoOperationPublished.With("operation %q is not published in this plan version", operationName)
	}
	merged := make(map[string]any, len(defaults)+len(parameters))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range parameters {
		merged[key] = value
	}

	repo, err := luna.FindGitRepo(&d.DB.DbMap, *version.GitRepoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("git repo %d referenced by plan version %d does not exist", *version.GitRepoID, version.ID)
	}

	pat, err := d.Secrets.GetSecret(ctx, repo.PersonalAccessTokenSecretName)
	if err != nil {
		return fmt.Errorf("cannot read git credential: %w", err)
	}

	project := luna.ProjectRun{
		RepoURL:       embedCredential(repo.HTTPURL, pat),
		GitVersion:    version.GitVersion,
		EntryPoint:    operationName,
		ComputeTarget: version.ComputeTarget,
		Parameters:    merged,
	}
	return driver.SubmitProjectRun(ctx, tags.SubscriptionID, project, tags)
}

func embedCredential(httpURL, pat string) string {
	return strings.Replace(httpURL, "https://", "https://"+url.UserPassword("luna", pat).String()+"@", 1)
}

func runKindFor(version *models.APIVersion) luna.RunKind {
	if version.PlanType == models.PlanTypeMLProject {
		return luna.RunKindProject
	}
	return luna.RunKindPipeline
}

// PredictResult is the scoring endpoint's response, passed through to the
// caller verbatim. The status code is part of the contract: a backend that
// rejects the payload with a 4xx must be visible as that 4xx, not as an
// internal error of the agent.
type PredictResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Predict performs a synchronous scoring call for an endpoint plan version
// and returns the backend's response.
func (d *Dispatcher) Predict(ctx context.Context, authz auth.Authorization, version *models.APIVersion, body []byte) (*PredictResult, error) {
	if version.PlanType != models.PlanTypeEndpoint {
		return nil, luna.ErrOperationNotSupported.With("plan type %q does not support real-time scoring", version.PlanType)
	}

	var target *luna.ScoringTarget
	if version.IsManualEndpoint {
		var err error
		target, err = d.manualScoringTarget(ctx, version)
		if err != nil {
			return nil, err
		}
	} else {
		driver, err := d.Provider.ForVersion(ctx, authz.SubscriptionID, version)
		if err != nil {
			return nil, err
		}
		target, err = driver.ScoringTarget(ctx, version)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, luna.ErrNoEndpointPublished.With("no scoring endpoint is published in this plan version")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range target.Header {
		req.Header.Set(key, value)
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &PredictResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        respBody,
	}, nil
}

func (d *Dispatcher) manualScoringTarget(ctx context.Context, version *models.APIVersion) (*luna.ScoringTarget, error) {
	if version.EndpointURL == "" {
		return nil, luna.ErrNoEndpointPublished.With("no endpoint URL is configured for this plan version")
	}

	switch version.EndpointAuthType {
	case "", "none":
		return &luna.ScoringTarget{URL: version.EndpointURL}, nil
	case "key":
		key := version.EndpointAuthKey
		if version.EndpointAuthSecretName != "" {
			var err error
			key, err = d.Secrets.GetSecret(ctx, version.EndpointAuthSecretName)
			if err != nil {
				return nil, fmt.Errorf("cannot read endpoint credential: %w", err)
			}
		}
		if version.EndpointAuthAddTo == models.EndpointAuthInQuery {
			u, err := url.Parse(version.EndpointURL)
			if err != nil {
				return nil, fmt.Errorf("malformed endpoint URL: %w", err)
			}
			query := u.Query()
			query.Set(version.EndpointName, key)
			u.RawQuery = query.Encode()
			return &luna.ScoringTarget{URL: u.String()}, nil
		}
		headerName := version.EndpointName
		if headerName == "" {
			headerName = "api-key"
		}
		return &luna.ScoringTarget{
			URL:    version.EndpointURL,
			Header: map[string]string{headerName: key},
		}, nil
	case "service-principal":
		return nil, luna.ErrNotImplemented.With("service principal authentication for manual endpoints is not implemented yet")
	default:
		return nil, fmt.Errorf("unknown endpoint auth type %q", version.EndpointAuthType)
	}
}
