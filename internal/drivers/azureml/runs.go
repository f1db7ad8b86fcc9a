// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package azureml

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// statusMapping translates run history statuses into the normalized enum.
var statusMapping = map[string]luna.OperationStatus{
	"NotStarted":      luna.StatusPending,
	"Queued":          luna.StatusPending,
	"Preparing":       luna.StatusPending,
	"Provisioning":    luna.StatusPending,
	"Starting":        luna.StatusPending,
	"Running":         luna.StatusRunning,
	"Finalizing":      luna.StatusRunning,
	"CancelRequested": luna.StatusRunning,
	"Completed":       luna.StatusSucceeded,
	"Failed":          luna.StatusFailed,
	"Canceled":        luna.StatusFailed,
}

// run type discriminators in the run history
const (
	runTypePipeline = "azureml.PipelineRun"
	runTypeScript   = "azureml.scriptrun"
)

func runTypeFor(kind luna.RunKind) string {
	if kind == luna.RunKindProject {
		return runTypeScript
	}
	return runTypePipeline
}

type runRecord struct {
	RunID        string            `json:"runId"`
	ParentRunID  string            `json:"parentRunId"`
	RunType      string            `json:"runType"`
	Status       string            `json:"status"`
	StartTimeUTC *time.Time        `json:"startTimeUtc"`
	EndTimeUTC   *time.Time        `json:"endTimeUtc"`
	Tags         map[string]string `json:"tags"`
}

func (r runRecord) toOperation() luna.Operation {
	op := luna.Operation{
		ID:         r.Tags["operationId"],
		Name:       r.Tags["operationName"],
		FinishedAt: r.EndTimeUTC,
		Status:     luna.NormalizeStatus(r.Status, statusMapping),
	}
	if r.StartTimeUTC != nil {
		op.StartedAt = *r.StartTimeUTC
	}
	return op
}

// queryRuns asks the run history for all runs in this experiment matching the
// given OData filter expression.
func (d *Driver) queryRuns(ctx context.Context, experiment, filter string) ([]runRecord, error) {
	uri := d.requestURL("history/v1.0", "experiments", experiment, "runs:query")
	reqBody := struct {
		Filter string `json:"filter"`
		Top    int    `json:"top"`
	}{filter, 500}
	var respBody struct {
		Value []runRecord `json:"value"`
	}
	err := d.doRequest(ctx, http.MethodPost, uri, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	return respBody.Value, nil
}

func tagFilterExpression(runType string, filter luna.TagFilter) string {
	clauses := []string{fmt.Sprintf("runType eq %q", runType)}
	for key, value := range filter.AsMap() {
		clauses = append(clauses, fmt.Sprintf("tags/%s eq %q", key, value))
	}
	return strings.Join(clauses, " and ")
}

// FindOperation implements the luna.BackendDriver interface.
func (d *Driver) FindOperation(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (*luna.Operation, error) {
	runs, err := d.queryRuns(ctx, experiment, tagFilterExpression(runTypeFor(kind), filter))
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	op := runs[0].toOperation()
	return &op, nil
}

// ListOperations implements the luna.BackendDriver interface.
func (d *Driver) ListOperations(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) ([]luna.Operation, error) {
	runs, err := d.queryRuns(ctx, experiment, tagFilterExpression(runTypeFor(kind), filter))
	if err != nil {
		return nil, err
	}
	result := make([]luna.Operation, len(runs))
	for idx, run := range runs {
		result[idx] = run.toOperation()
	}
	return result, nil
}

// findRunRecord returns the raw run record matching the filter, or nil.
func (d *Driver) findRunRecord(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (*runRecord, error) {
	runs, err := d.queryRuns(ctx, experiment, tagFilterExpression(runTypeFor(kind), filter))
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// resolveArtifactRun drills down from a matched run to the run that actually
// holds the artifacts. Pipeline runs store outputs on their step (child)
// runs, so the first child wins; runs without children hold their artifacts
// themselves.
func (d *Driver) resolveArtifactRun(ctx context.Context, experiment string, root runRecord) (string, error) {
	children, err := d.queryRuns(ctx, experiment, fmt.Sprintf("parentRunId eq %q", root.RunID))
	if err != nil {
		return "", err
	}
	if len(children) == 0 {
		return root.RunID, nil
	}
	return children[0].RunID, nil
}

// SubmitProjectRun implements the luna.BackendDriver interface.
func (d *Driver) SubmitProjectRun(ctx context.Context, experiment string, project luna.ProjectRun, tags luna.RunTags) error {
	uri := d.requestURL("execution/v1.0", "experiments", experiment, "startrun")
	reqBody := struct {
		RunDefinition struct {
			Script    string            `json:"script"`
			Target    string            `json:"target"`
			Arguments []string          `json:"arguments"`
			Tags      map[string]string `json:"tags"`
		} `json:"runDefinition"`
		GitRepositoryURL string         `json:"gitRepositoryUrl"`
		GitVersion       string         `json:"gitVersion"`
		Parameters       map[string]any `json:"parameters"`
	}{
		GitRepositoryURL: project.RepoURL,
		GitVersion:       project.GitVersion,
		Parameters:       project.Parameters,
	}
	reqBody.RunDefinition.Script = project.EntryPoint
	reqBody.RunDefinition.Target = project.ComputeTarget
	reqBody.RunDefinition.Tags = tags.AsMap()
	return d.doRequest(ctx, http.MethodPost, uri, reqBody, nil)
}
