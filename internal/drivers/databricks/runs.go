// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package databricks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// statusMapping translates MLflow run statuses into the normalized enum.
var statusMapping = map[string]luna.OperationStatus{
	"SCHEDULED": luna.StatusPending,
	"RUNNING":   luna.StatusRunning,
	"FINISHED":  luna.StatusSucceeded,
	"FAILED":    luna.StatusFailed,
	"KILLED":    luna.StatusFailed,
}

type mlflowRun struct {
	Info struct {
		RunID     string `json:"run_id"`
		Status    string `json:"status"`
		StartTime int64  `json:"start_time"` // milliseconds since epoch
		EndTime   int64  `json:"end_time"`
	} `json:"info"`
	Data struct {
		Tags []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"tags"`
	} `json:"data"`
}

func (r mlflowRun) tag(key string) string {
	for _, tag := range r.Data.Tags {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func (r mlflowRun) toOperation() luna.Operation {
	op := luna.Operation{
		ID:        r.tag("operationId"),
		Name:      r.tag("operationName"),
		StartedAt: time.UnixMilli(r.Info.StartTime).UTC(),
		Status:    luna.NormalizeStatus(r.Info.Status, statusMapping),
	}
	if r.Info.EndTime > 0 {
		endTime := time.UnixMilli(r.Info.EndTime).UTC()
		op.FinishedAt = &endTime
	}
	return op
}

// getExperimentID resolves the MLflow experiment for this subscription.
// Returns "" if the experiment does not exist yet (i.e. nothing was ever
// dispatched for this subscription).
func (d *Driver) getExperimentID(ctx context.Context, subscriptionID string) (string, error) {
	query := url.Values{"experiment_name": {d.experimentName(subscriptionID)}}
	var respBody struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := d.doRequest(ctx, http.MethodGet, "2.0/mlflow/experiments/get-by-name", query, nil, &respBody)
	if err != nil {
		if strings.Contains(err.Error(), "RESOURCE_DOES_NOT_EXIST") {
			return "", nil
		}
		return "", err
	}
	return respBody.Experiment.ExperimentID, nil
}

// searchRuns runs an MLflow filter query within one experiment.
func (d *Driver) searchRuns(ctx context.Context, experimentID, filter string) ([]mlflowRun, error) {
	reqBody := struct {
		ExperimentIDs []string `json:"experiment_ids"`
		Filter        string   `json:"filter"`
		MaxResults    int      `json:"max_results"`
	}{[]string{experimentID}, filter, 500}
	var respBody struct {
		Runs []mlflowRun `json:"runs"`
	}
	err := d.doRequest(ctx, http.MethodPost, "2.0/mlflow/runs/search", nil, reqBody, &respBody)
	if err != nil {
		return nil, err
	}
	return respBody.Runs, nil
}

// mlflowQuoter prepares tag values for use in single-quoted MLflow filter
// strings. Quotes get the SQL doubling treatment; % and _ are ILIKE pattern
// metacharacters and must not widen the match.
var mlflowQuoter = strings.NewReplacer(
	`\`, `\\`,
	`'`, `''`,
	`%`, `\%`,
	`_`, `\_`,
)

func tagFilterString(filter luna.TagFilter) string {
	var clauses []string
	for key, value := range filter.AsMap() {
		clauses = append(clauses, fmt.Sprintf("tags.%s ILIKE '%s'", key, mlflowQuoter.Replace(value)))
	}
	return strings.Join(clauses, " AND ")
}

// findRunPair locates the parent run carrying the tag set and the child run
// that MLflow created for the actual project execution. Status and timing
// live on the child; the tags live on the parent.
func (d *Driver) findRunPair(ctx context.Context, subscriptionID string, filter luna.TagFilter) (parent, child *mlflowRun, err error) {
	experimentID, err := d.getExperimentID(ctx, subscriptionID)
	if err != nil || experimentID == "" {
		return nil, nil, err
	}

	parents, err := d.searchRuns(ctx, experimentID, tagFilterString(filter))
	if err != nil || len(parents) == 0 {
		return nil, nil, err
	}

	children, err := d.searchRuns(ctx, experimentID,
		fmt.Sprintf("tags.mlflow.parentRunId ILIKE '%s'", mlflowQuoter.Replace(parents[0].Info.RunID)))
	if err != nil {
		return nil, nil, err
	}
	if len(children) == 0 {
		// the child has not materialized yet; report the parent as pending
		return &parents[0], nil, nil
	}
	return &parents[0], &children[0], nil
}

// FindOperation implements the luna.BackendDriver interface.
func (d *Driver) FindOperation(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (*luna.Operation, error) {
	parent, child, err := d.findRunPair(ctx, experiment, filter)
	if err != nil || parent == nil {
		return nil, err
	}
	op := parent.toOperation()
	if child != nil {
		op.Status = luna.NormalizeStatus(child.Info.Status, statusMapping)
		op.StartedAt = time.UnixMilli(child.Info.StartTime).UTC()
		if child.Info.EndTime > 0 {
			endTime := time.UnixMilli(child.Info.EndTime).UTC()
			op.FinishedAt = &endTime
		}
	} else {
		op.Status = luna.StatusPending
	}
	return &op, nil
}

// ListOperations implements the luna.BackendDriver interface.
func (d *Driver) ListOperations(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) ([]luna.Operation, error) {
	experimentID, err := d.getExperimentID(ctx, experiment)
	if err != nil || experimentID == "" {
		return nil, err
	}
	parents, err := d.searchRuns(ctx, experimentID, tagFilterString(filter))
	if err != nil {
		return nil, err
	}

	result := make([]luna.Operation, 0, len(parents))
	for _, parent := range parents {
		op, err := d.FindOperation(ctx, experiment, kind, luna.TagFilter{
			UserID:         filter.UserID,
			SubscriptionID: filter.SubscriptionID,
			OperationID:    parent.tag("operationId"),
		})
		if err != nil {
			return nil, err
		}
		if op != nil {
			result = append(result, *op)
		}
	}
	return result, nil
}

// SubmitProjectRun implements the luna.BackendDriver interface.
//
// MLflow on Databricks has no server-side project execution, so submission is
// two steps: create the tagged parent run that all later queries key on, then
// submit a one-time job that clones the project and executes the entry point
// as a child of that parent run.
func (d *Driver) SubmitProjectRun(ctx context.Context, experiment string, project luna.ProjectRun, tags luna.RunTags) error {
	experimentID, err := d.ensureExperiment(ctx, experiment)
	if err != nil {
		return err
	}

	mlflowTags := make([]map[string]string, 0, 8)
	for key, value := range tags.AsMap() {
		mlflowTags = append(mlflowTags, map[string]string{"key": key, "value": value})
	}
	createReq := struct {
		ExperimentID string              `json:"experiment_id"`
		StartTime    int64               `json:"start_time"`
		Tags         []map[string]string `json:"tags"`
	}{experimentID, time.Now().UnixMilli(), mlflowTags}
	var createResp struct {
		Run mlflowRun `json:"run"`
	}
	err = d.doRequest(ctx, http.MethodPost, "2.0/mlflow/runs/create", nil, createReq, &createResp)
	if err != nil {
		return err
	}

	params := []string{
		"--entry-point", project.EntryPoint,
		"--parent-run-id", createResp.Run.Info.RunID,
		"--git-version", project.GitVersion,
	}
	submitReq := map[string]any{
		"run_name": "luna-" + tags.OperationID,
		"tasks": []map[string]any{{
			"task_key":            "main",
			"existing_cluster_id": project.ComputeTarget,
			"spark_python_task": map[string]any{
				"python_file": "run_project.py",
				"parameters":  params,
			},
		}},
		"git_source": map[string]any{
			"git_url":    project.RepoURL,
			"git_commit": project.GitVersion,
		},
	}
	return d.doRequest(ctx, http.MethodPost, "2.1/jobs/runs/submit", nil, submitReq, nil)
}

// ensureExperiment resolves the experiment for this subscription, creating it
// on first dispatch.
func (d *Driver) ensureExperiment(ctx context.Context, subscriptionID string) (string, error) {
	experimentID, err := d.getExperimentID(ctx, subscriptionID)
	if err != nil || experimentID != "" {
		return experimentID, err
	}
	createReq := struct {
		Name string `json:"name"`
	}{d.experimentName(subscriptionID)}
	var createResp struct {
		ExperimentID string `json:"experiment_id"`
	}
	err = d.doRequest(ctx, http.MethodPost, "2.0/mlflow/experiments/create", nil, createReq, &createResp)
	return createResp.ExperimentID, err
}
