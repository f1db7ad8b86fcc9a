// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package databricks

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

func TestTagFilterString(t *testing.T) {
	expr := tagFilterString(luna.TagFilter{
		UserID:         "user1",
		SubscriptionID: "sub1",
		OperationName:  "train",
	})

	// clause order is not defined since the filter renders through a map
	clauses := strings.Split(expr, " AND ")
	slices.Sort(clauses)
	expected := []string{
		"tags.operationName ILIKE 'train'",
		"tags.subscriptionId ILIKE 'sub1'",
		"tags.userId ILIKE 'user1'",
	}
	assert.DeepEqual(t, "filter clauses", clauses, expected)
}

func TestTagFilterStringEscaping(t *testing.T) {
	// operation names are caller-chosen, so quotes and ILIKE metacharacters
	// must neither break nor widen the query
	expr := tagFilterString(luna.TagFilter{
		OperationName: `o'brien_100%`,
	})
	expected := `tags.operationName ILIKE 'o''brien\_100\%'`
	assert.DeepEqual(t, "escaped filter clause", expr, expected)
}

func TestExperimentName(t *testing.T) {
	driver := New(models.DatabricksWorkspace{
		AADApplicationID: "2FF814A6-3304-4AB8-85CB-CD0E6F879C1D",
	}, nil)
	// the principal's user folder is always lowercase in the workspace
	expected := "/Users/2ff814a6-3304-4ab8-85cb-cd0e6f879c1d/sub1"
	assert.DeepEqual(t, "experiment name", driver.experimentName("sub1"), expected)
}

func TestMlflowRunToOperation(t *testing.T) {
	var run mlflowRun
	run.Info.RunID = "run-1"
	run.Info.Status = "FINISHED"
	run.Info.StartTime = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	run.Info.EndTime = time.Date(2022, 6, 1, 12, 5, 0, 0, time.UTC).UnixMilli()
	run.Data.Tags = []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{
		{"operationId", "a0123"},
		{"operationName", "train"},
		{"mlflow.user", "someone"},
	}

	op := run.toOperation()
	if op.ID != "a0123" || op.Name != "train" {
		t.Errorf("tags did not map into the operation: %+v", op)
	}
	if op.Status != luna.StatusSucceeded {
		t.Errorf("expected status Succeeded, got %s", op.Status)
	}
	if !op.StartedAt.Equal(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start time %s", op.StartedAt)
	}
	if op.FinishedAt == nil || !op.FinishedAt.Equal(time.Date(2022, 6, 1, 12, 5, 0, 0, time.UTC)) {
		t.Errorf("unexpected end time %v", op.FinishedAt)
	}

	// a run that is still going has no end time
	run.Info.Status = "RUNNING"
	run.Info.EndTime = 0
	op = run.toOperation()
	if op.Status != luna.StatusRunning || op.FinishedAt != nil {
		t.Errorf("expected a running operation without end time, got %+v", op)
	}

	// unmapped backend statuses must not be mistaken for any real status
	run.Info.Status = "SOMETHING_NEW"
	if op := run.toOperation(); op.Status != luna.StatusUnknown {
		t.Errorf("expected status Unknown, got %s", op.Status)
	}
}
