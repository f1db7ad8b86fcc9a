// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"fmt"
	"time"

	"github.com/sapcc/go-bits/mock"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// FakeBackend implements luna.BackendDriver and luna.BackendProvider with an
// in-memory run store, mimicking the tag-based correlation behavior of the
// real backends.
type FakeBackend struct {
	clock *mock.Clock
	runs  []*fakeRun

	// Models maps model names to their downloadable content.
	Models map[string][]byte
	// Endpoint is returned by ScoringTarget when set.
	Endpoint *luna.ScoringTarget
}

type fakeRun struct {
	Experiment string
	Kind       luna.RunKind
	Tags       map[string]string
	Status     luna.OperationStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	OutputJSON []byte

	// submission details, for assertions
	PipelineEndpointID string
	Parameters         map[string]any
	Project            luna.ProjectRun
}

// NewFakeBackend creates a FakeBackend.
func NewFakeBackend(clock *mock.Clock) *FakeBackend {
	return &FakeBackend{clock: clock, Models: make(map[string][]byte)}
}

// ForVersion implements the luna.BackendProvider interface.
func (b *FakeBackend) ForVersion(ctx context.Context, subscriptionID string, version *models.APIVersion) (luna.BackendDriver, error) {
	return b, nil
}

// SubmitPipelineRun implements the luna.BackendDriver interface.
func (b *FakeBackend) SubmitPipelineRun(ctx context.Context, experiment, pipelineEndpointID string, parameters map[string]any, tags luna.RunTags) error {
	b.runs = append(b.runs, &fakeRun{
		Experiment:         experiment,
		Kind:               luna.RunKindPipeline,
		Tags:               tags.AsMap(),
		Status:             luna.StatusPending,
		StartedAt:          b.clock.Now(),
		PipelineEndpointID: pipelineEndpointID,
		Parameters:         parameters,
	})
	return nil
}

// SubmitProjectRun implements the luna.BackendDriver interface.
func (b *FakeBackend) SubmitProjectRun(ctx context.Context, experiment string, project luna.ProjectRun, tags luna.RunTags) error {
	b.runs = append(b.runs, &fakeRun{
		Experiment: experiment,
		Kind:       luna.RunKindProject,
		Tags:       tags.AsMap(),
		Status:     luna.StatusPending,
		StartedAt:  b.clock.Now(),
		Project:    project,
	})
	return nil
}

func (b *FakeBackend) matchingRuns(experiment string, kind luna.RunKind, filter luna.TagFilter) []*fakeRun {
	var result []*fakeRun
RUNS:
	for _, run := range b.runs {
		if run.Experiment != experiment || run.Kind != kind {
			continue
		}
		for key, value := range filter.AsMap() {
			if run.Tags[key] != value {
				continue RUNS
			}
		}
		result = append(result, run)
	}
	return result
}

func (r *fakeRun) toOperation() luna.Operation {
	return luna.Operation{
		ID:         r.Tags["operationId"],
		Name:       r.Tags["operationName"],
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
	}
}

// FindOperation implements the luna.BackendDriver interface.
func (b *FakeBackend) FindOperation(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (*luna.Operation, error) {
	runs := b.matchingRuns(experiment, kind, filter)
	if len(runs) == 0 {
		return nil, nil
	}
	op := runs[0].toOperation()
	return &op, nil
}

// ListOperations implements the luna.BackendDriver interface.
func (b *FakeBackend) ListOperations(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) ([]luna.Operation, error) {
	runs := b.matchingRuns(experiment, kind, filter)
	result := make([]luna.Operation, len(runs))
	for idx, run := range runs {
		result[idx] = run.toOperation()
	}
	return result, nil
}

// GetOperationOutput implements the luna.BackendDriver interface.
func (b *FakeBackend) GetOperationOutput(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter, outputType luna.OutputType) (*luna.OperationOutput, error) {
	runs := b.matchingRuns(experiment, kind, filter)
	if len(runs) == 0 {
		return nil, nil
	}
	switch outputType {
	case luna.OutputTypeJSON:
		return &luna.OperationOutput{ContentType: "application/json", Body: runs[0].OutputJSON}, nil
	case luna.OutputTypeFile:
		return &luna.OperationOutput{
			ContentType: "application/zip",
			Filename:    fmt.Sprintf("output_%s.zip", filter.OperationID),
			Body:        runs[0].OutputJSON,
		}, nil
	default:
		return nil, luna.ErrOutputTypeUnsupported.With("unknown output type %q", outputType)
	}
}

// GetOperationLog implements the luna.BackendDriver interface.
func (b *FakeBackend) GetOperationLog(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (string, error) {
	runs := b.matchingRuns(experiment, kind, filter)
	if len(runs) == 0 {
		return "", luna.ErrOperationNotFound.With("operation %q not found", filter.OperationID)
	}
	return "log line 1\nlog line 2\n", nil
}

// ScoringTarget implements the luna.BackendDriver interface.
func (b *FakeBackend) ScoringTarget(ctx context.Context, version *models.APIVersion) (*luna.ScoringTarget, error) {
	return b.Endpoint, nil
}

// DownloadModel implements the luna.BackendDriver interface.
func (b *FakeBackend) DownloadModel(ctx context.Context, model models.MLModel) (*luna.OperationOutput, error) {
	content, exists := b.Models[model.ModelName]
	if !exists {
		return nil, luna.ErrNoModelPublished.With("model %q is not registered in the workspace", model.ModelName)
	}
	return &luna.OperationOutput{
		ContentType: "application/zip",
		Filename:    model.ModelName + ".zip",
		Body:        content,
	}, nil
}

// FinishRun moves the run for the given operation ID into a terminal status,
// optionally attaching a JSON output document.
func (b *FakeBackend) FinishRun(operationID string, status luna.OperationStatus, outputJSON []byte) {
	for _, run := range b.runs {
		if run.Tags["operationId"] == operationID {
			finishedAt := b.clock.Now()
			run.Status = status
			run.FinishedAt = &finishedAt
			run.OutputJSON = outputJSON
		}
	}
}

// StartRun moves the run for the given operation ID from Pending to Running.
func (b *FakeBackend) StartRun(operationID string) {
	for _, run := range b.runs {
		if run.Tags["operationId"] == operationID {
			run.Status = luna.StatusRunning
		}
	}
}

// LastRun returns the most recently submitted run's tag set and submission
// details, for assertions on dispatch behavior.
func (b *FakeBackend) LastRun() (tags map[string]string, pipelineEndpointID string, project luna.ProjectRun, ok bool) {
	if len(b.runs) == 0 {
		return nil, "", luna.ProjectRun{}, false
	}
	run := b.runs[len(b.runs)-1]
	return run.Tags, run.PipelineEndpointID, run.Project, true
}

// LastRunParameters returns the parameter map of the most recently submitted
// pipeline run.
func (b *FakeBackend) LastRunParameters() map[string]any {
	if len(b.runs) == 0 {
		return nil
	}
	return b.runs[len(b.runs)-1].Parameters
}

// RunCount returns how many runs were submitted.
func (b *FakeBackend) RunCount() int {
	return len(b.runs)
}
