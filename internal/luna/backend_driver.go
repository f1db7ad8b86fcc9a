// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sapcc/luna-agent/internal/models"
)

// RunTags is the full tag set attached to a backend run at submission time.
// Neither execution backend has a native concept matching Luna's operations,
// so an operation exists only as this tag set on a native run; all later
// status/output queries recover it by filtering runs on these tags.
type RunTags struct {
	UserID                 string
	ServiceName            string
	PlanName               string
	APIVersion             string
	OperationName          string
	OperationID            string
	SubscriptionID         string
	PredecessorOperationID string
}

// AsMap renders the tag set in the key vocabulary shared by both backends.
func (t RunTags) AsMap() map[string]string {
	return map[string]string{
		"userId":                 t.UserID,
		"aiServiceName":          t.ServiceName,
		"aiServicePlanName":      t.PlanName,
		"apiVersion":             t.APIVersion,
		"operationName":          t.OperationName,
		"operationId":            t.OperationID,
		"subscriptionId":         t.SubscriptionID,
		"predecessorOperationId": t.PredecessorOperationID,
	}
}

// TagFilter selects runs by exact tag equality. Empty fields are not part of
// the filter. UserID and SubscriptionID are always set by callers; this is
// what isolates tenants from each other on the shared backend.
type TagFilter struct {
	UserID         string
	SubscriptionID string
	OperationID    string
	OperationName  string
}

// AsMap renders the filter as tag key/value pairs, skipping empty fields.
func (f TagFilter) AsMap() map[string]string {
	result := make(map[string]string, 4)
	if f.UserID != "" {
		result["userId"] = f.UserID
	}
	if f.SubscriptionID != "" {
		result["subscriptionId"] = f.SubscriptionID
	}
	if f.OperationID != "" {
		result["operationId"] = f.OperationID
	}
	if f.OperationName != "" {
		result["operationName"] = f.OperationName
	}
	return result
}

// RunKind distinguishes the two native run shapes that Azure ML uses for
// Luna operations. Databricks has only one shape and ignores this.
type RunKind string

// Possible values for RunKind.
const (
	RunKindPipeline RunKind = "pipeline"
	RunKindProject  RunKind = "project"
)

// Operation is the caller-facing view of a dispatched operation, recovered
// from the tags and timing data of the backing run.
type Operation struct {
	ID         string          `json:"operationId"`
	Name       string          `json:"operationName"`
	StartedAt  time.Time       `json:"startTime"`
	FinishedAt *time.Time      `json:"endTime"`
	Status     OperationStatus `json:"status"`
}

// OutputType selects the representation of an operation's output.
type OutputType string

// Possible values for OutputType.
const (
	OutputTypeJSON OutputType = "json"
	OutputTypeFile OutputType = "file"
)

// OperationOutput is a downloaded operation output or model artifact.
type OperationOutput struct {
	ContentType string
	Filename    string // for Content-Disposition on file downloads
	Body        []byte
}

// ProjectRun describes a versioned git-hosted entry point execution.
type ProjectRun struct {
	// RepoURL has the personal access token embedded as userinfo. It must
	// never appear in logs; log CleanRepoURL instead.
	RepoURL       string
	GitVersion    string
	EntryPoint    string
	ComputeTarget string
	Parameters    map[string]any
}

// CleanRepoURL returns the repo URL with the embedded credential removed.
func (p ProjectRun) CleanRepoURL() string {
	idx := strings.Index(p.RepoURL, "@")
	if idx < 0 {
		return p.RepoURL
	}
	return "https://" + p.RepoURL[idx+1:]
}

// ScoringTarget is a resolved real-time scoring endpoint: the URL to forward
// a predict request to, plus the auth material to attach.
type ScoringTarget struct {
	URL    string
	Header map[string]string
}

// BackendDriver normalizes run submission, status polling and artifact
// retrieval across the execution backends. One instance is bound to one
// workspace; instances are created per request by a BackendProvider.
//
// The experiment argument is always the subscription ID: both backends group
// runs into experiments, and Luna names the experiment after the subscription
// so that a subscription's runs stay enumerable as a unit.
type BackendDriver interface {
	// SubmitPipelineRun submits a published pipeline endpoint with the given
	// parameters and attaches the tag set to the resulting run.
	SubmitPipelineRun(ctx context.Context, experiment, pipelineEndpointID string, parameters map[string]any, tags RunTags) error
	// SubmitProjectRun launches a versioned git-hosted entry point as an
	// asynchronous tracked run and attaches the tag set.
	SubmitProjectRun(ctx context.Context, experiment string, project ProjectRun, tags RunTags) error
	// FindOperation locates the single run matching the filter.
	// A zero-row match returns nil, not an error.
	FindOperation(ctx context.Context, experiment string, kind RunKind, filter TagFilter) (*Operation, error)
	// ListOperations returns all runs matching the filter.
	ListOperations(ctx context.Context, experiment string, kind RunKind, filter TagFilter) ([]Operation, error)
	// GetOperationOutput downloads the output.json artifact (json mode) or
	// the zipped output directory (file mode) of the run matching the filter.
	// Returns nil if no run matches.
	GetOperationOutput(ctx context.Context, experiment string, kind RunKind, filter TagFilter, outputType OutputType) (*OperationOutput, error)
	// GetOperationLog returns the driver log of the run matching the filter.
	GetOperationLog(ctx context.Context, experiment string, kind RunKind, filter TagFilter) (string, error)
	// ScoringTarget resolves the real-time scoring endpoint for an endpoint
	// plan version.
	ScoringTarget(ctx context.Context, version *models.APIVersion) (*ScoringTarget, error)
	// DownloadModel fetches a registered model from the backend's model
	// repository as a zip archive.
	DownloadModel(ctx context.Context, model models.MLModel) (*OperationOutput, error)
}

// BackendProvider connects a plan version to the driver for its linked
// execution backend. Which workspace row wins depends on the operating mode:
// in local mode the workspace bound to the caller's subscription is
// authoritative and the version's binding is the fallback, in SaaS mode the
// version's binding always wins. Tests substitute an in-memory backend.
type BackendProvider interface {
	ForVersion(ctx context.Context, subscriptionID string, version *models.APIVersion) (BackendDriver, error)
}

// NewOperationID generates a fresh operation identifier: 'a' followed by 32
// lowercase hex digits. The leading letter keeps the ID usable in contexts
// that reject identifiers starting with a digit (e.g. experiment names).
func NewOperationID() string {
	return "a" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
