// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlanType describes what kind of workload a plan version exposes.
type PlanType string

// Possible values for PlanType.
const (
	PlanTypePipeline  PlanType = "pipeline"
	PlanTypeMLProject PlanType = "mlproject"
	PlanTypeModel     PlanType = "model"
	PlanTypeEndpoint  PlanType = "endpoint"
	PlanTypeDataset   PlanType = "dataset"
)

// LinkedServiceType names the execution backend a plan version is linked to.
type LinkedServiceType string

// Possible values for LinkedServiceType.
const (
	LinkedServiceAML LinkedServiceType = "AML"
	LinkedServiceADB LinkedServiceType = "ADB"
)

// EndpointAuthAddTo says where the auth key of a manual endpoint goes.
type EndpointAuthAddTo string

// Possible values for EndpointAuthAddTo.
const (
	EndpointAuthInHeader EndpointAuthAddTo = "header"
	EndpointAuthInQuery  EndpointAuthAddTo = "query"
)

// APIVersion contains a record from the `api_versions` table.
//
// A version pins one concrete deployment of a plan: which backend it runs on,
// and either the published artifacts there (pipelines, models, endpoint) or a
// manually configured HTTP endpoint outside any workspace.
type APIVersion struct {
	ID          int64    `db:"id" json:"-"`
	ServiceName string   `db:"service_name" json:"aiServiceName"`
	PlanName    string   `db:"plan_name" json:"aiServicePlanName"`
	VersionName string   `db:"version_name" json:"versionName"`
	PlanType    PlanType `db:"plan_type" json:"planType"`

	// empty for manual-endpoint versions
	LinkedServiceType LinkedServiceType `db:"linked_service_type" json:"linkedServiceType,omitempty"`

	// manual endpoint configuration
	IsManualEndpoint       bool              `db:"is_manual_endpoint" json:"isManualEndpoint"`
	EndpointURL            string            `db:"endpoint_url" json:"-"`
	EndpointName           string            `db:"endpoint_name" json:"endpointName,omitempty"`
	EndpointVersion        string            `db:"endpoint_version" json:"endpointVersion,omitempty"`
	EndpointAuthType       string            `db:"endpoint_auth_type" json:"-"`
	EndpointAuthKey        string            `db:"endpoint_auth_key" json:"-"`
	EndpointAuthAddTo      EndpointAuthAddTo `db:"endpoint_auth_add_to" json:"-"`
	EndpointAuthSecretName string            `db:"endpoint_auth_secret_name" json:"-"`

	// mlproject configuration
	GitRepoID       *int64 `db:"git_repo_id" json:"-"`
	GitVersion      string `db:"git_version" json:"gitVersion,omitempty"`
	ComputeTarget   string `db:"compute_target" json:"-"`
	EntryPointsJSON string `db:"entry_points_json" json:"-"`

	// workspace bindings (authoritative in saas mode, fallback in local mode)
	AMLWorkspaceID        *int64 `db:"aml_workspace_id" json:"-"`
	DatabricksWorkspaceID *int64 `db:"databricks_workspace_id" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"createdTime"`
	UpdatedAt time.Time `db:"updated_at" json:"lastUpdatedTime"`
}

// EntryPoints parses EntryPointsJSON: the document maps each published git
// entry point of an mlproject version to its default parameter set. An empty
// document means that nothing is published.
func (v APIVersion) EntryPoints() (map[string]map[string]any, error) {
	if v.EntryPointsJSON == "" {
		return nil, nil
	}
	result := make(map[string]map[string]any)
	err := json.Unmarshal([]byte(v.EntryPointsJSON), &result)
	if err != nil {
		return nil, fmt.Errorf("malformed entry point document on plan version %s/%s/%s: %w",
			v.ServiceName, v.PlanName, v.VersionName, err)
	}
	return result, nil
}
