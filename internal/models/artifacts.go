// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// PipelineEndpoint contains a record from the `pipeline_endpoints` table.
//
// It maps a caller-facing operation name onto a pipeline endpoint published in
// the linked AML workspace. ParametersJSON carries the default parameter set
// as published, merged under the caller's request body at dispatch time.
type PipelineEndpoint struct {
	ID                 int64  `db:"id" json:"-"`
	APIVersionID       int64  `db:"api_version_id" json:"-"`
	Name               string `db:"name" json:"operationName"`
	PipelineEndpointID string `db:"pipeline_endpoint_id" json:"-"`
	ParametersJSON     string `db:"parameters_json" json:"-"`
}

// GitRepo contains a record from the `git_repos` table.
type GitRepo struct {
	ID                            int64  `db:"id" json:"-"`
	Name                          string `db:"name" json:"name"`
	HTTPURL                       string `db:"http_url" json:"httpUrl"`
	PersonalAccessTokenSecretName string `db:"personal_access_token_secret_name" json:"-"`
}

// MLModel contains a record from the `ml_models` table.
//
// One row per model published into a plan version; ModelName is the name in
// the backend's model registry, DisplayName what callers see.
type MLModel struct {
	ID           int64  `db:"id" json:"-"`
	APIVersionID int64  `db:"api_version_id" json:"-"`
	ModelName    string `db:"model_name" json:"modelName"`
	DisplayName  string `db:"display_name" json:"modelDisplayName"`
	ModelVersion string `db:"model_version" json:"modelVersion"`
}
