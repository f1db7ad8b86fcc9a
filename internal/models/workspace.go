// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// AMLWorkspace contains a record from the `aml_workspaces` table.
//
// The service-principal secret is not stored here; AADApplicationSecretName
// refers to a secret in the configured SecretDriver.
type AMLWorkspace struct {
	ID                       int64  `db:"id" json:"-"`
	Name                     string `db:"name" json:"workspaceName"`
	ResourceID               string `db:"resource_id" json:"resourceId"`
	APIBaseURL               string `db:"api_base_url" json:"-"`
	AADTenantID              string `db:"aad_tenant_id" json:"aadTenantId"`
	AADApplicationID         string `db:"aad_application_id" json:"aadApplicationId"`
	AADApplicationSecretName string `db:"aad_application_secret_name" json:"-"`
}

// DatabricksWorkspace contains a record from the `databricks_workspaces` table.
type DatabricksWorkspace struct {
	ID                       int64  `db:"id" json:"-"`
	Name                     string `db:"name" json:"workspaceName"`
	ResourceID               string `db:"resource_id" json:"resourceId"`
	WorkspaceURL             string `db:"workspace_url" json:"workspaceUrl"`
	AADTenantID              string `db:"aad_tenant_id" json:"aadTenantId"`
	AADApplicationID         string `db:"aad_application_id" json:"aadApplicationId"`
	AADApplicationSecretName string `db:"aad_application_secret_name" json:"-"`
}
