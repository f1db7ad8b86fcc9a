// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"database/sql"
	"errors"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/luna-agent/internal/models"
)

var subscriptionGetByKeyQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM subscriptions WHERE primary_key = $1 OR secondary_key = $1
`)

// FindSubscriptionByKey works on both DB and Tx.
func FindSubscriptionByKey(db gorp.SqlExecutor, key string) (*models.Subscription, error) {
	if key == "" {
		return nil, nil
	}
	var sub models.Subscription
	err := db.SelectOne(&sub, subscriptionGetByKeyQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &sub, err
}

// FindSubscription works on both DB and Tx.
func FindSubscription(db gorp.SqlExecutor, subscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := db.SelectOne(&sub,
		"SELECT * FROM subscriptions WHERE subscription_id = $1", subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &sub, err
}

var versionGetQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM api_versions WHERE service_name = $1 AND plan_name = $2 AND version_name = $3
`)

// FindAPIVersion works on both DB and Tx.
func FindAPIVersion(db gorp.SqlExecutor, serviceName, planName, versionName string) (*models.APIVersion, error) {
	var version models.APIVersion
	err := db.SelectOne(&version, versionGetQuery, serviceName, planName, versionName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &version, err
}

// FindAMLWorkspace works on both DB and Tx.
func FindAMLWorkspace(db gorp.SqlExecutor, id int64) (*models.AMLWorkspace, error) {
	var ws models.AMLWorkspace
	err := db.SelectOne(&ws, "SELECT * FROM aml_workspaces WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &ws, err
}

// FindDatabricksWorkspace works on both DB and Tx.
func FindDatabricksWorkspace(db gorp.SqlExecutor, id int64) (*models.DatabricksWorkspace, error) {
	var ws models.DatabricksWorkspace
	err := db.SelectOne(&ws, "SELECT * FROM databricks_workspaces WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &ws, err
}

var pipelineEndpointGetQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM pipeline_endpoints WHERE api_version_id = $1 AND name = $2
`)

// FindPipelineEndpoint works on both DB and Tx.
func FindPipelineEndpoint(db gorp.SqlExecutor, versionID int64, operationName string) (*models.PipelineEndpoint, error) {
	var pe models.PipelineEndpoint
	err := db.SelectOne(&pe, pipelineEndpointGetQuery, versionID, operationName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &pe, err
}

// FindGitRepo works on both DB and Tx.
func FindGitRepo(db gorp.SqlExecutor, id int64) (*models.GitRepo, error) {
	var repo models.GitRepo
	err := db.SelectOne(&repo, "SELECT * FROM git_repos WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &repo, err
}

var modelGetQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM ml_models WHERE api_version_id = $1 AND model_name = $2
`)

// FindMLModel works on both DB and Tx.
func FindMLModel(db gorp.SqlExecutor, versionID int64, modelName string) (*models.MLModel, error) {
	var model models.MLModel
	err := db.SelectOne(&model, modelGetQuery, versionID, modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &model, err
}

var userGetQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM agent_users WHERE object_id = $1 AND subscription_id = $2
`)

// FindAgentUser works on both DB and Tx.
func FindAgentUser(db gorp.SqlExecutor, objectID, subscriptionID string) (*models.AgentUser, error) {
	var user models.AgentUser
	err := db.SelectOne(&user, userGetQuery, objectID, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &user, err
}

var adminCountQuery = sqlext.SimplifyWhitespace(`
	SELECT COUNT(*) FROM agent_users WHERE object_id = $1 AND subscription_id = $2 AND role = $3
`)

// IsAdmin reports whether the AAD object ID belongs to a registered admin.
func IsAdmin(db gorp.SqlExecutor, objectID string) (bool, error) {
	count, err := db.SelectInt(adminCountQuery, objectID, models.AdminSubscriptionID, models.RoleAdmin)
	return count > 0, err
}

// IsSubscriptionMember reports whether the AAD object ID is registered on the
// given subscription (in any role).
func IsSubscriptionMember(db gorp.SqlExecutor, objectID, subscriptionID string) (bool, error) {
	user, err := FindAgentUser(db, objectID, subscriptionID)
	return user != nil, err
}
