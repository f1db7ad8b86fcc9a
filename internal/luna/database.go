// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"database/sql"
	"errors"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/luna-agent/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE subscriptions (
			subscription_id          TEXT NOT NULL PRIMARY KEY,
			owner                    TEXT NOT NULL,
			service_name             TEXT NOT NULL,
			plan_name                TEXT NOT NULL,
			status                   TEXT NOT NULL DEFAULT 'Subscribed',
			base_url                 TEXT NOT NULL DEFAULT '',
			primary_key              TEXT NOT NULL DEFAULT '',
			secondary_key            TEXT NOT NULL DEFAULT '',
			aml_workspace_id         BIGINT DEFAULT NULL,
			databricks_workspace_id  BIGINT DEFAULT NULL,
			compute_cluster_name     TEXT NOT NULL DEFAULT '',
			deployment_target_type   TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE api_versions (
			id                        BIGSERIAL NOT NULL PRIMARY KEY,
			service_name              TEXT NOT NULL,
			plan_name                 TEXT NOT NULL,
			version_name              TEXT NOT NULL,
			plan_type                 TEXT NOT NULL,
			linked_service_type       TEXT NOT NULL DEFAULT '',
			is_manual_endpoint        BOOLEAN NOT NULL DEFAULT FALSE,
			endpoint_url              TEXT NOT NULL DEFAULT '',
			endpoint_name             TEXT NOT NULL DEFAULT '',
			endpoint_version          TEXT NOT NULL DEFAULT '',
			endpoint_auth_type        TEXT NOT NULL DEFAULT '',
			endpoint_auth_key         TEXT NOT NULL DEFAULT '',
			endpoint_auth_add_to      TEXT NOT NULL DEFAULT '',
			endpoint_auth_secret_name TEXT NOT NULL DEFAULT '',
			git_repo_id               BIGINT DEFAULT NULL,
			git_version               TEXT NOT NULL DEFAULT '',
			compute_target            TEXT NOT NULL DEFAULT '',
			aml_workspace_id          BIGINT DEFAULT NULL,
			databricks_workspace_id   BIGINT DEFAULT NULL,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (service_name, plan_name, version_name)
		);

		CREATE TABLE aml_workspaces (
			id                           BIGSERIAL NOT NULL PRIMARY KEY,
			name                         TEXT NOT NULL UNIQUE,
			resource_id                  TEXT NOT NULL,
			api_base_url                 TEXT NOT NULL,
			aad_tenant_id                TEXT NOT NULL,
			aad_application_id           TEXT NOT NULL,
			aad_application_secret_name  TEXT NOT NULL
		);

		CREATE TABLE databricks_workspaces (
			id                           BIGSERIAL NOT NULL PRIMARY KEY,
			name                         TEXT NOT NULL UNIQUE,
			resource_id                  TEXT NOT NULL,
			workspace_url                TEXT NOT NULL,
			aad_tenant_id                TEXT NOT NULL,
			aad_application_id           TEXT NOT NULL,
			aad_application_secret_name  TEXT NOT NULL
		);

		CREATE TABLE pipeline_endpoints (
			id                   BIGSERIAL NOT NULL PRIMARY KEY,
			api_version_id       BIGINT NOT NULL REFERENCES api_versions ON DELETE CASCADE,
			name                 TEXT NOT NULL,
			pipeline_endpoint_id TEXT NOT NULL,
			parameters_json      TEXT NOT NULL DEFAULT '',
			UNIQUE (api_version_id, name)
		);

		CREATE TABLE git_repos (
			id                                 BIGSERIAL NOT NULL PRIMARY KEY,
			name                               TEXT NOT NULL UNIQUE,
			http_url                           TEXT NOT NULL,
			personal_access_token_secret_name  TEXT NOT NULL
		);

		CREATE TABLE ml_models (
			id              BIGSERIAL NOT NULL PRIMARY KEY,
			api_version_id  BIGINT NOT NULL REFERENCES api_versions ON DELETE CASCADE,
			model_name      TEXT NOT NULL,
			display_name    TEXT NOT NULL DEFAULT '',
			model_version   TEXT NOT NULL DEFAULT '',
			UNIQUE (api_version_id, model_name)
		);

		CREATE TABLE agent_users (
			object_id        TEXT NOT NULL,
			subscription_id  TEXT NOT NULL,
			display_name     TEXT NOT NULL DEFAULT '',
			role             TEXT NOT NULL DEFAULT 'User',
			PRIMARY KEY (object_id, subscription_id)
		);

		CREATE TABLE publishers (
			id            BIGSERIAL NOT NULL PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			endpoint_url  TEXT NOT NULL DEFAULT '',
			is_enabled    BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE offers (
			id            BIGSERIAL NOT NULL PRIMARY KEY,
			publisher_id  BIGINT NOT NULL REFERENCES publishers ON DELETE CASCADE,
			name          TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			UNIQUE (publisher_id, name)
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE offers;
		DROP TABLE publishers;
		DROP TABLE agent_users;
		DROP TABLE ml_models;
		DROP TABLE git_repos;
		DROP TABLE pipeline_endpoints;
		DROP TABLE databricks_workspaces;
		DROP TABLE aml_workspaces;
		DROP TABLE api_versions;
		DROP TABLE subscriptions;
	`,
	"002_add_entry_points_to_api_versions.up.sql": `
		ALTER TABLE api_versions ADD COLUMN entry_points_json TEXT NOT NULL DEFAULT '';
	`,
	"002_add_entry_points_to_api_versions.down.sql": `
		ALTER TABLE api_versions DROP COLUMN entry_points_json;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// DBConfiguration returns the easypg.Configuration object that func main()
// needs to initialize the DB connection.
func DBConfiguration() easypg.Configuration {
	return easypg.Configuration{
		Migrations: sqlMigrations,
	}
}

// InitORM wraps a database connection into a DB instance.
func InitORM(dbConn *sql.DB) *DB {
	result := &DB{DbMap: gorp.DbMap{Db: dbConn, Dialect: gorp.PostgresDialect{}}}
	initModels(&result.DbMap)
	return result
}

func initModels(db *gorp.DbMap) {
	db.AddTableWithName(models.Subscription{}, "subscriptions").SetKeys(false, "subscription_id")
	db.AddTableWithName(models.APIVersion{}, "api_versions").SetKeys(true, "id")
	db.AddTableWithName(models.AMLWorkspace{}, "aml_workspaces").SetKeys(true, "id")
	db.AddTableWithName(models.DatabricksWorkspace{}, "databricks_workspaces").SetKeys(true, "id")
	db.AddTableWithName(models.PipelineEndpoint{}, "pipeline_endpoints").SetKeys(true, "id")
	db.AddTableWithName(models.GitRepo{}, "git_repos").SetKeys(true, "id")
	db.AddTableWithName(models.MLModel{}, "ml_models").SetKeys(true, "id")
	db.AddTableWithName(models.AgentUser{}, "agent_users").SetKeys(false, "object_id", "subscription_id")
	db.AddTableWithName(models.Publisher{}, "publishers").SetKeys(true, "id")
	db.AddTableWithName(models.Offer{}, "offers").SetKeys(true, "id")
}

// RollbackUnlessCommitted calls Rollback() on a transaction if it hasn't been
// committed or rolled back yet. Use this with the defer keyword to make sure
// that a transaction is automatically rolled back when a function fails.
func RollbackUnlessCommitted(tx *gorp.Transaction) {
	err := tx.Rollback()
	switch {
	case err == nil:
		// rolled back successfully
		logg.Info("implicit rollback done")
	case errors.Is(err, sql.ErrTxDone):
		// already committed or rolled back - nothing to do
	default:
		logg.Error("implicit rollback failed: %s", err.Error())
	}
}
