// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mgmtapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

const (
	amlWorkspaceTargetTypeURI = "service/luna-agent/aml-workspace"
	adbWorkspaceTargetTypeURI = "service/luna-agent/databricks-workspace"
)

func (a *API) handleListAMLWorkspaces(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/amlworkspaces")
	if a.requireAdmin(w, r) == nil {
		return
	}
	var workspaces []models.AMLWorkspace
	_, err := a.db.Select(&workspaces, "SELECT * FROM aml_workspaces ORDER BY name")
	if luna.RespondWithError(w, err) {
		return
	}
	if workspaces == nil {
		workspaces = []models.AMLWorkspace{}
	}
	respondwith.JSON(w, http.StatusOK, workspaces)
}

func (a *API) handlePutAMLWorkspace(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/amlworkspaces/:name")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	// APIBaseURL and AADApplicationSecretName render as json:"-" on the model
	// since they never belong in responses, so they need explicit input fields
	var input struct {
		models.AMLWorkspace
		APIBaseURL               string `json:"apiBaseUrl"`
		AADApplicationSecretName string `json:"aadApplicationSecretName"`
	}
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
		return
	}
	ws := input.AMLWorkspace
	ws.APIBaseURL = input.APIBaseURL
	ws.AADApplicationSecretName = input.AADApplicationSecretName
	ws.Name = mux.Vars(r)["name"]

	var existing models.AMLWorkspace
	err = a.db.SelectOne(&existing, "SELECT * FROM aml_workspaces WHERE name = $1", ws.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = a.db.Insert(&ws)
	case err == nil:
		ws.ID = existing.ID
		_, err = a.db.Update(&ws)
	}
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{amlWorkspaceTargetTypeURI, ws.Name})
	respondwith.JSON(w, http.StatusOK, ws)
}

func (a *API) handleDeleteAMLWorkspace(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/amlworkspaces/:name")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	name := mux.Vars(r)["name"]
	result, err := a.db.Exec("DELETE FROM aml_workspaces WHERE name = $1", name)
	if luna.RespondWithError(w, err) {
		return
	}
	rowsDeleted, err := result.RowsAffected()
	if luna.RespondWithError(w, err) {
		return
	}
	if rowsDeleted == 0 {
		http.Error(w, "no such workspace", http.StatusNotFound)
		return
	}

	a.recordAudit(r, *authz, cadf.DeleteAction, auditTarget{amlWorkspaceTargetTypeURI, name})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListDatabricksWorkspaces(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/databricksworkspaces")
	if a.requireAdmin(w, r) == nil {
		return
	}
	var workspaces []models.DatabricksWorkspace
	_, err := a.db.Select(&workspaces, "SELECT * FROM databricks_workspaces ORDER BY name")
	if luna.RespondWithError(w, err) {
		return
	}
	if workspaces == nil {
		workspaces = []models.DatabricksWorkspace{}
	}
	respondwith.JSON(w, http.StatusOK, workspaces)
}

func (a *API) handlePutDatabricksWorkspace(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/databricksworkspaces/:name")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	var input struct {
		models.DatabricksWorkspace
		AADApplicationSecretName string `json:"aadApplicationSecretName"`
	}
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
		return
	}
	ws := input.DatabricksWorkspace
	ws.AADApplicationSecretName = input.AADApplicationSecretName
	ws.Name = mux.Vars(r)["name"]

	var existing models.DatabricksWorkspace
	err = a.db.SelectOne(&existing, "SELECT * FROM databricks_workspaces WHERE name = $1", ws.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = a.db.Insert(&ws)
	case err == nil:
		ws.ID = existing.ID
		_, err = a.db.Update(&ws)
	}
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{adbWorkspaceTargetTypeURI, ws.Name})
	respondwith.JSON(w, http.StatusOK, ws)
}

func (a *API) handleDeleteDatabricksWorkspace(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/databricksworkspaces/:name")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	name := mux.Vars(r)["name"]
	result, err := a.db.Exec("DELETE FROM databricks_workspaces WHERE name = $1", name)
	if luna.RespondWithError(w, err) {
		return
	}
	rowsDeleted, err := result.RowsAffected()
	if luna.RespondWithError(w, err) {
		return
	}
	if rowsDeleted == 0 {
		http.Error(w, "no such workspace", http.StatusNotFound)
		return
	}

	a.recordAudit(r, *authz, cadf.DeleteAction, auditTarget{adbWorkspaceTargetTypeURI, name})
	w.WriteHeader(http.StatusNoContent)
}
