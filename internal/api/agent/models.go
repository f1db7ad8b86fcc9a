// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package agentapi

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

func (a *API) handleListModels(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/models")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	var modelList []models.MLModel
	_, err := a.db.Select(&modelList,
		"SELECT * FROM ml_models WHERE api_version_id = $1 ORDER BY model_name", version.ID)
	if luna.RespondWithError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, modelList)
}

func (a *API) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/models/:model")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	model, err := luna.FindMLModel(&a.db.DbMap, version.ID, mux.Vars(r)["model"])
	if luna.RespondWithError(w, err) {
		return
	}
	if model == nil {
		luna.RespondWithError(w, luna.ErrNoModelPublished.With("model %q is not published in this plan version", mux.Vars(r)["model"]))
		return
	}

	driver, err := a.dispatcher.Provider.ForVersion(r.Context(), authz.SubscriptionID, version)
	if luna.RespondWithError(w, err) {
		return
	}
	output, err := driver.DownloadModel(r.Context(), *model)
	if luna.RespondWithError(w, err) {
		return
	}
	writeOutput(w, output)
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/predict")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	body, err := io.ReadAll(r.Body)
	if luna.RespondWithError(w, err) {
		return
	}
	result, err := a.dispatcher.Predict(r.Context(), *authz, version, body)
	countDispatch(string(version.PlanType), err)
	if luna.RespondWithError(w, err) {
		return
	}
	// the scoring endpoint's verdict passes through verbatim, including 4xx
	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// operationMetadata describes one dispatchable operation of a plan version
// and its default parameter set.
type operationMetadata struct {
	Name       string         `json:"operationName"`
	Parameters map[string]any `json:"parameters"`
}

func (a *API) handleOperationsMetadata(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/metadata")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	var (
		operations []operationMetadata
		err        error
	)
	if version.PlanType == models.PlanTypeMLProject {
		operations, err = entryPointMetadata(version)
	} else {
		operations, err = a.pipelineEndpointMetadata(version)
	}
	if luna.RespondWithError(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusOK, map[string]any{
		"aiServiceName":     version.ServiceName,
		"aiServicePlanName": version.PlanName,
		"apiVersion":        version.VersionName,
		"planType":          version.PlanType,
		"operations":        operations,
	})
}

func (a *API) pipelineEndpointMetadata(version *models.APIVersion) ([]operationMetadata, error) {
	var endpoints []models.PipelineEndpoint
	_, err := a.db.Select(&endpoints,
		"SELECT * FROM pipeline_endpoints WHERE api_version_id = $1 ORDER BY name", version.ID)
	if err != nil {
		return nil, err
	}

	result := make([]operationMetadata, len(endpoints))
	for idx, endpoint := range endpoints {
		parameters := make(map[string]any)
		if endpoint.ParametersJSON != "" {
			err := json.Unmarshal([]byte(endpoint.ParametersJSON), &parameters)
			if err != nil {
				return nil, fmt.Errorf("malformed default parameters on pipeline endpoint %q: %w", endpoint.Name, err)
			}
		}
		result[idx] = operationMetadata{Name: endpoint.Name, Parameters: parameters}
	}
	return result, nil
}

func entryPointMetadata(version *models.APIVersion) ([]operationMetadata, error) {
	entryPoints, err := version.EntryPoints()
	if err != nil {
		return nil, err
	}

	result := make([]operationMetadata, 0, len(entryPoints))
	for _, name := range slices.Sorted(maps.Keys(entryPoints)) {
		parameters := entryPoints[name]
		if parameters == nil {
			parameters = make(map[string]any)
		}
		result = append(result, operationMetadata{Name: name, Parameters: parameters})
	}
	return result, nil
}
