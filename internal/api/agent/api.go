// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package agentapi implements the /apiv2 API that subscribers call to run
// and track operations.
package agentapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/dispatch"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// operation IDs are always 'a' followed by 32 lowercase hex digits, which
// lets the router tell them apart from operation names
const operationIDPattern = "a[0-9a-f]{32}"

// API contains state variables used by the agent API implementation.
type API struct {
	db         *luna.DB
	checker    *auth.Checker
	dispatcher *dispatch.Dispatcher
	tracker    *dispatch.Tracker
}

// NewAPI constructs a new API instance.
func NewAPI(db *luna.DB, checker *auth.Checker, dispatcher *dispatch.Dispatcher, tracker *dispatch.Tracker) *API {
	return &API{db, checker, dispatcher, tracker}
}

// AddTo implements the api.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/").HandlerFunc(handleHome)

	sub := "/apiv2/{service}/{plan}"
	r.Methods("GET").Path(sub + "/models").HandlerFunc(a.handleListModels)
	r.Methods("GET").Path(sub + "/models/{model}").HandlerFunc(a.handleDownloadModel)
	r.Methods("POST").Path(sub + "/predict").HandlerFunc(a.handlePredict)

	r.Methods("GET").Path(sub + "/operations/metadata").HandlerFunc(a.handleOperationsMetadata)
	r.Methods("GET").Path(sub + "/operations/{operation_id:" + operationIDPattern + "}").HandlerFunc(a.handleGetOperationStatus)
	r.Methods("GET").Path(sub + "/operations/{operation_id:" + operationIDPattern + "}/log").HandlerFunc(a.handleGetOperationLog)
	r.Methods("GET").Path(sub + "/operations/{operation_id:" + operationIDPattern + "}/output").HandlerFunc(a.handleGetOperationOutput)
	r.Methods("GET").Path(sub + "/operations/{operation_name}").HandlerFunc(a.handleListOperations)
	r.Methods("POST").Path(sub + "/operations/{predecessor_id:" + operationIDPattern + "}/{operation_name}").HandlerFunc(a.handleDispatchWithPredecessor)

	r.Methods("POST").Path(sub + "/{operation_name}").HandlerFunc(a.handleDispatch)
}

// handleHome serves an unauthenticated service banner.
func handleHome(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/")
	respondwith.JSON(w, http.StatusOK, map[string]string{"service": "luna-agent"})
}

// requireVersionedRequest authenticates the request and resolves the plan
// version addressed by the path and the api-version query parameter. Returns
// nils after having written an error response if anything is off.
func (a *API) requireVersionedRequest(w http.ResponseWriter, r *http.Request) (*auth.Authorization, *models.APIVersion) {
	authz, err := a.checker.CheckRequest(r)
	if luna.RespondWithError(w, err) {
		return nil, nil
	}

	if authz.SubscriptionID == "" {
		luna.RespondWithError(w, luna.ErrSubscriptionNotFound.With("this credential is not bound to a subscription"))
		return nil, nil
	}
	sub, err := luna.FindSubscription(&a.db.DbMap, authz.SubscriptionID)
	if luna.RespondWithError(w, err) {
		return nil, nil
	}
	vars := mux.Vars(r)
	if sub == nil || sub.ServiceName != vars["service"] || sub.PlanName != vars["plan"] {
		// do not reveal whether the service exists
		luna.RespondWithError(w, luna.ErrAccessDenied.With("your subscription does not cover this AI service plan"))
		return nil, nil
	}

	versionName := r.URL.Query().Get("api-version")
	if versionName == "" {
		luna.RespondWithError(w, luna.ErrAPIVersionRequired.With("the api-version query parameter is required"))
		return nil, nil
	}
	version, err := luna.FindAPIVersion(&a.db.DbMap, vars["service"], vars["plan"], versionName)
	if luna.RespondWithError(w, err) {
		return nil, nil
	}
	if version == nil {
		luna.RespondWithError(w, luna.ErrVersionNotFound.With("no such API version: %s", versionName))
		return nil, nil
	}
	return authz, version
}
