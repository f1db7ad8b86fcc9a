// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package agentapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/dispatch"
	"github.com/sapcc/luna-agent/internal/luna"
)

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/:operation_name")
	a.doDispatch(w, r, dispatch.NoPredecessor)
}

func (a *API) handleDispatchWithPredecessor(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/:predecessor_id/:operation_name")
	a.doDispatch(w, r, mux.Vars(r)["predecessor_id"])
}

func (a *API) doDispatch(w http.ResponseWriter, r *http.Request, predecessorID string) {
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	parameters := make(map[string]any)
	if r.Body != nil && r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&parameters)
		if err != nil {
			luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
			return
		}
	}

	operationName := mux.Vars(r)["operation_name"]
	operationID, err := a.dispatcher.Dispatch(r.Context(), *authz, version, operationName, predecessorID, parameters)
	countDispatch(string(version.PlanType), err)
	if luna.RespondWithError(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusAccepted, map[string]string{
		"operationId": operationID,
	})
}

func (a *API) handleGetOperationStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/:operation_id")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	op, err := a.tracker.GetStatus(r.Context(), *authz, version, mux.Vars(r)["operation_id"])
	if luna.RespondWithError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, op)
}

func (a *API) handleListOperations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/:operation_name")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	ops, err := a.tracker.ListOperations(r.Context(), *authz, version, mux.Vars(r)["operation_name"])
	if luna.RespondWithError(w, err) {
		return
	}
	if ops == nil {
		ops = []luna.Operation{}
	}
	respondwith.JSON(w, http.StatusOK, ops)
}

func (a *API) handleGetOperationLog(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/:operation_id/log")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	log, err := a.tracker.GetLog(r.Context(), *authz, version, mux.Vars(r)["operation_id"])
	if luna.RespondWithError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log))
}

func (a *API) handleGetOperationOutput(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/apiv2/:service/:plan/operations/:operation_id/output")
	authz, version := a.requireVersionedRequest(w, r)
	if authz == nil {
		return
	}

	outputType := luna.OutputTypeJSON
	switch r.URL.Query().Get("output-type") {
	case "", "json":
		// default
	case "file":
		outputType = luna.OutputTypeFile
	default:
		luna.RespondWithError(w, luna.ErrOutputTypeUnsupported.With("unknown output type %q", r.URL.Query().Get("output-type")))
		return
	}

	output, err := a.tracker.GetOutput(r.Context(), *authz, version, mux.Vars(r)["operation_id"], outputType)
	if luna.RespondWithError(w, err) {
		return
	}
	writeOutput(w, output)
}

func writeOutput(w http.ResponseWriter, output *luna.OperationOutput) {
	w.Header().Set("Content-Type", output.ContentType)
	if output.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+output.Filename+`"`)
	}
	w.Write(output.Body)
}
