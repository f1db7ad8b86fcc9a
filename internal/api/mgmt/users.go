// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mgmtapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

const userTargetTypeURI = "service/luna-agent/user"

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/users")
	if a.requireAdmin(w, r) == nil {
		return
	}

	var users []models.AgentUser
	var err error
	if subscriptionID := r.URL.Query().Get("subscription-id"); subscriptionID != "" {
		_, err = a.db.Select(&users,
			"SELECT * FROM agent_users WHERE subscription_id = $1 ORDER BY object_id", subscriptionID)
	} else {
		_, err = a.db.Select(&users, "SELECT * FROM agent_users ORDER BY subscription_id, object_id")
	}
	if luna.RespondWithError(w, err) {
		return
	}
	if users == nil {
		users = []models.AgentUser{}
	}
	respondwith.JSON(w, http.StatusOK, users)
}

func (a *API) handlePutUser(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/users/:object_id")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	var user models.AgentUser
	err := json.NewDecoder(r.Body).Decode(&user)
	if err != nil {
		luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
		return
	}
	user.ObjectID = mux.Vars(r)["object_id"]
	if user.SubscriptionID == "" {
		luna.RespondWithError(w, luna.ErrBadRequest.With("subscriptionId is required"))
		return
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	existing, err := luna.FindAgentUser(&a.db.DbMap, user.ObjectID, user.SubscriptionID)
	if luna.RespondWithError(w, err) {
		return
	}
	if existing == nil {
		err = a.db.Insert(&user)
	} else {
		_, err = a.db.Update(&user)
	}
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{userTargetTypeURI, user.ObjectID})
	respondwith.JSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/users/:object_id")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	objectID := mux.Vars(r)["object_id"]
	subscriptionID := r.URL.Query().Get("subscription-id")
	if subscriptionID == "" {
		luna.RespondWithError(w, luna.ErrBadRequest.With("the subscription-id query parameter is required"))
		return
	}

	result, err := a.db.Exec(
		"DELETE FROM agent_users WHERE object_id = $1 AND subscription_id = $2", objectID, subscriptionID)
	if luna.RespondWithError(w, err) {
		return
	}
	rowsDeleted, err := result.RowsAffected()
	if luna.RespondWithError(w, err) {
		return
	}
	if rowsDeleted == 0 {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	a.recordAudit(r, *authz, cadf.DeleteAction, auditTarget{userTargetTypeURI, objectID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/publishers")
	if a.requireBearer(w, r) == nil {
		return
	}

	var publishers []models.Publisher
	_, err := a.db.Select(&publishers, "SELECT * FROM publishers ORDER BY name")
	if luna.RespondWithError(w, err) {
		return
	}
	if publishers == nil {
		publishers = []models.Publisher{}
	}
	respondwith.JSON(w, http.StatusOK, publishers)
}

func (a *API) handleListOffers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/publishers/:name/offers")
	if a.requireBearer(w, r) == nil {
		return
	}

	var offers []models.Offer
	_, err := a.db.Select(&offers, `
		SELECT o.* FROM offers o
		  JOIN publishers p ON p.id = o.publisher_id
		 WHERE p.name = $1 ORDER BY o.name`, mux.Vars(r)["name"])
	if luna.RespondWithError(w, err) {
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	respondwith.JSON(w, http.StatusOK, offers)
}
