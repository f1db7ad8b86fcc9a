// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mgmtapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

const subscriptionTargetTypeURI = "service/luna-agent/subscription"

func (a *API) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/info")
	if a.requireBearer(w, r) == nil {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]string{
		"agentId":       a.cfg.AgentID,
		"operatingMode": string(a.cfg.Mode),
	})
}

func (a *API) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions")
	authz := a.requireBearer(w, r)
	if authz == nil {
		return
	}

	var subs []models.Subscription
	var err error
	if authz.IsAdmin {
		_, err = a.db.Select(&subs, "SELECT * FROM subscriptions ORDER BY subscription_id")
	} else {
		_, err = a.db.Select(&subs,
			"SELECT * FROM subscriptions WHERE owner = $1 ORDER BY subscription_id", authz.UserID)
	}
	if luna.RespondWithError(w, err) {
		return
	}
	// list responses never carry API keys; those are only available through
	// the single-subscription endpoint
	result := make([]models.Subscription, len(subs))
	for idx, sub := range subs {
		result[idx] = sub.Redacted()
	}
	respondwith.JSON(w, http.StatusOK, result)
}

func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions/:id")
	authz := a.requireBearer(w, r)
	if authz == nil {
		return
	}

	sub, err := luna.FindSubscription(&a.db.DbMap, mux.Vars(r)["id"])
	if luna.RespondWithError(w, err) {
		return
	}
	// non-owners get the same 404 as for nonexistent subscriptions
	if sub == nil || (!authz.IsAdmin && sub.Owner != authz.UserID) {
		luna.RespondWithError(w, luna.ErrSubscriptionNotFound.With("no such subscription"))
		return
	}
	respondwith.JSON(w, http.StatusOK, *sub)
}

func (a *API) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions/:id")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	var sub models.Subscription
	err := json.NewDecoder(r.Body).Decode(&sub)
	if err != nil {
		luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
		return
	}
	sub.SubscriptionID = mux.Vars(r)["id"]
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusSubscribed
	}

	existing, err := luna.FindSubscription(&a.db.DbMap, sub.SubscriptionID)
	if luna.RespondWithError(w, err) {
		return
	}
	if existing == nil {
		// fresh subscriptions get their keys generated here, never client-supplied
		sub.PrimaryKey = newAPIKey()
		sub.SecondaryKey = newAPIKey()
		err = a.db.Insert(&sub)
	} else {
		sub.PrimaryKey = existing.PrimaryKey
		sub.SecondaryKey = existing.SecondaryKey
		_, err = a.db.Update(&sub)
	}
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{subscriptionTargetTypeURI, sub.SubscriptionID})
	respondwith.JSON(w, http.StatusOK, sub)
}

func (a *API) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions/:id")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	sub, err := luna.FindSubscription(&a.db.DbMap, mux.Vars(r)["id"])
	if luna.RespondWithError(w, err) {
		return
	}
	if sub == nil {
		luna.RespondWithError(w, luna.ErrSubscriptionNotFound.With("no such subscription"))
		return
	}
	_, err = a.db.Delete(sub)
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.DeleteAction, auditTarget{subscriptionTargetTypeURI, sub.SubscriptionID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions/:id/regenerateKey")
	authz := a.requireBearer(w, r)
	if authz == nil {
		return
	}

	sub, err := luna.FindSubscription(&a.db.DbMap, mux.Vars(r)["id"])
	if luna.RespondWithError(w, err) {
		return
	}
	if sub == nil || (!authz.IsAdmin && sub.Owner != authz.UserID) {
		luna.RespondWithError(w, luna.ErrSubscriptionNotFound.With("no such subscription"))
		return
	}

	switch r.URL.Query().Get("key-name") {
	case "primaryKey":
		sub.PrimaryKey = newAPIKey()
	case "secondaryKey":
		sub.SecondaryKey = newAPIKey()
	default:
		luna.RespondWithError(w, luna.ErrBadRequest.With("key-name must be primaryKey or secondaryKey"))
		return
	}
	_, err = a.db.Update(sub)
	if luna.RespondWithError(w, err) {
		return
	}

	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{subscriptionTargetTypeURI, sub.SubscriptionID})
	respondwith.JSON(w, http.StatusOK, *sub)
}

// handleSyncSubscriptions replaces the full subscription set with the one
// pushed by the control plane: rows are inserted or updated as needed, and
// subscriptions missing from the payload are deleted.
func (a *API) handleSyncSubscriptions(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/manage/subscriptions/sync")
	authz := a.requireAdmin(w, r)
	if authz == nil {
		return
	}

	var payload []models.Subscription
	err := json.NewDecoder(r.Body).Decode(&payload)
	if err != nil {
		luna.RespondWithError(w, luna.ErrBadRequest.With("request body is not valid JSON: %s", err.Error()))
		return
	}

	tx, err := a.db.Begin()
	if luna.RespondWithError(w, err) {
		return
	}
	defer luna.RollbackUnlessCommitted(tx)

	isWanted := make(map[string]bool, len(payload))
	for _, sub := range payload {
		isWanted[sub.SubscriptionID] = true
		existing, err := luna.FindSubscription(tx, sub.SubscriptionID)
		if luna.RespondWithError(w, err) {
			return
		}
		if sub.Status == "" {
			sub.Status = models.SubscriptionStatusSubscribed
		}
		if existing == nil {
			if sub.PrimaryKey == "" {
				sub.PrimaryKey = newAPIKey()
			}
			if sub.SecondaryKey == "" {
				sub.SecondaryKey = newAPIKey()
			}
			err = tx.Insert(&sub)
		} else {
			if sub.PrimaryKey == "" {
				sub.PrimaryKey = existing.PrimaryKey
			}
			if sub.SecondaryKey == "" {
				sub.SecondaryKey = existing.SecondaryKey
			}
			_, err = tx.Update(&sub)
		}
		if luna.RespondWithError(w, err) {
			return
		}
	}

	var existingIDs []string
	_, err = tx.Select(&existingIDs, "SELECT subscription_id FROM subscriptions")
	if luna.RespondWithError(w, err) {
		return
	}
	for _, id := range existingIDs {
		if !isWanted[id] {
			_, err = tx.Exec("DELETE FROM subscriptions WHERE subscription_id = $1", id)
			if luna.RespondWithError(w, err) {
				return
			}
		}
	}

	if luna.RespondWithError(w, tx.Commit()) {
		return
	}
	a.recordAudit(r, *authz, cadf.UpdateAction, auditTarget{subscriptionTargetTypeURI, "all"})
	w.WriteHeader(http.StatusNoContent)
}

func newAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
