// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package mgmtapi implements the /api/manage API that publishers and
// operators use to maintain subscriptions, workspaces and users.
package mgmtapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"

	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/luna"
)

// API contains state variables used by the management API implementation.
type API struct {
	cfg     luna.Configuration
	db      *luna.DB
	checker *auth.Checker
	auditor audittools.Auditor
}

// NewAPI constructs a new API instance.
func NewAPI(cfg luna.Configuration, db *luna.DB, checker *auth.Checker, auditor audittools.Auditor) *API {
	return &API{cfg, db, checker, auditor}
}

// AddTo implements the api.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/api/manage/info").HandlerFunc(a.handleGetInfo)

	r.Methods("GET").Path("/api/manage/subscriptions").HandlerFunc(a.handleListSubscriptions)
	r.Methods("PUT").Path("/api/manage/subscriptions/sync").HandlerFunc(a.handleSyncSubscriptions)
	r.Methods("GET").Path("/api/manage/subscriptions/{id}").HandlerFunc(a.handleGetSubscription)
	r.Methods("PUT").Path("/api/manage/subscriptions/{id}").HandlerFunc(a.handlePutSubscription)
	r.Methods("DELETE").Path("/api/manage/subscriptions/{id}").HandlerFunc(a.handleDeleteSubscription)
	r.Methods("POST").Path("/api/manage/subscriptions/{id}/regenerateKey").HandlerFunc(a.handleRegenerateKey)

	r.Methods("GET").Path("/api/manage/amlworkspaces").HandlerFunc(a.handleListAMLWorkspaces)
	r.Methods("PUT").Path("/api/manage/amlworkspaces/{name}").HandlerFunc(a.handlePutAMLWorkspace)
	r.Methods("DELETE").Path("/api/manage/amlworkspaces/{name}").HandlerFunc(a.handleDeleteAMLWorkspace)
	r.Methods("GET").Path("/api/manage/databricksworkspaces").HandlerFunc(a.handleListDatabricksWorkspaces)
	r.Methods("PUT").Path("/api/manage/databricksworkspaces/{name}").HandlerFunc(a.handlePutDatabricksWorkspace)
	r.Methods("DELETE").Path("/api/manage/databricksworkspaces/{name}").HandlerFunc(a.handleDeleteDatabricksWorkspace)

	r.Methods("GET").Path("/api/manage/users").HandlerFunc(a.handleListUsers)
	r.Methods("PUT").Path("/api/manage/users/{object_id}").HandlerFunc(a.handlePutUser)
	r.Methods("DELETE").Path("/api/manage/users/{object_id}").HandlerFunc(a.handleDeleteUser)

	r.Methods("GET").Path("/api/manage/publishers").HandlerFunc(a.handleListPublishers)
	r.Methods("GET").Path("/api/manage/publishers/{name}/offers").HandlerFunc(a.handleListOffers)
}

// requireBearer authenticates the request and rejects anything that is not an
// AAD bearer token. API keys and client certificates belong to the data
// plane; management actions always need a real user behind them.
func (a *API) requireBearer(w http.ResponseWriter, r *http.Request) *auth.Authorization {
	authz, err := a.checker.CheckRequest(r)
	if luna.RespondWithError(w, err) {
		return nil
	}
	if authz.Kind != auth.CredentialBearerToken {
		luna.RespondWithError(w, luna.ErrTokenRequired.With("the management API requires an AAD bearer token"))
		return nil
	}
	return authz
}

// requireAdmin is like requireBearer, but additionally rejects non-admins.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.Authorization {
	authz := a.requireBearer(w, r)
	if authz == nil {
		return nil
	}
	if !authz.IsAdmin {
		luna.RespondWithError(w, luna.ErrAdminRequired.With("this action requires admin privileges"))
		return nil
	}
	return authz
}

// auditUser adapts an Authorization into the shape that audittools wants for
// the event initiator. Our users are AAD identities, not Keystone users, so
// the initiator is rendered directly.
type auditUser struct {
	authz auth.Authorization
}

// AsInitiator implements the audittools.NonStandardUserInfo interface.
func (u auditUser) AsInitiator() cadf.Resource {
	return cadf.Resource{
		TypeURI: "service/security/account/user",
		ID:      u.authz.UserID,
		Name:    u.authz.UserID,
	}
}

func (u auditUser) UserUUID() string                { return u.authz.UserID }
func (u auditUser) UserName() string                { return u.authz.UserID }
func (u auditUser) UserDomainName() string          { return "" }
func (u auditUser) ProjectScopeUUID() string        { return "" }
func (u auditUser) ProjectScopeName() string        { return "" }
func (u auditUser) ProjectScopeDomainName() string  { return "" }
func (u auditUser) DomainScopeUUID() string         { return "" }
func (u auditUser) DomainScopeName() string         { return "" }
func (u auditUser) ApplicationCredentialID() string { return "" }

// auditTarget is the generic target renderer for management audit events.
type auditTarget struct {
	TypeURI string
	ID      string
}

// Render implements the audittools.TargetRenderer interface.
func (t auditTarget) Render() cadf.Resource {
	return cadf.Resource{TypeURI: t.TypeURI, ID: t.ID}
}

func (a *API) recordAudit(r *http.Request, authz auth.Authorization, action cadf.Action, target auditTarget) {
	a.auditor.Record(audittools.EventParameters{
		Time:       time.Now(),
		Request:    r,
		User:       auditUser{authz},
		ReasonCode: http.StatusOK,
		Action:     action,
		Target:     target,
	})
}
