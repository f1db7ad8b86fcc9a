// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mgmtapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/luna-agent/internal/models"
	"github.com/sapcc/luna-agent/internal/test"
)

const (
	testAudience       = "api://luna-agent-tests"
	testSubscriptionID = "9f67cf6c8a2b4f6b9d2e37c5a1b0fd71"
	testPrimaryKey     = "c0ffee8e6fb5443592f4c9f1e8a5d2b1"
	testSecondaryKey   = "deadbeef21d34a6daf3a40b7a8e9c4d2"
	testOwnerID        = "11112222333344445555666677778888"
	testAdminID        = "99990000aaaabbbbccccddddeeeeffff"
)

var apiKeyRx = regexp.MustCompile(`^[0-9a-f]{32}$`)

func setupMgmt(t *testing.T) test.Setup {
	t.Helper()
	return test.NewSetup(t,
		test.WithSubscription(models.Subscription{
			SubscriptionID: testSubscriptionID,
			Owner:          testOwnerID,
			ServiceName:    "sentiment",
			PlanName:       "premium",
			PrimaryKey:     testPrimaryKey,
			SecondaryKey:   testSecondaryKey,
		}),
		test.WithAgentUser(models.AgentUser{
			ObjectID:       testAdminID,
			SubscriptionID: models.AdminSubscriptionID,
			DisplayName:    "Test Admin",
			Role:           models.RoleAdmin,
		}),
	)
}

func bearerHeader(t *testing.T, s test.Setup, objectID string) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization": "Bearer " + s.AAD.IssueToken(t, objectID, testAudience, time.Now()),
	}
}

// jsonRequest performs a request with a bearer token for the given user and a
// JSON body, and decodes the JSON response into target (if non-nil).
func jsonRequest(t *testing.T, s test.Setup, method, path, objectID string, body, target any) int {
	t.Helper()
	var reader *strings.Reader
	if body == nil {
		reader = strings.NewReader("")
	} else {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err.Error())
		}
		reader = strings.NewReader(string(buf))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+s.AAD.IssueToken(t, objectID, testAudience, time.Now()))
	recorder := httptest.NewRecorder()
	s.Handler.ServeHTTP(recorder, req)

	if target != nil && recorder.Code < 300 {
		err := json.Unmarshal(recorder.Body.Bytes(), target)
		if err != nil {
			t.Fatalf("cannot decode response body %q: %s", recorder.Body.String(), err.Error())
		}
	}
	if recorder.Code >= 300 {
		t.Logf("response body: %s", recorder.Body.String())
	}
	return recorder.Code
}

func TestMgmtRequiresBearer(t *testing.T) {
	s := setupMgmt(t)
	// API keys belong to the data plane and must not unlock management calls
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/manage/subscriptions",
		Header:       map[string]string{"api-key": testPrimaryKey},
		ExpectStatus: http.StatusForbidden,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "TOKEN_REQUIRED",
			"message": "AAD token is required",
			"detail":  "the management API requires an AAD bearer token",
		}},
	}.Check(t, s.Handler)
}

func TestMgmtRequiresAdmin(t *testing.T) {
	s := setupMgmt(t)
	assert.HTTPRequest{
		Method:       "PUT",
		Path:         "/api/manage/subscriptions/" + testSubscriptionID,
		Header:       bearerHeader(t, s, testOwnerID),
		Body:         assert.JSONObject{"owner": testOwnerID},
		ExpectStatus: http.StatusForbidden,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "ADMIN_REQUIRED",
			"message": "admin permission is required for this operation",
			"detail":  "this action requires admin privileges",
		}},
	}.Check(t, s.Handler)
}

func TestGetInfo(t *testing.T) {
	s := setupMgmt(t)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/manage/info",
		Header:       bearerHeader(t, s, testOwnerID),
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"agentId":       "test-agent",
			"operatingMode": "local",
		},
	}.Check(t, s.Handler)
}

func TestListSubscriptionsScopedToOwner(t *testing.T) {
	s := setupMgmt(t)
	err := s.DB.Insert(&models.Subscription{
		SubscriptionID: "5550cf6c8a2b4f6b9d2e37c5a1b0f555",
		Owner:          "someone-else",
		ServiceName:    "sentiment",
		PlanName:       "basic",
		Status:         models.SubscriptionStatusSubscribed,
		PrimaryKey:     "0123456789abcdef0123456789abcdef",
		SecondaryKey:   "fedcba9876543210fedcba9876543210",
	})
	if err != nil {
		t.Fatal(err.Error())
	}

	var subs []models.Subscription
	status := jsonRequest(t, s, http.MethodGet, "/api/manage/subscriptions", testOwnerID, nil, &subs)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if len(subs) != 1 || subs[0].SubscriptionID != testSubscriptionID {
		t.Fatalf("owner must only see their own subscriptions, got %+v", subs)
	}
	if subs[0].PrimaryKey != "" || subs[0].SecondaryKey != "" {
		t.Error("list responses must not carry API keys")
	}

	// admins see everything
	status = jsonRequest(t, s, http.MethodGet, "/api/manage/subscriptions", testAdminID, nil, &subs)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if len(subs) != 2 {
		t.Errorf("admin must see all subscriptions, got %+v", subs)
	}
}

func TestGetSubscriptionHidesForeignOnes(t *testing.T) {
	s := setupMgmt(t)

	var sub models.Subscription
	status := jsonRequest(t, s, http.MethodGet, "/api/manage/subscriptions/"+testSubscriptionID, testOwnerID, nil, &sub)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for the owner, got %d", status)
	}
	if sub.PrimaryKey != testPrimaryKey {
		t.Error("owner must see their own API keys")
	}

	// non-owners get the same 404 as for a nonexistent subscription
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/manage/subscriptions/" + testSubscriptionID,
		Header:       bearerHeader(t, s, "some-other-user"),
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "SUBSCRIPTION_NOT_FOUND",
			"message": "the subscription does not exist or the api key is invalid",
			"detail":  "no such subscription",
		}},
	}.Check(t, s.Handler)
}

func TestPutSubscriptionGeneratesAndPreservesKeys(t *testing.T) {
	s := setupMgmt(t)
	newID := "1234567890abcdef1234567890abcdef"

	var created models.Subscription
	status := jsonRequest(t, s, http.MethodPut, "/api/manage/subscriptions/"+newID, testAdminID, map[string]any{
		"owner":             "new-owner",
		"aiServiceName":     "sentiment",
		"aiServicePlanName": "basic",
		// client-supplied keys must be ignored on create
		"primaryKey": "attacker-chosen-key",
	}, &created)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if !apiKeyRx.MatchString(created.PrimaryKey) || !apiKeyRx.MatchString(created.SecondaryKey) {
		t.Errorf("expected generated keys, got %q / %q", created.PrimaryKey, created.SecondaryKey)
	}
	if created.Status != models.SubscriptionStatusSubscribed {
		t.Errorf("expected default status Subscribed, got %q", created.Status)
	}

	// updates must preserve the existing keys
	var updated models.Subscription
	status = jsonRequest(t, s, http.MethodPut, "/api/manage/subscriptions/"+newID, testAdminID, map[string]any{
		"owner":             "new-owner",
		"aiServiceName":     "sentiment",
		"aiServicePlanName": "premium",
	}, &updated)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if updated.PrimaryKey != created.PrimaryKey || updated.SecondaryKey != created.SecondaryKey {
		t.Error("update must not rotate the API keys")
	}
	if updated.PlanName != "premium" {
		t.Errorf("expected updated plan name, got %q", updated.PlanName)
	}
}

func TestRegenerateKey(t *testing.T) {
	s := setupMgmt(t)

	var sub models.Subscription
	status := jsonRequest(t, s, http.MethodPost,
		"/api/manage/subscriptions/"+testSubscriptionID+"/regenerateKey?key-name=primaryKey",
		testOwnerID, nil, &sub)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if sub.PrimaryKey == testPrimaryKey || !apiKeyRx.MatchString(sub.PrimaryKey) {
		t.Errorf("expected a fresh primary key, got %q", sub.PrimaryKey)
	}
	if sub.SecondaryKey != testSecondaryKey {
		t.Error("regenerating the primary key must not touch the secondary key")
	}

	// bogus key-name values are rejected with a structured error
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/api/manage/subscriptions/" + testSubscriptionID + "/regenerateKey?key-name=tertiaryKey",
		Header:       bearerHeader(t, s, testOwnerID),
		ExpectStatus: http.StatusBadRequest,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "BAD_REQUEST",
			"message": "the request is malformed",
			"detail":  "key-name must be primaryKey or secondaryKey",
		}},
	}.Check(t, s.Handler)

	// non-owners cannot regenerate keys
	status = jsonRequest(t, s, http.MethodPost,
		"/api/manage/subscriptions/"+testSubscriptionID+"/regenerateKey?key-name=primaryKey",
		"some-other-user", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", status)
	}
}

func TestDeleteSubscription(t *testing.T) {
	s := setupMgmt(t)

	status := jsonRequest(t, s, http.MethodDelete, "/api/manage/subscriptions/"+testSubscriptionID, testAdminID, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", status)
	}
	// a second delete finds nothing
	status = jsonRequest(t, s, http.MethodDelete, "/api/manage/subscriptions/"+testSubscriptionID, testAdminID, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", status)
	}
}

func TestSyncSubscriptions(t *testing.T) {
	s := setupMgmt(t)
	err := s.DB.Insert(&models.Subscription{
		SubscriptionID: "5550cf6c8a2b4f6b9d2e37c5a1b0f555",
		Owner:          "doomed-owner",
		ServiceName:    "sentiment",
		PlanName:       "basic",
		Status:         models.SubscriptionStatusSubscribed,
		PrimaryKey:     "0123456789abcdef0123456789abcdef",
		SecondaryKey:   "fedcba9876543210fedcba9876543210",
	})
	if err != nil {
		t.Fatal(err.Error())
	}

	// the payload updates the first subscription, adds a new one, and omits
	// the doomed one
	status := jsonRequest(t, s, http.MethodPut, "/api/manage/subscriptions/sync", testAdminID, []map[string]any{
		{
			"subscriptionId":    testSubscriptionID,
			"owner":             testOwnerID,
			"aiServiceName":     "sentiment",
			"aiServicePlanName": "enterprise",
		},
		{
			"subscriptionId":    "77778888999900001111222233334444",
			"owner":             "new-owner",
			"aiServiceName":     "sentiment",
			"aiServicePlanName": "basic",
		},
	}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", status)
	}

	count, err := s.DB.SelectInt("SELECT COUNT(*) FROM subscriptions")
	if err != nil {
		t.Fatal(err.Error())
	}
	if count != 2 {
		t.Errorf("expected 2 subscriptions after sync, got %d", count)
	}

	// the updated row keeps its keys since the payload did not carry any
	primaryKey, err := s.DB.SelectStr(
		"SELECT primary_key FROM subscriptions WHERE subscription_id = $1", testSubscriptionID)
	if err != nil {
		t.Fatal(err.Error())
	}
	if primaryKey != testPrimaryKey {
		t.Error("sync must preserve existing keys when the payload has none")
	}
	planName, err := s.DB.SelectStr(
		"SELECT plan_name FROM subscriptions WHERE subscription_id = $1", testSubscriptionID)
	if err != nil {
		t.Fatal(err.Error())
	}
	if planName != "enterprise" {
		t.Errorf("expected updated plan name, got %q", planName)
	}

	// the new row got generated keys
	newPrimaryKey, err := s.DB.SelectStr(
		"SELECT primary_key FROM subscriptions WHERE subscription_id = $1", "77778888999900001111222233334444")
	if err != nil {
		t.Fatal(err.Error())
	}
	if !apiKeyRx.MatchString(newPrimaryKey) {
		t.Errorf("expected a generated key on the new subscription, got %q", newPrimaryKey)
	}

	// the omitted row is gone
	doomedCount, err := s.DB.SelectInt(
		"SELECT COUNT(*) FROM subscriptions WHERE subscription_id = $1", "5550cf6c8a2b4f6b9d2e37c5a1b0f555")
	if err != nil {
		t.Fatal(err.Error())
	}
	if doomedCount != 0 {
		t.Error("sync must delete subscriptions missing from the payload")
	}
}

func TestUserManagement(t *testing.T) {
	s := setupMgmt(t)
	memberID := "6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d"

	// add a member to the subscription
	var user models.AgentUser
	status := jsonRequest(t, s, http.MethodPut, "/api/manage/users/"+memberID, testAdminID, map[string]any{
		"subscriptionId": testSubscriptionID,
		"displayName":    "Test Member",
	}, &user)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if user.Role != models.RoleUser {
		t.Errorf("expected default role User, got %q", user.Role)
	}

	// subscriptionId is mandatory
	status = jsonRequest(t, s, http.MethodPut, "/api/manage/users/"+memberID, testAdminID, map[string]any{
		"displayName": "No Subscription",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", status)
	}

	// list users of the subscription
	var users []models.AgentUser
	status = jsonRequest(t, s, http.MethodGet,
		"/api/manage/users?subscription-id="+testSubscriptionID, testAdminID, nil, &users)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if len(users) != 1 || users[0].ObjectID != memberID {
		t.Errorf("expected exactly the new member, got %+v", users)
	}

	// the member can now use the agent API on behalf of the subscription
	// (cross-check with the auth layer is in internal/api/agent)

	// delete needs the subscription-id parameter since the same object ID can
	// be a member of several subscriptions
	status = jsonRequest(t, s, http.MethodDelete, "/api/manage/users/"+memberID, testAdminID, nil, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", status)
	}
	status = jsonRequest(t, s, http.MethodDelete,
		"/api/manage/users/"+memberID+"?subscription-id="+testSubscriptionID, testAdminID, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", status)
	}
	status = jsonRequest(t, s, http.MethodDelete,
		"/api/manage/users/"+memberID+"?subscription-id="+testSubscriptionID, testAdminID, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", status)
	}
}

func TestAMLWorkspaceManagement(t *testing.T) {
	s := setupMgmt(t)

	var ws models.AMLWorkspace
	status := jsonRequest(t, s, http.MethodPut, "/api/manage/amlworkspaces/primary-ws", testAdminID, map[string]any{
		"resourceId":               "/subscriptions/xxx/resourceGroups/rg/providers/Microsoft.MachineLearningServices/workspaces/primary-ws",
		"apiBaseUrl":               "https://westeurope.api.azureml.ms",
		"aadTenantId":              "tenant-1",
		"aadApplicationId":         "app-1",
		"aadApplicationSecretName": "primary-ws-secret",
	}, &ws)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if ws.Name != "primary-ws" {
		t.Errorf("workspace name must come from the URL, got %q", ws.Name)
	}
	// these two are write-only: they must persist, but never render in responses
	if ws.APIBaseURL != "" || ws.AADApplicationSecretName != "" {
		t.Error("responses must not carry the API base URL or the secret name")
	}
	apiBaseURL, err := s.DB.SelectStr("SELECT api_base_url FROM aml_workspaces WHERE name = $1", "primary-ws")
	if err != nil {
		t.Fatal(err.Error())
	}
	if apiBaseURL != "https://westeurope.api.azureml.ms" {
		t.Errorf("expected the API base URL to persist, got %q", apiBaseURL)
	}
	secretName, err := s.DB.SelectStr("SELECT aad_application_secret_name FROM aml_workspaces WHERE name = $1", "primary-ws")
	if err != nil {
		t.Fatal(err.Error())
	}
	if secretName != "primary-ws-secret" {
		t.Errorf("expected the secret name to persist, got %q", secretName)
	}

	// upsert with the same name updates in place
	status = jsonRequest(t, s, http.MethodPut, "/api/manage/amlworkspaces/primary-ws", testAdminID, map[string]any{
		"resourceId":       "/subscriptions/yyy/resourceGroups/rg/providers/Microsoft.MachineLearningServices/workspaces/primary-ws",
		"aadTenantId":      "tenant-1",
		"aadApplicationId": "app-1",
	}, &ws)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	count, err := s.DB.SelectInt("SELECT COUNT(*) FROM aml_workspaces")
	if err != nil {
		t.Fatal(err.Error())
	}
	if count != 1 {
		t.Errorf("expected 1 workspace row after upsert, got %d", count)
	}

	var workspaces []models.AMLWorkspace
	status = jsonRequest(t, s, http.MethodGet, "/api/manage/amlworkspaces", testAdminID, nil, &workspaces)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if len(workspaces) != 1 || !strings.Contains(workspaces[0].ResourceID, "/subscriptions/yyy/") {
		t.Errorf("expected the updated workspace, got %+v", workspaces)
	}

	status = jsonRequest(t, s, http.MethodDelete, "/api/manage/amlworkspaces/primary-ws", testAdminID, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", status)
	}
	status = jsonRequest(t, s, http.MethodDelete, "/api/manage/amlworkspaces/primary-ws", testAdminID, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", status)
	}
}

func TestDatabricksWorkspaceManagement(t *testing.T) {
	s := setupMgmt(t)

	var ws models.DatabricksWorkspace
	status := jsonRequest(t, s, http.MethodPut, "/api/manage/databricksworkspaces/adb-ws", testAdminID, map[string]any{
		"resourceId":               "/subscriptions/xxx/resourceGroups/rg/providers/Microsoft.Databricks/workspaces/adb-ws",
		"workspaceUrl":             "https://adb-1234.5.azuredatabricks.net",
		"aadTenantId":              "tenant-1",
		"aadApplicationId":         "app-1",
		"aadApplicationSecretName": "adb-ws-secret",
	}, &ws)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if ws.Name != "adb-ws" {
		t.Errorf("workspace name must come from the URL, got %q", ws.Name)
	}
	if ws.AADApplicationSecretName != "" {
		t.Error("responses must not carry the secret name")
	}
	secretName, err := s.DB.SelectStr("SELECT aad_application_secret_name FROM databricks_workspaces WHERE name = $1", "adb-ws")
	if err != nil {
		t.Fatal(err.Error())
	}
	if secretName != "adb-ws-secret" {
		t.Errorf("expected the secret name to persist, got %q", secretName)
	}

	status = jsonRequest(t, s, http.MethodDelete, "/api/manage/databricksworkspaces/adb-ws", testAdminID, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", status)
	}
}
