// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package agentapi_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
	"github.com/sapcc/luna-agent/internal/test"
)

func TestListAndDownloadModels(t *testing.T) {
	s := setupWithService(t)
	versionID := mustSelectVersionID(t, s, "sentiment", "premium", "v1.0")
	err := s.DB.Insert(&models.MLModel{
		APIVersionID: versionID,
		ModelName:    "sentiment-classifier",
		DisplayName:  "Sentiment Classifier",
		ModelVersion: "3",
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	s.Backend.Models["sentiment-classifier"] = []byte("fake model archive")

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/apiv2/sentiment/premium/models?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.StringData(`[{"modelName":"sentiment-classifier","modelDisplayName":"Sentiment Classifier","modelVersion":"3"}]` + "\n"),
	}.Check(t, s.Handler)

	recorder := makeRequest(t, s, http.MethodGet, "/apiv2/sentiment/premium/models/sentiment-classifier?api-version=v1.0", map[string]string{
		"api-key": testPrimaryKey,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d with body %q", recorder.Code, recorder.Body.String())
	}
	if body := recorder.Body.String(); body != "fake model archive" {
		t.Errorf("unexpected model body %q", body)
	}
	expectedDisposition := `attachment; filename="sentiment-classifier.zip"`
	if actual := recorder.Header().Get("Content-Disposition"); actual != expectedDisposition {
		t.Errorf("expected Content-Disposition %q, got %q", expectedDisposition, actual)
	}

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/apiv2/sentiment/premium/models/no-such-model?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		ExpectStatus: http.StatusNotFound,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "NO_MODEL_PUBLISHED",
			"message": "no model published for the current API",
			"detail":  `model "no-such-model" is not published in this plan version`,
		}},
	}.Check(t, s.Handler)
}

func TestOperationsMetadata(t *testing.T) {
	s := setupWithService(t)
	versionID := mustSelectVersionID(t, s, "sentiment", "premium", "v1.0")
	err := s.DB.Insert(&models.PipelineEndpoint{
		APIVersionID:       versionID,
		Name:               "batchinference",
		PipelineEndpointID: "pe-67890",
	})
	if err != nil {
		t.Fatal(err.Error())
	}

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/apiv2/sentiment/premium/operations/metadata?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"aiServiceName":     "sentiment",
			"aiServicePlanName": "premium",
			"apiVersion":        "v1.0",
			"planType":          "pipeline",
			"operations": []assert.JSONObject{
				{"operationName": "batchinference", "parameters": assert.JSONObject{}},
				{"operationName": "train", "parameters": assert.JSONObject{"epochs": 10, "learning_rate": 0.1}},
			},
		},
	}.Check(t, s.Handler)
}

func TestOperationsMetadataForMLProject(t *testing.T) {
	s := setupWithProjectService(t)

	// mlproject plans list their published git entry points
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/apiv2/sentiment/research/operations/metadata?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"aiServiceName":     "sentiment",
			"aiServicePlanName": "research",
			"apiVersion":        "v1.0",
			"planType":          "mlproject",
			"operations": []assert.JSONObject{
				{"operationName": "evaluate", "parameters": assert.JSONObject{}},
				{"operationName": "train", "parameters": assert.JSONObject{"epochs": 5}},
			},
		},
	}.Check(t, s.Handler)
}

func setupEndpointPlan(t *testing.T, version models.APIVersion) test.Setup {
	t.Helper()
	version.ServiceName = "sentiment"
	version.PlanName = "realtime"
	version.VersionName = "v1.0"
	version.PlanType = models.PlanTypeEndpoint
	return test.NewSetup(t,
		test.WithSubscription(models.Subscription{
			SubscriptionID: testSubscriptionID,
			Owner:          testOwner,
			ServiceName:    "sentiment",
			PlanName:       "realtime",
			PrimaryKey:     testPrimaryKey,
			SecondaryKey:   testSecondaryKey,
		}),
		test.WithAPIVersion(version),
	)
}

func TestPredictViaBackendEndpoint(t *testing.T) {
	s := setupEndpointPlan(t, models.APIVersion{LinkedServiceType: models.LinkedServiceAML})

	// stand in for the real scoring endpoint
	var seenBody string
	scoring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body) //nolint:errcheck
		seenBody = string(buf)
		w.Write([]byte(`{"sentiment":"positive"}`)) //nolint:errcheck
	}))
	defer scoring.Close()
	s.Backend.Endpoint = &luna.ScoringTarget{URL: scoring.URL}

	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "this is great"},
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.JSONObject{"sentiment": "positive"},
	}.Check(t, s.Handler)

	if seenBody != `{"text":"this is great"}` {
		t.Errorf("scoring endpoint saw unexpected body %q", seenBody)
	}
}

func TestPredictPassesBackendErrorsThrough(t *testing.T) {
	s := setupEndpointPlan(t, models.APIVersion{LinkedServiceType: models.LinkedServiceAML})

	// a scoring endpoint that rejects the payload must be visible to the
	// caller with its own status code, not as an internal error of the agent
	scoring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"text field is required"}`)) //nolint:errcheck
	}))
	defer scoring.Close()
	s.Backend.Endpoint = &luna.ScoringTarget{URL: scoring.URL}

	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"nope": true},
		ExpectStatus: http.StatusUnprocessableEntity,
		ExpectBody:   assert.JSONObject{"error": "text field is required"},
	}.Check(t, s.Handler)
}

func TestPredictWithoutPublishedEndpoint(t *testing.T) {
	s := setupEndpointPlan(t, models.APIVersion{LinkedServiceType: models.LinkedServiceAML})
	// s.Backend.Endpoint stays nil
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "hi"},
		ExpectStatus: http.StatusNotFound,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "NO_ENDPOINT_PUBLISHED",
			"message": "no service endpoint published in the current API",
			"detail":  "no scoring endpoint is published in this plan version",
		}},
	}.Check(t, s.Handler)
}

func TestPredictViaManualEndpointWithKey(t *testing.T) {
	var seenKey string
	scoring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("api-key")
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer scoring.Close()

	s := setupEndpointPlan(t, models.APIVersion{
		IsManualEndpoint: true,
		EndpointURL:      scoring.URL,
		EndpointAuthType: "key",
		EndpointAuthKey:  "sesame",
	})

	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "hi"},
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.JSONObject{"ok": true},
	}.Check(t, s.Handler)

	if seenKey != "sesame" {
		t.Errorf("manual endpoint saw api-key %q instead of the configured key", seenKey)
	}
}

func TestPredictViaManualEndpointWithQueryKey(t *testing.T) {
	var seenQuery string
	scoring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("code")
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer scoring.Close()

	s := setupEndpointPlan(t, models.APIVersion{
		IsManualEndpoint:  true,
		EndpointURL:       scoring.URL,
		EndpointName:      "code",
		EndpointAuthType:  "key",
		EndpointAuthKey:   "sesame",
		EndpointAuthAddTo: models.EndpointAuthInQuery,
	})

	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "hi"},
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.JSONObject{"ok": true},
	}.Check(t, s.Handler)

	if seenQuery != "sesame" {
		t.Errorf("manual endpoint saw query key %q instead of the configured key", seenQuery)
	}
}

func TestPredictViaManualEndpointWithServicePrincipal(t *testing.T) {
	s := setupEndpointPlan(t, models.APIVersion{
		IsManualEndpoint: true,
		EndpointURL:      "https://scoring.example.org/invoke",
		EndpointAuthType: "service-principal",
	})

	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/realtime/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "hi"},
		ExpectStatus: http.StatusNotImplemented,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "NOT_IMPLEMENTED",
			"message": "not supported",
			"detail":  "service principal authentication for manual endpoints is not implemented yet",
		}},
	}.Check(t, s.Handler)
}

func TestPredictOnAsyncPlan(t *testing.T) {
	s := setupWithService(t)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/apiv2/sentiment/premium/predict?api-version=v1.0",
		Header:       map[string]string{"api-key": testPrimaryKey},
		Body:         assert.JSONObject{"text": "hi"},
		ExpectStatus: http.StatusBadRequest,
		ExpectBody: assert.JSONObject{"error": assert.JSONObject{
			"code":    "OPERATION_NOT_SUPPORTED",
			"message": "operation is not supported",
			"detail":  `plan type "pipeline" does not support real-time scoring`,
		}},
	}.Check(t, s.Handler)
}
