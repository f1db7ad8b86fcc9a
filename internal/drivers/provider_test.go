// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package drivers_test

import (
	"context"
	"testing"

	"github.com/sapcc/luna-agent/internal/drivers"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
	"github.com/sapcc/luna-agent/internal/test"
)

func TestForVersionHonorsOperatingMode(t *testing.T) {
	s := test.NewSetup(t)
	ctx := context.Background()

	ws := models.AMLWorkspace{
		Name:                     "sub-ws",
		ResourceID:               "/subscriptions/xxx/resourceGroups/rg/providers/Microsoft.MachineLearningServices/workspaces/sub-ws",
		APIBaseURL:               "https://westeurope.api.azureml.ms",
		AADTenantID:              "tenant-1",
		AADApplicationID:         "app-1",
		AADApplicationSecretName: "sub-ws-secret",
	}
	err := s.DB.Insert(&ws)
	if err != nil {
		t.Fatal(err.Error())
	}
	err = s.DB.Insert(&models.Subscription{
		SubscriptionID: "sub1",
		Owner:          "owner@example.org",
		ServiceName:    "sentiment",
		PlanName:       "premium",
		Status:         models.SubscriptionStatusSubscribed,
		AMLWorkspaceID: &ws.ID,
	})
	if err != nil {
		t.Fatal(err.Error())
	}

	// the version itself carries no workspace binding
	version := &models.APIVersion{
		ServiceName:       "sentiment",
		PlanName:          "premium",
		VersionName:       "v1.0",
		PlanType:          models.PlanTypePipeline,
		LinkedServiceType: models.LinkedServiceAML,
	}

	local := &drivers.Provider{DB: s.DB, Mode: luna.ModeLocal}
	saas := &drivers.Provider{DB: s.DB, Mode: luna.ModeSaaS}

	_, err = local.ForVersion(ctx, "sub1", version)
	if err != nil {
		t.Errorf("local mode must resolve the subscription's workspace binding: %s", err.Error())
	}
	_, err = saas.ForVersion(ctx, "sub1", version)
	if err == nil {
		t.Error("saas mode must not fall back to the subscription's workspace binding")
	}

	// once the version pins a workspace, saas mode resolves it
	version.AMLWorkspaceID = &ws.ID
	_, err = saas.ForVersion(ctx, "sub1", version)
	if err != nil {
		t.Errorf("saas mode must resolve the version's workspace binding: %s", err.Error())
	}

	// local mode prefers the subscription's binding over the version's: a
	// dangling subscription binding must surface as an error, not be skipped
	danglingID := ws.ID + 42
	_, err = s.DB.Exec("UPDATE subscriptions SET aml_workspace_id = $1 WHERE subscription_id = $2", danglingID, "sub1")
	if err != nil {
		t.Fatal(err.Error())
	}
	_, err = local.ForVersion(ctx, "sub1", version)
	if err == nil {
		t.Error("local mode must prefer the subscription's workspace binding over the version's")
	}

	// without a subscription binding, local mode falls back to the version's
	_, err = s.DB.Exec("UPDATE subscriptions SET aml_workspace_id = NULL WHERE subscription_id = $1", "sub1")
	if err != nil {
		t.Fatal(err.Error())
	}
	_, err = local.ForVersion(ctx, "sub1", version)
	if err != nil {
		t.Errorf("local mode must fall back to the version's workspace binding: %s", err.Error())
	}
}
