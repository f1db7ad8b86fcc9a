// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package drivers connects plan versions to the driver for their linked
// execution backend.
package drivers

import (
	"context"
	"fmt"

	"github.com/sapcc/luna-agent/internal/drivers/azure"
	"github.com/sapcc/luna-agent/internal/drivers/azureml"
	"github.com/sapcc/luna-agent/internal/drivers/databricks"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// Provider implements the luna.BackendProvider interface against the
// workspace tables.
type Provider struct {
	DB     *luna.DB
	Mode   luna.OperatingMode
	Tokens *azure.TokenSource
}

// ForVersion implements the luna.BackendProvider interface.
func (p *Provider) ForVersion(ctx context.Context, subscriptionID string, version *models.APIVersion) (luna.BackendDriver, error) {
	amlWorkspaceID := version.AMLWorkspaceID
	adbWorkspaceID := version.DatabricksWorkspaceID
	if p.Mode == luna.ModeLocal {
		// in local mode the agent runs inside the publisher's own Azure
		// subscription and the workspace bound to the Luna subscription is
		// authoritative; the version's binding only serves as fallback
		sub, err := luna.FindSubscription(&p.DB.DbMap, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			if sub.AMLWorkspaceID != nil {
				amlWorkspaceID = sub.AMLWorkspaceID
			}
			if sub.DatabricksWorkspaceID != nil {
				adbWorkspaceID = sub.DatabricksWorkspaceID
			}
		}
	}

	switch version.LinkedServiceType {
	case models.LinkedServiceAML:
		if amlWorkspaceID == nil {
			return nil, fmt.Errorf("plan version %s/%s/%s has no AML workspace configured",
				version.ServiceName, version.PlanName, version.VersionName)
		}
		ws, err := luna.FindAMLWorkspace(&p.DB.DbMap, *amlWorkspaceID)
		if err != nil {
			return nil, err
		}
		if ws == nil {
			return nil, fmt.Errorf("AML workspace %d does not exist", *amlWorkspaceID)
		}
		return azureml.New(*ws, p.Tokens), nil
	case models.LinkedServiceADB:
		if adbWorkspaceID == nil {
			return nil, fmt.Errorf("plan version %s/%s/%s has no Databricks workspace configured",
				version.ServiceName, version.PlanName, version.VersionName)
		}
		ws, err := luna.FindDatabricksWorkspace(&p.DB.DbMap, *adbWorkspaceID)
		if err != nil {
			return nil, err
		}
		if ws == nil {
			return nil, fmt.Errorf("Databricks workspace %d does not exist", *adbWorkspaceID)
		}
		return databricks.New(*ws, p.Tokens), nil
	default:
		return nil, fmt.Errorf("plan version %s/%s/%s has unknown linked service type %q",
			version.ServiceName, version.PlanName, version.VersionName, version.LinkedServiceType)
	}
}
