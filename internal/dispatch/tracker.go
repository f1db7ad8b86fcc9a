// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"

	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// Tracker answers questions about previously dispatched operations. Since
// operations exist only as tag sets on backend runs, every lookup goes to the
// backend; the filter always carries the caller's user and subscription ID,
// so callers can never observe other tenants' operations (a foreign
// operation ID just matches zero runs).
type Tracker struct {
	Provider luna.BackendProvider
}

func (t *Tracker) find(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationID string) (luna.BackendDriver, *luna.Operation, error) {
	driver, err := t.Provider.ForVersion(ctx, authz.SubscriptionID, version)
	if err != nil {
		return nil, nil, err
	}
	op, err := driver.FindOperation(ctx, authz.SubscriptionID, runKindFor(version), luna.TagFilter{
		UserID:         authz.UserID,
		SubscriptionID: authz.SubscriptionID,
		OperationID:    operationID,
	})
	if err != nil {
		return nil, nil, err
	}
	if op == nil {
		return nil, nil, luna.ErrOperationNotFound.With("operation %q not found", operationID)
	}
	return driver, op, nil
}

// GetStatus returns the operation with the given ID.
func (t *Tracker) GetStatus(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationID string) (*luna.Operation, error) {
	_, op, err := t.find(ctx, authz, version, operationID)
	return op, err
}

// ListOperations returns all of the caller's operations with the given name
// in this subscription.
func (t *Tracker) ListOperations(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationName string) ([]luna.Operation, error) {
	driver, err := t.Provider.ForVersion(ctx, authz.SubscriptionID, version)
	if err != nil {
		return nil, err
	}
	return driver.ListOperations(ctx, authz.SubscriptionID, runKindFor(version), luna.TagFilter{
		UserID:         authz.UserID,
		SubscriptionID: authz.SubscriptionID,
		OperationName:  operationName,
	})
}

// GetOutput downloads the output of a successfully finished operation.
// Unfinished or failed operations yield ErrOutputNotReady; the output itself
// only comes into existence when the run succeeds, so there is nothing to
// return earlier.
func (t *Tracker) GetOutput(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationID string, outputType luna.OutputType) (*luna.OperationOutput, error) {
	driver, op, err := t.find(ctx, authz, version, operationID)
	if err != nil {
		return nil, err
	}
	if !op.Status.IsTerminalSuccess() {
		return nil, luna.ErrOutputNotReady.With("operation %q has status %s", operationID, op.Status)
	}
	output, err := driver.GetOperationOutput(ctx, authz.SubscriptionID, runKindFor(version), luna.TagFilter{
		UserID:         authz.UserID,
		SubscriptionID: authz.SubscriptionID,
		OperationID:    operationID,
	}, outputType)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, luna.ErrOperationNotFound.With("operation %q not found", operationID)
	}
	return output, nil
}

// GetLog returns the execution log of the operation with the given ID. Unlike
// outputs, logs are available while the operation is still running.
func (t *Tracker) GetLog(ctx context.Context, authz auth.Authorization, version *models.APIVersion, operationID string) (string, error) {
	driver, _, err := t.find(ctx, authz, version, operationID)
	if err != nil {
		return "", err
	}
	return driver.GetOperationLog(ctx, authz.SubscriptionID, runKindFor(version), luna.TagFilter{
		UserID:         authz.UserID,
		SubscriptionID: authz.SubscriptionID,
		OperationID:    operationID,
	})
}
