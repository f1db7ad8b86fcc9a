// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"context"
	"errors"

	"github.com/sapcc/go-bits/pluggable"
)

// SecretDriver is a backend for storing the secrets that the agent must not
// keep in its own database: workspace service-principal secrets, git personal
// access tokens and manual-endpoint keys. The database rows only carry secret
// names; values are materialized through this interface at use time.
type SecretDriver interface {
	pluggable.Plugin
	// Init is called before any other interface method.
	Init() error
	// GetSecret returns the current value of the named secret.
	GetSecret(ctx context.Context, name string) (string, error)
	// SetSecret creates or updates the named secret.
	SetSecret(ctx context.Context, name, value string) error
}

// SecretDriverRegistry is a pluggable.Registry for SecretDriver implementations.
var SecretDriverRegistry pluggable.Registry[SecretDriver]

// NewSecretDriver creates a new SecretDriver using one of the plugins
// registered with SecretDriverRegistry.
func NewSecretDriver(pluginTypeID string) (SecretDriver, error) {
	sd := SecretDriverRegistry.Instantiate(pluginTypeID)
	if sd == nil {
		return nil, errors.New("no such secret driver: " + pluginTypeID)
	}
	return sd, sd.Init()
}
