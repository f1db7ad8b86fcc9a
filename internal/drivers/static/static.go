// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package static provides an in-memory SecretDriver for development setups
// and tests.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sapcc/luna-agent/internal/luna"
)

func init() {
	luna.SecretDriverRegistry.Add(func() luna.SecretDriver { return &Driver{} })
}

// Driver implements the luna.SecretDriver interface with a plain map. Writes
// do not survive a restart.
type Driver struct {
	mutex   sync.RWMutex
	secrets map[string]string
}

// NewWithSecrets creates a pre-filled Driver. Only used in tests.
func NewWithSecrets(secrets map[string]string) *Driver {
	d := &Driver{secrets: make(map[string]string, len(secrets))}
	for name, value := range secrets {
		d.secrets[name] = value
	}
	return d
}

// PluginTypeID implements the luna.SecretDriver interface.
func (d *Driver) PluginTypeID() string { return "static" }

// Init implements the luna.SecretDriver interface. The initial secret set may
// be provided as a JSON object in LUNA_STATIC_SECRETS.
func (d *Driver) Init() error {
	d.secrets = make(map[string]string)
	if env := os.Getenv("LUNA_STATIC_SECRETS"); env != "" {
		err := json.Unmarshal([]byte(env), &d.secrets)
		if err != nil {
			return fmt.Errorf("malformed LUNA_STATIC_SECRETS: %w", err)
		}
	}
	return nil
}

// GetSecret implements the luna.SecretDriver interface.
func (d *Driver) GetSecret(ctx context.Context, name string) (string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	value, exists := d.secrets[name]
	if !exists {
		return "", fmt.Errorf("no such secret: %s", name)
	}
	return value, nil
}

// SetSecret implements the luna.SecretDriver interface.
func (d *Driver) SetSecret(ctx context.Context, name, value string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.secrets[name] = value
	return nil
}
