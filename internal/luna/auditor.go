// SPDX-FileCopyrightText: 2024 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"context"
	"os"

	"github.com/sapcc/go-bits/audittools"
)

// InitAuditTrail initializes an audittools.Auditor if audit event publishing
// is configured, and a null Auditor otherwise.
func InitAuditTrail(ctx context.Context) (audittools.Auditor, error) {
	if os.Getenv("LUNA_AUDIT_RABBITMQ_QUEUE_NAME") == "" {
		return audittools.NewNullAuditor(), nil
	}
	return audittools.NewAuditor(ctx, audittools.AuditorOpts{
		EnvPrefix: "LUNA_AUDIT_RABBITMQ",
		Observer: audittools.Observer{
			TypeURI: "service/luna-agent",
			Name:    "luna-agent",
			ID:      audittools.GenerateUUID(),
		},
	})
}
