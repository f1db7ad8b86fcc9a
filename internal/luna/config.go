// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

import (
	"net/url"
	"os"
	"strings"

	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
)

// OperatingMode distinguishes a single-tenant deployment running inside the
// publisher's own subscription from the multi-tenant SaaS deployment. In
// local mode the workspace configured on the subscription is authoritative;
// in SaaS mode the workspace pinned on the plan version wins.
type OperatingMode string

// Possible values for OperatingMode.
const (
	ModeLocal OperatingMode = "local"
	ModeSaaS  OperatingMode = "saas"
)

// Configuration contains all configuration values that are not specific to a
// certain driver.
type Configuration struct {
	Mode OperatingMode

	// client certificate validation (the TLS-terminating frontend forwards
	// the client certificate in the X-ARR-ClientCert header)
	CertThumbprint string
	CertIssuer     string
	CertSubject    string

	// AAD token validation
	AADValidAudiences []string
	AADTokenIssuer    string
	AADDiscoveryURL   string

	// identity of this agent towards the control plane
	AgentID  string
	AgentKey string
}

const defaultDiscoveryURL = "https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration"

// ParseConfiguration obtains a luna.Configuration instance from the
// corresponding environment variables. Aborts on error.
func ParseConfiguration() Configuration {
	logg.Debug("parsing configuration...")

	mode := OperatingMode(osext.GetenvOrDefault("LUNA_OPERATING_MODE", string(ModeLocal)))
	if mode != ModeLocal && mode != ModeSaaS {
		logg.Fatal("malformed LUNA_OPERATING_MODE: %q is neither %q nor %q", mode, ModeLocal, ModeSaaS)
	}

	return Configuration{
		Mode:              mode,
		CertThumbprint:    strings.ToUpper(os.Getenv("LUNA_FRONTEND_CERT_THUMBPRINT")),
		CertIssuer:        os.Getenv("LUNA_FRONTEND_CERT_ISSUER"),
		CertSubject:       os.Getenv("LUNA_FRONTEND_CERT_SUBJECT"),
		AADValidAudiences: splitList(osext.MustGetenv("LUNA_AAD_VALID_AUDIENCES")),
		AADTokenIssuer:    osext.MustGetenv("LUNA_AAD_TOKEN_ISSUER"),
		AADDiscoveryURL:   osext.GetenvOrDefault("LUNA_AAD_DISCOVERY_URL", defaultDiscoveryURL),
		AgentID:           osext.MustGetenv("LUNA_AGENT_ID"),
		AgentKey:          osext.MustGetenv("LUNA_AGENT_KEY"),
	}
}

func splitList(in string) []string {
	var result []string
	for _, field := range strings.Split(in, ";") {
		field = strings.TrimSpace(field)
		if field != "" {
			result = append(result, field)
		}
	}
	return result
}

// GetDatabaseURLFromEnvironment reads the LUNA_DB_* environment variables.
func GetDatabaseURLFromEnvironment() (dbURL url.URL, dbName string) {
	dbName = osext.GetenvOrDefault("LUNA_DB_NAME", "luna_agent")
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("LUNA_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("LUNA_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("LUNA_DB_USERNAME", "postgres"),
		Password:          os.Getenv("LUNA_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("LUNA_DB_CONNECTION_OPTIONS"),
		DatabaseName:      dbName,
	})), dbName
}
