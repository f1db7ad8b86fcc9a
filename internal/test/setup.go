// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package test contains the shared setup logic for unit tests.
package test

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/sapcc/go-bits/audittools"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/mock"
	"github.com/sapcc/go-bits/osext"

	agentapi "github.com/sapcc/luna-agent/internal/api/agent"
	mgmtapi "github.com/sapcc/luna-agent/internal/api/mgmt"
	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/dispatch"
	"github.com/sapcc/luna-agent/internal/drivers/static"
	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	Config     luna.Configuration
	DB         *luna.DB
	Clock      *mock.Clock
	Backend    *FakeBackend
	AAD        *MockAAD
	ClientCert *ClientCert
	Handler    http.Handler
}

// SetupOption is an option that can be given to NewSetup().
type SetupOption func(*Setup)

// WithSubscription adds a subscription row (and its owner's user row) to the
// DB during setup.
func WithSubscription(sub models.Subscription) SetupOption {
	return func(s *Setup) {
		if sub.Status == "" {
			sub.Status = models.SubscriptionStatusSubscribed
		}
		mustInsert(s.DB, &sub)
	}
}

// WithAPIVersion adds an api_versions row to the DB during setup.
func WithAPIVersion(version models.APIVersion) SetupOption {
	return func(s *Setup) {
		version.CreatedAt = s.Clock.Now()
		version.UpdatedAt = s.Clock.Now()
		mustInsert(s.DB, &version)
	}
}

// WithAgentUser adds an agent_users row to the DB during setup.
func WithAgentUser(user models.AgentUser) SetupOption {
	return func(s *Setup) {
		if user.Role == "" {
			user.Role = models.RoleUser
		}
		mustInsert(s.DB, &user)
	}
}

func mustInsert(db *luna.DB, row any) {
	err := db.Insert(row)
	if err != nil {
		panic(err.Error())
	}
}

// NewSetup prepares a clean database and a full API handler for a test.
func NewSetup(t *testing.T, opts ...SetupOption) Setup {
	t.Helper()
	logg.ShowDebug = osext.GetenvBool("LUNA_DEBUG")

	var s Setup
	s.Clock = mock.NewClock()
	s.ClientCert = NewClientCert(t, s.Clock.Now())
	s.Config = luna.Configuration{
		Mode:              luna.ModeLocal,
		CertThumbprint:    s.ClientCert.Thumbprint,
		CertIssuer:        s.ClientCert.Issuer,
		CertSubject:       s.ClientCert.Subject,
		AADValidAudiences: []string{"api://luna-agent-tests"},
		AADTokenIssuer:    "https://sts.example.org/test-tenant/",
		AgentID:           "test-agent",
		AgentKey:          "unused",
	}

	// suitable for use with ./testing/with-postgres-db.sh
	postgresURLStr := fmt.Sprintf("postgres://postgres@localhost:%s/luna_agent?sslmode=disable",
		osext.GetenvOrDefault("LUNA_TEST_DB_PORT", "54321"))
	if os.Getenv("CI") == "true" {
		postgresURLStr = "postgres://postgres@localhost/luna_agent?sslmode=disable"
	}
	dbURL, err := url.Parse(postgresURLStr)
	if err != nil {
		t.Fatal(err.Error())
	}
	dbConn, err := easypg.Connect(*dbURL, luna.DBConfiguration())
	if err != nil {
		t.Error(err)
		t.Log("Try prepending ./testing/with-postgres-db.sh to your command.")
		t.FailNow()
	}
	s.DB = luna.InitORM(dbConn)

	// wipe the DB clean if there are any leftovers from the previous test run
	for _, tableName := range []string{"subscriptions", "api_versions", "aml_workspaces", "databricks_workspaces", "git_repos", "agent_users", "publishers"} {
		// all tables not mentioned above are cleared via ON DELETE CASCADE
		_, err := s.DB.Exec("DELETE FROM " + tableName)
		if err != nil {
			t.Fatal(err.Error())
		}
	}

	s.Backend = NewFakeBackend(s.Clock)
	s.AAD = NewMockAAD(t, s.Config)
	s.Config.AADDiscoveryURL = s.AAD.DiscoveryURL()

	secrets := static.NewWithSecrets(map[string]string{
		"test-git-pat": "supersecretpat",
	})
	checker := &auth.Checker{
		DB:      s.DB,
		Config:  s.Config,
		JWKS:    &auth.JWKSCache{DiscoveryURL: s.Config.AADDiscoveryURL, Client: s.AAD.Client()},
		TimeNow: s.Clock.Now,
	}
	dispatcher := &dispatch.Dispatcher{DB: s.DB, Provider: s.Backend, Secrets: secrets}
	tracker := &dispatch.Tracker{Provider: s.Backend}

	s.Handler = httpapi.Compose(
		agentapi.NewAPI(s.DB, checker, dispatcher, tracker),
		mgmtapi.NewAPI(s.Config, s.DB, checker, audittools.NewMockAuditor()),
		httpapi.WithoutLogging(),
	)

	for _, option := range opts {
		option(&s)
	}
	return s
}

// Now exists to satisfy places that want a plain function value.
func (s Setup) Now() time.Time {
	return s.Clock.Now()
}
