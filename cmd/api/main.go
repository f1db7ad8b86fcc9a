// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpapi/pprofapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	agentapi "github.com/sapcc/luna-agent/internal/api/agent"
	mgmtapi "github.com/sapcc/luna-agent/internal/api/mgmt"
	"github.com/sapcc/luna-agent/internal/auth"
	"github.com/sapcc/luna-agent/internal/dispatch"
	"github.com/sapcc/luna-agent/internal/drivers"
	"github.com/sapcc/luna-agent/internal/drivers/azure"
	"github.com/sapcc/luna-agent/internal/luna"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the luna-agent API server.",
		Long:  "Run the luna-agent API server. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, _ = cmd, args

	cfg := luna.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)
	auditor := must.Return(luna.InitAuditTrail(ctx))

	dbURL, dbName := luna.GetDatabaseURLFromEnvironment()
	dbConn := must.Return(easypg.Connect(dbURL, luna.DBConfiguration()))
	prometheus.MustRegister(sqlstats.NewStatsCollector(dbName, dbConn))
	db := luna.InitORM(dbConn)

	sd := must.Return(luna.NewSecretDriver(osext.MustGetenv("LUNA_DRIVER_SECRETS")))
	tokens := &azure.TokenSource{
		Secrets: sd,
		Cache:   luna.NewTokenCacheFromEnvironment(),
	}

	checker := &auth.Checker{
		DB:      db,
		Config:  cfg,
		JWKS:    &auth.JWKSCache{DiscoveryURL: cfg.AADDiscoveryURL},
		TimeNow: time.Now,
	}
	provider := &drivers.Provider{DB: db, Mode: cfg.Mode, Tokens: tokens}
	dispatcher := &dispatch.Dispatcher{DB: db, Provider: provider, Secrets: sd}
	tracker := &dispatch.Tracker{Provider: provider}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "User-Agent", "Authorization", "api-key", "Luna-Subscription", "Luna-User"},
	})
	handler := httpapi.Compose(
		agentapi.NewAPI(db, checker, dispatcher, tracker),
		mgmtapi.NewAPI(cfg, db, checker, auditor),
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				return db.Db.PingContext(ctx)
			},
		},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	apiListenAddress := osext.GetenvOrDefault("LUNA_API_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, apiListenAddress, mux))
}
