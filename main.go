// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	apicmd "github.com/sapcc/luna-agent/cmd/api"

	// include all known driver implementations
	_ "github.com/sapcc/luna-agent/internal/drivers/keyvault"
	_ "github.com/sapcc/luna-agent/internal/drivers/static"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("LUNA_DEBUG")

	rootCmd := &cobra.Command{
		Use:   "luna-agent",
		Short: "API gateway for published AI services",
		Long:  "Luna agent is the API gateway through which subscribers call published AI services. It authenticates callers, dispatches their requests to the linked execution backends and tracks the resulting operations.",
	}
	apicmd.AddCommandTo(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
