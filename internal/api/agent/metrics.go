// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package agentapi

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapcc/luna-agent/internal/luna"
)

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "luna_operation_dispatches_total",
	Help: "Number of operation dispatches, by plan type and outcome.",
}, []string{"plan_type", "outcome"})

func countDispatch(planType string, err error) {
	outcome := "success"
	var userErr *luna.Error
	switch {
	case errors.As(err, &userErr):
		outcome = "user-error"
	case err != nil:
		outcome = "server-error"
	}
	dispatchCounter.WithLabelValues(planType, outcome).Inc()
}
