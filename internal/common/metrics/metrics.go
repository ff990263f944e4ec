package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublicRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "public_gateway_requests_total",
			Help: "Total number of public gateway requests by action and status",
		},
		[]string{"action", "status"},
	)

	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "public_token_validations_total",
			Help: "Total number of token validations by outcome",
		},
		[]string{"outcome"},
	)

	SweepDemotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_expiry_demotions_total",
			Help: "Total number of contracts demoted to contract_expired by the sweeper",
		},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatch_failures_total",
			Help: "Total number of failed notification dispatches by channel",
		},
		[]string{"channel"},
	)
)
