package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsDelivered counts notifications handed to subscriber
	// callbacks, labelled by delivery source (push|poll).
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_notifications_delivered_total",
			Help: "Total number of notifications delivered to subscribers",
		},
		[]string{"source"},
	)

	// TransportFailovers counts falls from push delivery back to polling.
	TransportFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlink_transport_failovers_total",
			Help: "Total number of push-to-polling failovers",
		},
	)

	// PushProbes counts push transport probe attempts by outcome
	// (success|failure|timeout|debounced).
	PushProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_push_probes_total",
			Help: "Total number of push transport probe attempts",
		},
		[]string{"result"},
	)

	// PollFetches counts polling fetches by outcome (ok|error).
	PollFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_poll_fetches_total",
			Help: "Total number of polling fetches against the store",
		},
		[]string{"result"},
	)

	// ActiveSubscriptions tracks subscriptions that have not been torn down.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_active_subscriptions",
			Help: "Number of active notification subscriptions",
		},
	)
)
