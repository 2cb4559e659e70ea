package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkit_proxy_sessions_active",
			Help: "Client connections currently being proxied",
		},
	)

	metricBlacklistHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_proxy_blacklist_hits_total",
			Help: "Requests rewritten to the warning page by the blacklist",
		},
	)

	metricRequestsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_proxy_requests_completed_total",
			Help: "Requests whose response was fully forwarded to the client",
		},
	)
)
