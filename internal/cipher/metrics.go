package cipher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkit_cipher_sessions_active",
			Help: "Connections currently open on the cipher server",
		},
	)

	metricMessagesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_cipher_messages_served_total",
			Help: "Request/reply messages completed",
		},
	)
)
