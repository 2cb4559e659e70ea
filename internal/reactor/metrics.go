package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkit_reactor_sessions_registered",
			Help: "Number of descriptors currently registered with the reactor",
		},
	)

	metricAccepts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_reactor_accepts_total",
			Help: "Connections accepted on the listening descriptor",
		},
	)

	metricRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_reactor_accepts_rejected_total",
			Help: "Connections closed immediately because capacity was reached",
		},
	)
)
