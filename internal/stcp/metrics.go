package stcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkit_stcp_connections_active",
			Help: "STCP connections currently past the handshake and not yet closed",
		},
	)

	metricBytesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_stcp_bytes_delivered_total",
			Help: "Application payload bytes delivered to the receiving application",
		},
	)

	metricSegmentsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_stcp_segments_sent_total",
			Help: "STCP segments emitted, including pure ACKs",
		},
	)
)
