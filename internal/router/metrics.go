package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netkit_router_packets_forwarded_total",
			Help: "IPv4 packets routed and forwarded out an egress interface",
		},
	)

	metricPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netkit_router_packets_dropped_total",
			Help: "Packets dropped, labeled by reason",
		},
		[]string{"reason"},
	)

	metricICMPSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netkit_router_icmp_sent_total",
			Help: "ICMP messages generated by the router, labeled by type:code",
		},
		[]string{"type_code"},
	)

	metricArpCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netkit_router_arp_pending_total",
			Help: "Packets currently queued awaiting ARP resolution",
		},
	)
)
