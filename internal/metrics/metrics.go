// Package metrics holds the node's Prometheus instruments. The web
// façade serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayTargets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_relay_targets_total",
		Help: "Per-target relay outcomes.",
	}, []string{"outcome"}) // reached, failed, buffered

	RelayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synapse_relay_latency_ms",
		Help:    "Wall time of relaySignal calls in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	BufferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_buffer_transitions_total",
		Help: "Buffered signal state transitions.",
	}, []string{"status"}) // delivered, expired, failed

	DatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_datagrams_received_total",
		Help: "Datagrams read off the UDP socket.",
	})

	DatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_datagrams_dropped_total",
		Help: "Datagrams dropped before dispatch.",
	}, []string{"reason"}) // decode, tumbler, ratelimit
)
