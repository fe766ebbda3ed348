package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_command_count",
		Help: "The number of commands processed by the queue (per status).",
	}, []string{"status"})
	cr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_command_retry_count",
		Help: "The number of command retransmissions.",
	})
	rx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rx_packet_count",
		Help: "The number of received packets (per kind).",
	}, []string{"kind"})
	re = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rx_error_count",
		Help: "The number of received packets that failed checksum or decode.",
	})
	tx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tx_packet_count",
		Help: "The number of transmitted packets (per kind).",
	}, []string{"kind"})
	dr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_discovery_round_count",
		Help: "The number of discovery rounds executed.",
	})
)

func commandCounter(status string) prometheus.Counter {
	return cc.With(prometheus.Labels{"status": status})
}

func retryCounter() prometheus.Counter {
	return cr
}

func rxPacketCounter(kind string) prometheus.Counter {
	return rx.With(prometheus.Labels{"kind": kind})
}

func rxErrorCounter() prometheus.Counter {
	return re
}

func txPacketCounter(kind string) prometheus.Counter {
	return tx.With(prometheus.Labels{"kind": kind})
}

func discoveryRoundCounter() prometheus.Counter {
	return dr
}
