package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_command_count",
		Help: "The number of commands received (per command).",
	}, []string{"command"})
	ce = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_command_error_count",
		Help: "The number of received packets that failed checksum or decode.",
	})
	dd = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_command_duplicate_count",
		Help: "The number of duplicate commands answered from the ack cache.",
	})
	ac = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_ack_count",
		Help: "The number of acks transmitted.",
	})
	bc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_broadcast_count",
		Help: "The number of telemetry broadcasts.",
	})
	sc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_stream_count",
		Help: "The number of bulk payload streams transmitted.",
	})
	se = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_sensor_error_count",
		Help: "The number of sensor read errors (per class).",
	}, []string{"class"})
)

func commandCounter(name string) prometheus.Counter {
	return cc.With(prometheus.Labels{"command": name})
}

func commandErrorCounter() prometheus.Counter {
	return ce
}

func dedupCounter() prometheus.Counter {
	return dd
}

func ackCounter() prometheus.Counter {
	return ac
}

func broadcastCounter() prometheus.Counter {
	return bc
}

func streamCounter() prometheus.Counter {
	return sc
}

func sensorErrorCounter(class string) prometheus.Counter {
	return se.With(prometheus.Labels{"class": class})
}
