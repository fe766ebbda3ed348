package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_mqtt_event_count",
		Help: "The number of published telemetry events.",
	})
	pe = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_mqtt_event_error_count",
		Help: "The number of telemetry events that failed to publish.",
	})
	cc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_mqtt_connect_count",
		Help: "The number of times the integration connected to the broker.",
	})
	dc = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integration_mqtt_disconnect_count",
		Help: "The number of times the integration lost the broker connection.",
	})
)

func mqttPublishCounter() prometheus.Counter {
	return pc
}

func mqttPublishErrorCounter() prometheus.Counter {
	return pe
}

func mqttConnectCounter() prometheus.Counter {
	return cc
}

func mqttDisconnectCounter() prometheus.Counter {
	return dc
}
