package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_request_count",
		Help: "The number of API requests served (per top-level route).",
	}, []string{"route"})
)

func requestCounter(route string) prometheus.Counter {
	return rc.With(prometheus.Labels{"route": route})
}
