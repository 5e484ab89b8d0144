package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aquacost_metering_requests_total",
	Help: "Requests against the metering API by endpoint and outcome",
}, []string{"endpoint", "outcome"})
