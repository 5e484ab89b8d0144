package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aquacost_aggregate_resolutions_total",
	Help: "Resolved aggregates by utility and resolution method",
}, []string{"utility", "method"})
