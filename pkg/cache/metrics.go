package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquacost_cache_hits_total",
		Help: "Live cache hits by cache name",
	}, []string{"cache"})

	misses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquacost_cache_fetches_total",
		Help: "Upstream fetches started by cache name",
	}, []string{"cache"})

	waits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquacost_cache_singleflight_waits_total",
		Help: "Callers that joined an in-flight fetch instead of starting one",
	}, []string{"cache"})

	staleFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquacost_cache_stale_fallbacks_total",
		Help: "Fetch failures served from an expired cache entry",
	}, []string{"cache"})

	deferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquacost_cache_startup_deferrals_total",
		Help: "Requests answered without fetching because the process was starting up",
	}, []string{"cache"})
)
