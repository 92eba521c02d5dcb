package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WeatherAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_weather_api_calls_total",
			Help: "Total weather archive API calls",
		},
		[]string{"site", "status"},
	)

	WeatherAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vertriqe_weather_api_latency_seconds",
			Help:    "Weather archive API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	HourlyTemperaturesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_hourly_temperatures_ingested_total",
			Help: "Total hourly temperature samples stored",
		},
		[]string{"site"},
	)

	BillsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_bills_imported_total",
			Help: "Total billing periods imported",
		},
		[]string{"site", "source"},
	)

	OptimizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_optimizations_total",
			Help: "Baseline optimisations by winning model family",
		},
		[]string{"best", "valid"},
	)

	FitFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_fit_fallbacks_total",
			Help: "Model fits that fell back to a simpler family",
		},
		[]string{"requested", "used"},
	)

	FitExclusions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_fit_exclusions_total",
			Help: "Model families excluded from an optimisation",
		},
		[]string{"family"},
	)

	OptimizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vertriqe_optimize_duration_seconds",
			Help:    "Baseline optimisation latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	BaselineCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertriqe_baseline_cache_total",
			Help: "Baseline result cache lookups",
		},
		[]string{"result"},
	)
)
