package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics groups the collectors recorded for every API request.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers and returns HTTP collectors. Collectors already
// present in reg are reused.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = []float64{1, 5, 10, 25, 50, 100, 250, 1000}
	} else {
		sort.Float64s(buckets)
	}
	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
	m.ReqTotal = registerOrReuse(reg, m.ReqTotal)
	m.ReqDur = registerOrReuse(reg, m.ReqDur)
	m.InFlight = registerOrReuse(reg, m.InFlight)
	return m
}

// ParseBucketsCSV converts a comma-separated list of millisecond bucket
// boundaries into floats. Invalid and non-positive entries are skipped.
func ParseBucketsCSV(csv string) []float64 {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(fmt.Errorf("register http metric: %w", err))
}
