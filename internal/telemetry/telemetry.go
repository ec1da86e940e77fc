// Package telemetry exposes Prometheus metrics for the scheduling engine.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	searchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applypilot_search_pages_total",
			Help: "Total number of search result pages fetched, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	linksDiscoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applypilot_links_discovered_total",
			Help: "Posting links discovered, labeled by outcome (new, duplicate).",
		},
		[]string{"outcome"},
	)

	applicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applypilot_applications_total",
			Help: "Application queue transitions, labeled by terminal status.",
		},
		[]string{"status"},
	)

	quotaExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applypilot_quota_exhausted_total",
			Help: "Times a user's daily quota forced an item into standby, labeled by tier.",
		},
		[]string{"tier"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	governorDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "applypilot_governor_delay_seconds",
			Help:    "Histogram of rate governor wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	workerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applypilot_worker_running",
			Help: "1 while the application queue worker is running.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveSearchPage records metrics for a fetched search results page.
func ObserveSearchPage(site string, statusCode int) {
	searchPagesTotal.WithLabelValues(SanitizeSite(site), strconv.Itoa(statusCode)).Inc()
}

// ObserveLinks records discovered link counts split into new vs duplicate.
func ObserveLinks(newLinks, duplicates int) {
	if newLinks > 0 {
		linksDiscoveredTotal.WithLabelValues("new").Add(float64(newLinks))
	}
	if duplicates > 0 {
		linksDiscoveredTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
}

// ObserveApplication records a terminal application transition.
func ObserveApplication(status string) {
	applicationsTotal.WithLabelValues(status).Inc()
}

// ObserveQuotaExhausted records a standby transition caused by quota exhaustion.
func ObserveQuotaExhausted(tier string) {
	quotaExhaustedTotal.WithLabelValues(tier).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveGovernorDelay records the duration of a rate governor wait.
func ObserveGovernorDelay(domain string, duration time.Duration) {
	governorDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetWorkerRunning flips the worker lifecycle gauge.
func SetWorkerRunning(running bool) {
	if running {
		workerRunning.Set(1)
	} else {
		workerRunning.Set(0)
	}
}
