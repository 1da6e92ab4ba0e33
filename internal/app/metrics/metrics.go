// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	// AuthOutcomes counts login/refresh/proxy-bootstrap outcomes.
	AuthOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Authentication outcomes by domain and result.",
		},
		[]string{"domain", "result"},
	)

	// DiscoveryPushes counts discovery resource pushes per cluster/status.
	DiscoveryPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "discovery",
			Name:      "pushes_total",
			Help:      "Discovery snapshot pushes by cluster and ack outcome.",
		},
		[]string{"cluster_id", "outcome"},
	)

	// DiscoveryPushLatency measures commit-to-first-byte latency of discovery pushes.
	DiscoveryPushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "discovery",
			Name:      "push_latency_seconds",
			Help:      "Latency from entity commit to first byte of discovery push.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	// DiscoveryActiveStreams is a gauge of currently open discovery streams.
	DiscoveryActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "discovery",
			Name:      "active_streams",
			Help:      "Number of currently open discovery streams.",
		},
	)

	// ProxiesPerCluster is a gauge of known proxies per cluster.
	ProxiesPerCluster = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "proxies",
			Name:      "known_total",
			Help:      "Known proxy registrations per cluster by status.",
		},
		[]string{"cluster_id", "status"},
	)

	// SnapshotVersions is a gauge tracking the current snapshot version count per cluster.
	SnapshotVersions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "snapshot",
			Name:      "versions_resident",
			Help:      "Number of snapshot versions resident in cache per cluster.",
		},
		[]string{"cluster_id"},
	)

	// LicenseDecisions counts license gate verdicts.
	LicenseDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "license",
			Name:      "decisions_total",
			Help:      "License gate decisions by verdict source and result.",
		},
		[]string{"source", "result"},
	)

	// CertificatesIssued counts certificate issuance by usage.
	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "ca",
			Name:      "certificates_issued_total",
			Help:      "Certificates issued by the CA component, by usage.",
		},
		[]string{"usage"},
	)

	// CertificatesRevoked counts revocations.
	CertificatesRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "ca",
			Name:      "certificates_revoked_total",
			Help:      "Total certificates revoked (appended to CRL).",
		},
	)

	registerOnce sync.Once
)

func init() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			httpInFlight,
			httpRequests,
			httpDuration,
			AuthOutcomes,
			DiscoveryPushes,
			DiscoveryPushLatency,
			DiscoveryActiveStreams,
			ProxiesPerCluster,
			SnapshotVersions,
			LicenseDecisions,
			CertificatesIssued,
			CertificatesRevoked,
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	})
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

// canonicalPath replaces path segments that look like ids with a fixed
// placeholder so the requests_total cardinality stays bounded.
func canonicalPath(raw string) string {
	segments := strings.Split(raw, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) < 8 {
		return false
	}
	hasDigit, hasDash := false, false
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '-':
			hasDash = true
		}
	}
	return hasDigit && hasDash
}
