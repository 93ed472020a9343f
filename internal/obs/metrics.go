package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	credentialFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_credential_failures_total",
			Help: "Bearer credentials rejected before enrichment, by reason.",
		},
		[]string{"reason"},
	)

	enrichmentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_enrichment_failures_total",
			Help: "Claims enrichment failures that degraded the caller to verified claims only.",
		},
		[]string{"realm"},
	)

	usersProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_users_provisioned_total",
			Help: "Users created just-in-time during federated sign-in.",
		},
		[]string{"realm"},
	)

	groupSyncChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_group_sync_changes_total",
			Help: "Role assignments inserted or deleted by group synchronization.",
		},
		[]string{"op"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_policy_decisions_total",
			Help: "Authorization policy evaluations by outcome.",
		},
		[]string{"policy", "decision"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			credentialFailures, enrichmentFailures, usersProvisioned,
			groupSyncChanges, policyDecisions,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CredentialRejected counts a failed credential check.
func CredentialRejected(reason string) { credentialFailures.WithLabelValues(reason).Inc() }

// EnrichmentFailed counts an enrichment failure for the realm ("local" for locally issued tokens).
func EnrichmentFailed(realm string) { enrichmentFailures.WithLabelValues(realm).Inc() }

// UserProvisioned counts a just-in-time user creation.
func UserProvisioned(realm string) { usersProvisioned.WithLabelValues(realm).Inc() }

// GroupSyncChanged adds n inserted ("insert") or deleted ("delete") assignments.
func GroupSyncChanged(op string, n int) {
	if n > 0 {
		groupSyncChanges.WithLabelValues(op).Add(float64(n))
	}
}

// PolicyDecided counts a policy evaluation.
func PolicyDecided(policy string, permitted bool) {
	decision := "deny"
	if permitted {
		decision = "permit"
	}
	policyDecisions.WithLabelValues(policy, decision).Inc()
}

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		// the mux records the matched pattern on r while serving it
		path := RouteLabel(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// RouteLabel returns the matched ServeMux pattern without its method and host,
// or "other" for requests that only hit the catch-all route. Labels are thus
// bounded by the route table.
func RouteLabel(r *http.Request) string {
	p := r.Pattern
	if _, rest, ok := strings.Cut(p, " "); ok {
		p = strings.TrimSpace(rest)
	}
	if i := strings.IndexByte(p, '/'); i > 0 {
		p = p[i:]
	}
	if p == "" || p == "/" {
		return "other"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
