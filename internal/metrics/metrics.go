package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	EmailsSent         prometheus.Counter
	EmailsFailed       prometheus.Counter
	DispatchRuns       *prometheus.CounterVec
	CampaignsSubmitted *prometheus.CounterVec
	SubscriptionsSwept prometheus.Counter
}

// New registers every metric on reg, or on the default registry when reg is
// nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicksend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quicksend_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		EmailsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "quicksend_emails_sent_total",
			Help: "Total number of campaign emails accepted by Gmail",
		}),
		EmailsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "quicksend_emails_failed_total",
			Help: "Total number of campaign emails that failed or were not attempted",
		}),
		DispatchRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicksend_dispatch_runs_total",
				Help: "Total number of dispatch runs by terminal status",
			},
			[]string{"status"},
		),
		CampaignsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicksend_campaigns_submitted_total",
				Help: "Total number of accepted campaign submissions",
			},
			[]string{"mode"},
		),
		SubscriptionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "quicksend_subscriptions_expired_total",
			Help: "Total number of subscriptions deactivated by the expiry sweep",
		}),
	}
}

// Middleware records request counts and latency keyed by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
