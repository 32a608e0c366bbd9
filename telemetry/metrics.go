package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	LeadsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "leads_submitted_total", Help: "Leads created through the public intake"})
	DuplicateRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leads_duplicate_rejects_total", Help: "Submissions rejected because the email already exists"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leads_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	LeadsDeleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "leads_deleted_total", Help: "Leads deleted"})
	ResourceReleaseFail = prometheus.NewCounter(prometheus.CounterOpts{Name: "leads_resource_release_failures_total", Help: "Stored resumes that could not be released"})
	NotificationsSent   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leads_notifications_total", Help: "Notification sends by recipient kind and outcome"}, []string{"kind", "outcome"})
	DispatchesInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leads_dispatches_inflight", Help: "Detached notification dispatches currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			LeadsSubmitted,
			DuplicateRejects,
			RateLimitRejects,
			LeadsDeleted,
			ResourceReleaseFail,
			NotificationsSent,
			DispatchesInFlight,
		)
	})
	return promhttp.Handler()
}
