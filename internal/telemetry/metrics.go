package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsScheduled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_posts_scheduled_total", Help: "Posts accepted for scheduling"})
	PostsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_posts_claimed_total", Help: "Due posts claimed by the dispatcher"})
	PostsReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_posts_reclaimed_total", Help: "Stuck processing posts reclaimed after a dispatcher died"})
	TargetsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_published_total", Help: "Targets published successfully"})
	TargetsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_failed_total", Help: "Targets that reached terminal failure"})
	TargetsDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_deferred_total", Help: "Target attempts deferred by rate limiting"})
	TokenRefreshes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_token_refreshes_total", Help: "OAuth token refreshes performed"})
	AccountsFaulted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_accounts_faulted_total", Help: "Accounts faulted by revoked credentials"})
	EventsDelivered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_events_delivered_total", Help: "Lifecycle events delivered to Kafka"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_targets_inflight", Help: "Target executions currently running"})
	DuePostsGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_posts_due", Help: "Scheduled posts at or past their publish time"})
	DeferredDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_deferred_depth", Help: "Deferred target attempts waiting in Redis"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsScheduled,
			PostsClaimed,
			PostsReclaimed,
			TargetsPublished,
			TargetsFailed,
			TargetsDeferred,
			TokenRefreshes,
			AccountsFaulted,
			EventsDelivered,
			InFlightGauge,
			DuePostsGauge,
			DeferredDepthGauge,
		)
	})
	return promhttp.Handler()
}
