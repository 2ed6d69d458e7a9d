// Package metrics defines the Prometheus collectors of the auction engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BidsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_bids_submitted_total",
		Help: "Bid submissions by outcome (enqueued, duplicate, rejected).",
	}, []string{"result"})

	BidsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_bids_processed_total",
		Help: "Dequeued bids by outcome (accepted, rejected, failed).",
	}, []string{"result"})

	Snipes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flashbid_snipe_extensions_total",
		Help: "Anti-snipe end time extensions applied.",
	})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_state_transitions_total",
		Help: "Auction state transitions by target status.",
	}, []string{"status"})

	TriggersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_triggers_fired_total",
		Help: "Scheduled triggers handled by kind and outcome.",
	}, []string{"kind", "result"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_broadcast_deliveries_total",
		Help: "Per-connection broadcast deliveries by outcome.",
	}, []string{"result"})

	ActiveSources = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flashbid_attached_bid_queues",
		Help: "Bid queues attached to the worker pool in the last poll.",
	})

	MailJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_mail_jobs_total",
		Help: "Outbound mail jobs by kind and outcome.",
	}, []string{"kind", "result"})

	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_operator_alerts_total",
		Help: "Operator alerts by event and outcome (sent, filtered, failed).",
	}, []string{"event", "result"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbid_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})
)

func init() {
	prometheus.MustRegister(
		BidsSubmitted, BidsProcessed, Snipes, Transitions, TriggersFired,
		Deliveries, ActiveSources, MailJobs, Alerts, HTTPRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
