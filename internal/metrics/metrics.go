package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "energy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_reservations_total",
			Help: "Total number of reserve calls by outcome.",
		},
		[]string{"outcome"},
	)

	SettlementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_settlements_total",
			Help: "Total number of settled reservations.",
		},
	)

	RefundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_refunds_total",
			Help: "Total number of refunded reservations.",
		},
	)

	GrantsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_grants_total",
			Help: "Total number of credit grants.",
		},
	)

	CreditsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_credits_spent_total",
			Help: "Total credits charged at settlement.",
		},
	)

	CreditsGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_credits_granted_total",
			Help: "Total credits added by grants.",
		},
	)

	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_credits_refunded_total",
			Help: "Total credits returned by refunds.",
		},
	)

	QuotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_quota_decisions_total",
			Help: "Total quota consumption decisions by window and outcome.",
		},
		[]string{"window", "decision"},
	)

	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_reaper_sweeps_total",
			Help: "Total number of reaper sweeps.",
		},
	)

	ReaperRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_reaper_refunds_total",
			Help: "Total stale reservations processed by the reaper, by result.",
		},
		[]string{"result"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_webhook_events_total",
			Help: "Total payment webhook deliveries by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		SettlementsTotal,
		RefundsTotal,
		GrantsTotal,
		CreditsSpentTotal,
		CreditsGrantedTotal,
		CreditsRefundedTotal,
		QuotaDecisionsTotal,
		ReaperSweepsTotal,
		ReaperRefundsTotal,
		WebhookEventsTotal,
	)
}
