package metrics

// Metrics emitted by the lifecycle core. They register on Default so both
// binaries expose them through DefaultHandler.
var (
	StatusTransitions = NewCounterVec(Opts{
		Name: "lifecycle_status_transitions_total",
		Help: "Persisted event status transitions.",
	}, []string{"from", "to"})

	ReconcileFailures = NewCounterVec(Opts{
		Name: "lifecycle_status_reconcile_failures_total",
		Help: "Events whose status transition could not be persisted.",
	}, []string{"reason"})

	UnendedEvents = NewGauge(Opts{
		Name: "lifecycle_unended_events",
		Help: "Events examined by the last reconciliation run.",
	})

	NotificationsSent = NewCounterVec(Opts{
		Name: "lifecycle_notifications_sent_total",
		Help: "Notifications written by the fanout job.",
	}, []string{"type"})

	CheckoutOutcomes = NewCounterVec(Opts{
		Name: "checkout_outcomes_total",
		Help: "Checkout attempts by terminal state.",
	}, []string{"state"})

	JobRuns = NewCounterVec(Opts{
		Name: "lifecycle_job_runs_total",
		Help: "Scheduled job invocations by result.",
	}, []string{"job", "result"})

	JobDuration = NewHistogramVec(Opts{
		Name: "lifecycle_job_duration_seconds",
		Help: "Wall time of scheduled job runs.",
	}, []string{"job"}, DurationBuckets)

	GatewayLatency = NewHistogramVec(Opts{
		Name: "checkout_gateway_request_seconds",
		Help: "Payment gateway session calls by outcome.",
	}, []string{"outcome"}, DurationBuckets)

	cartSessionsEvictedVec, CartSessionsEvicted = NewCounter(Opts{
		Name: "cart_sessions_evicted_total",
		Help: "Cart sessions dropped for idleness or capacity.",
	})
)

func init() {
	Default.MustRegister(
		StatusTransitions,
		ReconcileFailures,
		UnendedEvents,
		NotificationsSent,
		CheckoutOutcomes,
		JobRuns,
		JobDuration,
		GatewayLatency,
		cartSessionsEvictedVec,
	)
}
