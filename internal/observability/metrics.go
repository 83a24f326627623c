package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsOpened = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_booking", Name: "bookings_opened_total", Help: "Total booking attempts opened"})
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_booking", Name: "state_transitions_total", Help: "Booking state transitions"},
		[]string{"state"},
	)
	GuidePollsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_booking", Name: "guide_polls_total", Help: "Guide confirmation polls issued"})
	GuideDecisions  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_booking", Name: "guide_decisions_total", Help: "Terminal guide confirmation decisions observed"},
		[]string{"status"},
	)
	PaymentIntentsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_booking", Name: "payment_intents_created_total", Help: "Payment intents created with the processor"})
	RecorderAttempts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_booking", Name: "recorder_attempts_total", Help: "Payment completion record attempts"})
	RecorderEscalations   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_booking", Name: "recorder_escalations_total", Help: "Payment records escalated to out-of-band reconciliation"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_booking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_booking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
