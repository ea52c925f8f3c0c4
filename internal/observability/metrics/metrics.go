package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	TrialStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trial_starts_total",
			Help: "Total number of startTrial calls by outcome.",
		},
		[]string{"service", "result"},
	)

	TrialValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trial_validations_total",
			Help: "Total number of validateTrial calls by outcome.",
		},
		[]string{"service", "result"},
	)

	AbuseVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuse_verdicts_total",
			Help: "Abuse patterns matched while scoring requests.",
		},
		[]string{"service", "pattern"},
	)

	AttestationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestation_rejections_total",
			Help: "Attestation tokens rejected by reason.",
		},
		[]string{"service", "reason"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	TrialStartsTotal = TrialStartsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	TrialValidationsTotal = TrialValidationsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	AbuseVerdictsTotal = AbuseVerdictsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	AttestationRejectionsTotal = AttestationRejectionsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		TrialStartsTotal,
		TrialValidationsTotal,
		AbuseVerdictsTotal,
		AttestationRejectionsTotal,
	)
}
