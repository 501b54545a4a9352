package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troubleshoot_sessions_started_total",
			Help: "Total diagnostic sessions started",
		},
	)

	StepsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_steps_generated_total",
			Help: "Diagnostic steps generated, by solution source",
		},
		[]string{"source"},
	)

	StepConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troubleshoot_step_confidence_score",
			Help:    "Confidence scores of generated steps",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_feedback_total",
			Help: "Step feedback received, by value",
		},
		[]string{"feedback"},
	)

	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_sessions_terminated_total",
			Help: "Sessions reaching a terminal status",
		},
		[]string{"status"},
	)

	StaleSubmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "troubleshoot_stale_submissions_total",
			Help: "Feedback submissions rejected because the step was no longer open",
		},
	)

	GenerationFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_generation_fallbacks_total",
			Help: "Generation calls that degraded to templates",
		},
		[]string{"operation"},
	)

	LearningRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_learning_runs_total",
			Help: "Learning engine runs, by result",
		},
		[]string{"result"},
	)

	LearningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "troubleshoot_learning_duration_seconds",
			Help:    "Learning engine run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_escalation_notifications_total",
			Help: "Escalation notifications, by delivery status",
		},
		[]string{"status"},
	)

	FactCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "troubleshoot_fact_cache_requests_total",
			Help: "Machine fact cache lookups",
		},
		[]string{"result"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "troubleshoot_request_duration_seconds",
			Help:    "Diagnostic API request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"operation", "status"},
	)
)

func Init() {
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(StepsGenerated)
	prometheus.MustRegister(StepConfidence)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(SessionsTerminated)
	prometheus.MustRegister(StaleSubmissions)
	prometheus.MustRegister(GenerationFallbacks)
	prometheus.MustRegister(LearningRuns)
	prometheus.MustRegister(LearningDuration)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(FactCacheRequests)
	prometheus.MustRegister(RequestDuration)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
