package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "billify"

	resultLabel  = "result"
	outcomeLabel = "outcome"
)

// Job results
const (
	JobProcessed  = "processed"
	JobDuplicate  = "duplicate"
	JobInvalid    = "invalid"
	JobQuarantine = "quarantined"
	JobRetried    = "retried"
	JobFailed     = "failed"
)

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "number of queued jobs handled by the extraction worker, by result",
	},
	[]string{resultLabel},
)

var billsCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bills_created_total",
		Help:      "number of bills persisted",
	},
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "number of notification attempts, by outcome",
	},
	[]string{outcomeLabel},
)

var aggregationRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_runs_total",
		Help:      "number of monthly aggregation runs, by result",
	},
	[]string{resultLabel},
)

var analysisDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "time spent analyzing a document",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
)

func IncreaseJobsTotal(result string) {
	jobsTotal.With(prometheus.Labels{resultLabel: result}).Inc()
}

func IncreaseBillsCreated() {
	billsCreatedTotal.Inc()
}

func IncreaseNotificationsTotal(outcome string) {
	notificationsTotal.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseAggregationRuns(result string) {
	aggregationRunsTotal.With(prometheus.Labels{resultLabel: result}).Inc()
}

func ObserveAnalysisDuration(d time.Duration) {
	analysisDuration.Observe(d.Seconds())
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(billsCreatedTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(aggregationRunsTotal)
	prometheus.MustRegister(analysisDuration)
}

// Handler serves the default registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
