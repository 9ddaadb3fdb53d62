package prometheusapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

type App struct {
	log              *slog.Logger
	port             int
	Registry         *prometheus.Registry
	ScansTotal       *prometheus.CounterVec
	BulkCreatedTotal prometheus.Counter
	ResetsTotal      prometheus.Counter
	PanicsTotal      prometheus.Counter
	requestDuration  *prometheus.HistogramVec
}

func New(log *slog.Logger, port int) *App {
	reg := prometheus.NewRegistry()

	scansTotal := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "passgate_scans_total",
		Help: "Total number of verification attempts by result.",
	}, []string{"result"})
	bulkCreatedTotal := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "passgate_bulk_passes_created_total",
		Help: "Total number of passes created by bulk provisioning.",
	})
	resetsTotal := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "passgate_daily_resets_total",
		Help: "Total number of performed daily resets.",
	})
	panicsTotal := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "passgate_http_panics_recovered_total",
		Help: "Total number of HTTP requests recovered from internal panic.",
	})
	requestDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "passgate_http_request_duration_seconds",
		Help:    "HTTP request handling time.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20, 30, 60, 90, 120},
	}, []string{"method", "path"})

	return &App{
		log:              log,
		port:             port,
		Registry:         reg,
		ScansTotal:       scansTotal,
		BulkCreatedTotal: bulkCreatedTotal,
		ResetsTotal:      resetsTotal,
		PanicsTotal:      panicsTotal,
		requestDuration:  requestDuration,
	}
}

// Middleware times every request, attaching a traceID exemplar when the
// request context carries a sampled span.
func (a *App) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		elapsed := time.Since(start).Seconds()

		observer := a.requestDuration.WithLabelValues(r.Method, r.URL.Path)
		if span := trace.SpanContextFromContext(r.Context()); span.IsSampled() {
			if exemplarObs, ok := observer.(prometheus.ExemplarObserver); ok {
				exemplarObs.ObserveWithExemplar(elapsed, prometheus.Labels{"traceID": span.TraceID().String()})
				return
			}
		}
		observer.Observe(elapsed)
	})
}

func (a *App) MustRun() {
	err := a.Run()
	if errors.Is(err, http.ErrServerClosed) {
		a.log.Info("Prometheus server closed", sl.Err(err))
	} else if err != nil {
		a.log.Error("Failed to start Prometheus", sl.Err(err))
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "prometheusapp.Run"
	log := a.log.With(slog.String("op", op), slog.Int("port", a.port))

	log.Info("exposing Prometheus metrics")

	http.Handle("/metrics", promhttp.HandlerFor(
		a.Registry,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics e.g. to support exemplars.
			EnableOpenMetrics: true,
		},
	))

	return http.ListenAndServe(fmt.Sprintf(":%d", a.port), nil)
}
