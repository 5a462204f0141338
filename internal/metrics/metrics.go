package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freshness"

// Collectors groups every metric the service exports.
type Collectors struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	daysRemaining   prometheus.Histogram
	predictLatency  prometheus.Histogram
	failures        *prometheus.CounterVec
	modelReady      prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the
// standard process and Go runtime collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Successful predictions by cache source",
		}, []string{"source"}),
		daysRemaining: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "days_remaining",
			Help:      "Distribution of clamped predictions",
			Buckets:   []float64{0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
		}),
		predictLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time from readiness check to clamped result",
			Buckets:   prometheus.DefBuckets,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_failures_total",
			Help:      "Failed predictions by pipeline stage",
		}, []string{"stage"}),
		modelReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_ready",
			Help:      "1 when the model artifact is loaded",
		}),
	}

	reg.MustRegister(
		c.requests, c.requestDuration,
		c.predictions, c.daysRemaining, c.predictLatency, c.failures,
		c.modelReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// SetModelReady records the loader outcome.
func (c *Collectors) SetModelReady(ready bool) {
	if ready {
		c.modelReady.Set(1)
		return
	}
	c.modelReady.Set(0)
}

// ObservePrediction implements usecase.Metrics.
func (c *Collectors) ObservePrediction(days float64, cached bool, elapsed time.Duration) {
	source := "model"
	if cached {
		source = "cache"
	}
	c.predictions.WithLabelValues(source).Inc()
	c.daysRemaining.Observe(days)
	c.predictLatency.Observe(elapsed.Seconds())
}

// ObserveFailure implements usecase.Metrics.
func (c *Collectors) ObserveFailure(stage string) {
	c.failures.WithLabelValues(stage).Inc()
}

// Middleware counts and times every request by its route template.
func (c *Collectors) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.requests.WithLabelValues(path, ctx.Request.Method, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}
