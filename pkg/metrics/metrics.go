package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_bus_messages_total",
			Help: "Messages handled by the event bus, by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)
	messagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_bus_published_total",
			Help: "Domain events published, by routing key.",
		},
		[]string{"routing_key"},
	)
	handlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileflow_bus_handler_duration_seconds",
			Help:    "Handler latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"queue"},
	)
	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileflow_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
		},
		[]string{"pipeline", "stage", "outcome"},
	)
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileflow_realtime_connections",
			Help: "Open realtime connections.",
		},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_realtime_frames_total",
			Help: "Realtime frames written, by outcome.",
		},
		[]string{"outcome"},
	)

	registerOnce sync.Once
)

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesHandled, messagesPublished, handlerLatency, stageLatency, liveConnections, framesSent)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func IncMessage(queue, outcome string) {
	messagesHandled.WithLabelValues(queue, outcome).Inc()
}

func IncPublished(routingKey string) {
	messagesPublished.WithLabelValues(routingKey).Inc()
}

func ObserveHandler(queue string, d time.Duration) {
	handlerLatency.WithLabelValues(queue).Observe(d.Seconds())
}

func ObserveStage(pipeline, stage, outcome string, d time.Duration) {
	stageLatency.WithLabelValues(pipeline, stage, outcome).Observe(d.Seconds())
}

func AddConnections(delta int) {
	liveConnections.Add(float64(delta))
}

func IncFrame(outcome string) {
	framesSent.WithLabelValues(outcome).Inc()
}
