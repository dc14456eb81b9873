package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromObserver mirrors the gateway event stream into Prometheus instruments.
type PromObserver struct {
	activeSessions  prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	providerAttempt *prometheus.CounterVec
	providerLatency prometheus.Histogram
	interruptions   prometheus.Counter
	degradedAudio   prometheus.Counter
}

func NewPromObserver(namespace string) *PromObserver {
	if namespace == "" {
		namespace = "voicewire"
	}
	return &PromObserver{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active streaming sessions.",
		}),
		sessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		providerAttempt: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Synthesis attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Synthesis setup latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 1500, 2000},
		}),
		interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in interruptions delivered to clients.",
		}),
		degradedAudio: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_audio_total",
			Help:      "Outbound chunks dropped due to backpressure.",
		}),
	}
}

func (p *PromObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.activeSessions.Inc()
		p.sessionEvents.WithLabelValues(ev.Name).Inc()
	case EventSessionEnded:
		p.activeSessions.Dec()
		p.sessionEvents.WithLabelValues(ev.Name).Inc()
	case EventStaleReaped:
		// The registry destroys the reaped session right after, which
		// emits session_ended; only that event moves the gauge.
		p.sessionEvents.WithLabelValues(ev.Name).Inc()
	case EventProviderAttempt:
		p.providerAttempt.WithLabelValues(ev.Tags["provider"], ev.Tags["outcome"]).Inc()
		if ev.Tags["outcome"] == "success" {
			p.providerLatency.Observe(ev.Value)
		}
	case EventInterruption:
		p.interruptions.Inc()
	case EventAudioDegraded:
		p.degradedAudio.Inc()
	default:
		p.sessionEvents.WithLabelValues(ev.Name).Inc()
	}
}

// Handler exposes the default Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
