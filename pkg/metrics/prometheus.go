package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver maps session events onto Prometheus collectors.
type PrometheusObserver struct {
	sessions       *prometheus.CounterVec
	activeSessions prometheus.Gauge
	transitions    *prometheus.CounterVec
	turns          *prometheus.CounterVec
	bargeIns       *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	framesDropped  prometheus.Counter
	staleDropped   prometheus.Counter
	firstText      prometheus.Histogram
	firstAudio     prometheus.Histogram
}

var latencyBuckets = []float64{50, 100, 200, 300, 500, 750, 1000, 1500, 2500, 5000}

// NewPrometheusObserver registers the collectors on reg. A nil registerer
// uses the default Prometheus registry.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusObserver{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by lifecycle event",
		}, []string{"event"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently connected",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome",
		}, []string{"outcome"}),
		bargeIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in cancellations by trigger source",
		}, []string{"source"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider failures by reason code",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Dropped client events by reason code",
		}, []string{"reason"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Inbound audio frames dropped by the rate limiter",
		}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_envelopes_dropped_total",
			Help:      "Queued envelopes of cancelled turns dropped before the wire",
		}),
		firstText: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_text_latency_ms",
			Help:      "Final transcript to first engine chunk",
			Buckets:   latencyBuckets,
		}),
		firstAudio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Final transcript to first synthesis segment",
			Buckets:   latencyBuckets,
		}),
	}
	reg.MustRegister(
		p.sessions, p.activeSessions, p.transitions, p.turns, p.bargeIns,
		p.providerErrors, p.protocolErrors, p.framesDropped, p.staleDropped, p.firstText, p.firstAudio,
	)
	return p
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.sessions.WithLabelValues("started").Inc()
		p.activeSessions.Inc()
	case EventSessionEnded:
		p.sessions.WithLabelValues("ended").Inc()
		p.activeSessions.Dec()
	case EventStateTransition:
		p.transitions.WithLabelValues(ev.Tags[TagFrom], ev.Tags[TagState]).Inc()
	case EventTurnStarted:
		p.turns.WithLabelValues("started").Inc()
	case EventTurnCompleted:
		p.turns.WithLabelValues("completed").Inc()
	case EventTurnCancelled:
		p.turns.WithLabelValues("cancelled").Inc()
	case EventTurnFailed:
		p.turns.WithLabelValues("failed").Inc()
	case EventBargeIn:
		p.bargeIns.WithLabelValues(ev.Tags[TagSource]).Inc()
	case EventProviderError:
		p.providerErrors.WithLabelValues(ev.Tags[TagReason]).Inc()
	case EventProtocolError:
		p.protocolErrors.WithLabelValues(ev.Tags[TagReason]).Inc()
	case EventFramesDropped:
		p.framesDropped.Add(ev.Value)
	case EventStaleDropped:
		p.staleDropped.Add(ev.Value)
	case EventFirstTextLatency:
		p.firstText.Observe(ev.Value)
	case EventFirstAudioLatency:
		p.firstAudio.Observe(ev.Value)
	}
}
