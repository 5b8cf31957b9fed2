package metrics

import "time"

// Event names recorded by the session runtime.
const (
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventStateTransition   = "state_transition"
	EventTurnStarted       = "turn_started"
	EventTurnCompleted     = "turn_completed"
	EventTurnCancelled     = "turn_cancelled"
	EventTurnFailed        = "turn_failed"
	EventBargeIn           = "barge_in"
	EventProviderError     = "provider_error"
	EventProtocolError     = "protocol_error"
	EventFirstTextLatency  = "first_text_latency_ms"
	EventFirstAudioLatency = "first_audio_latency_ms"
	EventFramesDropped     = "audio_frames_dropped"
	EventStaleDropped      = "stale_envelopes_dropped"
)

// Tag keys.
const (
	TagSession  = "session_id"
	TagState    = "state"
	TagFrom     = "from"
	TagOutcome  = "outcome"
	TagSource   = "source"
	TagReason   = "reason"
	TagProvider = "provider"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Multi fans an event out to every non-nil observer.
type Multi []Observer

func (m Multi) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}

// Record is a small helper that stamps the event time.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
