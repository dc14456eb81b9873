package metrics

import "time"

// Event names emitted by the gateway core. The sink is fire-and-forget;
// no component blocks on metrics delivery.
const (
	EventSessionStarted  = "session_started"
	EventSessionEnded    = "session_ended"
	EventProviderAttempt = "provider_attempt"
	EventInterruption    = "interruption"
	EventStaleReaped     = "stale_session_reaped"
	EventAudioDegraded   = "audio_degraded"
	EventAudioOut        = "audio_out"
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

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	out := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return &MultiObserver{observers: out}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m.observers {
		o.RecordEvent(ev)
	}
}
