package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromObserverSessionGauge(t *testing.T) {
	p := NewPromObserver("voicewire_gauge_test")

	p.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	p.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	if got := testutil.ToFloat64(p.activeSessions); got != 2 {
		t.Fatalf("active sessions after two starts = %v, want 2", got)
	}

	// An idle session is reported reaped and then destroyed, which emits
	// session_ended as well. Only the latter moves the gauge.
	p.RecordEvent(MetricsEvent{Name: EventStaleReaped})
	p.RecordEvent(MetricsEvent{Name: EventSessionEnded})
	p.RecordEvent(MetricsEvent{Name: EventSessionEnded})

	if got := testutil.ToFloat64(p.activeSessions); got != 0 {
		t.Fatalf("active sessions after reap and ends = %v, want 0", got)
	}
	if got := testutil.ToFloat64(p.sessionEvents.WithLabelValues(EventStaleReaped)); got != 1 {
		t.Fatalf("stale reap counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.sessionEvents.WithLabelValues(EventSessionEnded)); got != 2 {
		t.Fatalf("session_ended counter = %v, want 2", got)
	}
}
