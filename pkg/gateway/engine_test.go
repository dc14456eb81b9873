package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
	"github.com/voicewire-io/voicewire/pkg/session"
	transportmock "github.com/voicewire-io/voicewire/pkg/transports/mock"
)

func testConfig(ttsSettings map[string]any) Config {
	return Config{
		Environment: "test",
		Transports:  TransportsConfig{Provider: "mock"},
		Synthesis: SynthesisConfig{
			Preferred: []string{"primary"},
			TimeoutMS: 2000,
			Vendors: map[string]VendorConfig{
				"primary": {Provider: "mock", Settings: ttsSettings},
			},
		},
		Detector: DetectorConfig{Provider: "mock"},
		Session: SessionConfig{
			Format:          "mulaw",
			SampleRate:      8000,
			Language:        "en-US",
			IdleTimeoutMS:   300000,
			SweepIntervalMS: 30000,
		},
		Pacing:        PacingConfig{IntervalMS: 1, MaxQueue: 256},
		BargeIn:       BargeInConfig{EnergyThreshold: 550, ActivationChunks: 3, HangoverChunks: 5, CooldownMS: 1000},
		Observability: ObservabilityConfig{MetricsEnabled: false},
	}
}

// newTestEngine wires an engine to an in-memory transport and runs the
// dispatch loop without the process lifecycle around it.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *transportmock.Transport, *metrics.MemoryObserver) {
	t.Helper()
	tr := transportmock.New()
	obs := metrics.NewMemoryObserver()
	eng, err := NewEngine(Options{
		Config:    cfg,
		Transport: tr,
		Observer:  obs,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go eng.route(ctx)
	t.Cleanup(func() {
		cancel()
		eng.registry.CloseAll("test_done")
		eng.obs.Close()
	})
	return eng, tr, obs
}

func waitSessions(t *testing.T, eng *Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.registry.Count() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session count = %d, want %d", eng.registry.Count(), want)
}

// awaitSystemFrame drains outbound frames until a system frame with the
// given name appears, returning it and the count of audio frames seen.
func awaitSystemFrame(t *testing.T, tr *transportmock.Transport, name string) (frames.SystemFrame, int) {
	t.Helper()
	audio := 0
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-tr.Sent():
			if _, ok := f.(frames.AudioFrame); ok {
				audio++
				continue
			}
			if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == name {
				return sf, audio
			}
		case <-deadline:
			t.Fatalf("timed out waiting for system frame %q", name)
		}
	}
}

func TestCallLifecycleSpeaksAndEnds(t *testing.T) {
	eng, tr, obs := newTestEngine(t, testConfig(map[string]any{"chunk_count": 5, "chunk_size": 160}))

	tr.StartCall("MZ100", "CA100")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	tr.Push(frames.NewTextFrame("MZ100", time.Now().UnixMilli(), "hello caller", nil))
	awaitSystemFrame(t, tr, session.EventSpeakingStarted)
	_, audio := awaitSystemFrame(t, tr, session.EventSpeakingEnded)
	if audio != 5 {
		t.Errorf("audio frames sent = %d, want 5", audio)
	}

	tr.EndCall("MZ100", "CA100", "completed")
	waitSessions(t, eng, 0)

	if n := len(obs.Named(metrics.EventSessionStarted)); n != 1 {
		t.Errorf("session_started events = %d, want 1", n)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(obs.Named(metrics.EventSessionEnded)) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := len(obs.Named(metrics.EventSessionEnded)); n != 1 {
		t.Errorf("session_ended events = %d, want 1", n)
	}
}

func TestSecondSpeakRejectedWithClientError(t *testing.T) {
	// A long utterance keeps the session streaming while the second speak
	// arrives.
	eng, tr, _ := newTestEngine(t, testConfig(map[string]any{"chunk_count": 500, "chunk_size": 160}))

	tr.StartCall("MZ200", "CA200")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	tr.Push(frames.NewTextFrame("MZ200", time.Now().UnixMilli(), "first utterance", nil))
	awaitSystemFrame(t, tr, session.EventSpeakingStarted)

	tr.Push(frames.NewTextFrame("MZ200", time.Now().UnixMilli(), "second utterance", nil))
	sf, _ := awaitSystemFrame(t, tr, session.EventError)
	if got := sf.Meta()[frames.MetaReason]; got != "already_streaming" {
		t.Errorf("error reason = %q, want already_streaming", got)
	}
}

func TestInterruptionControlFlushesPlayback(t *testing.T) {
	eng, tr, obs := newTestEngine(t, testConfig(map[string]any{"chunk_count": 500, "chunk_size": 160}))

	tr.StartCall("MZ300", "CA300")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	tr.Push(frames.NewTextFrame("MZ300", time.Now().UnixMilli(), "a very long reply", nil))
	awaitSystemFrame(t, tr, session.EventSpeakingStarted)

	tr.Push(frames.NewControlFrame("MZ300", time.Now().UnixMilli(), frames.ControlStartInterruption,
		map[string]string{frames.MetaSource: "client"}))
	awaitSystemFrame(t, tr, session.EventInterruption)

	sess, ok := eng.registry.GetByCall("CA300")
	if !ok {
		t.Fatal("session gone after interruption")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.State() != session.StateConnected {
		time.Sleep(2 * time.Millisecond)
	}
	if sess.State() != session.StateConnected {
		t.Errorf("state after interruption = %v, want Connected", sess.State())
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(obs.Named(metrics.EventInterruption)) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := len(obs.Named(metrics.EventInterruption)); n != 1 {
		t.Errorf("interruption events = %d, want 1", n)
	}
}

func TestStreamDetachParksAndReconnects(t *testing.T) {
	eng, tr, _ := newTestEngine(t, testConfig(nil))

	tr.StartCall("MZ400", "CA400")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	tr.Push(frames.NewSystemFrame("MZ400", time.Now().UnixMilli(), "stream_detach",
		map[string]string{frames.MetaCallSID: "CA400"}))

	sess, _ := eng.registry.GetByCall("CA400")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.State() != session.StateIdle {
		time.Sleep(2 * time.Millisecond)
	}
	if sess.State() != session.StateIdle {
		t.Fatalf("state after detach = %v, want Idle", sess.State())
	}
	if _, ok := eng.registry.GetByStream("MZ400"); ok {
		t.Error("stream index entry survived detach")
	}

	// Same call on a fresh carrier stream resumes the parked session.
	tr.StartCall("MZ401", "CA400")
	sf, _ := awaitSystemFrame(t, tr, session.EventReady)
	if got := sf.Meta()[frames.MetaOldStreamID]; got != "MZ400" {
		t.Errorf("old stream id = %q, want MZ400", got)
	}
	if eng.registry.Count() != 1 {
		t.Errorf("session count = %d, want 1 after reconnect", eng.registry.Count())
	}
	resumed, ok := eng.registry.GetByStream("MZ401")
	if !ok || resumed != sess {
		t.Error("reconnect did not land on the original session")
	}
}

func TestDTMFForwardedToClient(t *testing.T) {
	eng, tr, _ := newTestEngine(t, testConfig(nil))

	tr.StartCall("MZ500", "CA500")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	tr.Push(frames.NewControlFrame("MZ500", time.Now().UnixMilli(), frames.ControlDTMF,
		map[string]string{frames.MetaDTMFDigit: "7"}))
	sf, _ := awaitSystemFrame(t, tr, "dtmf")
	if got := sf.Meta()[frames.MetaDTMFDigit]; got != "7" {
		t.Errorf("dtmf digit = %q, want 7", got)
	}
}

func TestInboundAudioRoutedToSession(t *testing.T) {
	eng, tr, _ := newTestEngine(t, testConfig(nil))

	tr.StartCall("MZ600", "CA600")
	waitSessions(t, eng, 1)
	awaitSystemFrame(t, tr, session.EventReady)

	sess, _ := eng.registry.GetByCall("CA600")
	for i := 0; i < 3; i++ {
		tr.PushAudio("MZ600", make([]byte, 160))
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.Ring().Len() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := sess.Ring().Len(); got != 3 {
		t.Errorf("ring length = %d, want 3", got)
	}
}

func TestStreamInitPreWarmsCall(t *testing.T) {
	eng, tr, obs := newTestEngine(t, testConfig(nil))

	raw, _ := json.Marshal(map[string]any{"language": "de-DE"})
	tr.Push(frames.NewSystemFrame("", time.Now().UnixMilli(), "stream_init",
		map[string]string{frames.MetaCallSID: "CA800", frames.MetaSettings: string(raw)}))
	waitSessions(t, eng, 1)

	sess, ok := eng.registry.GetByCall("CA800")
	if !ok {
		t.Fatal("stream_init did not create a session")
	}

	// The carrier stream that follows binds to the pre-warmed session
	// instead of creating a second one.
	tr.StartCall("MZ800", "CA800")
	awaitSystemFrame(t, tr, session.EventReady)
	if eng.registry.Count() != 1 {
		t.Errorf("session count = %d, want 1 after carrier start", eng.registry.Count())
	}
	bound, ok := eng.registry.GetByStream("MZ800")
	if !ok || bound != sess {
		t.Error("carrier start did not bind the pre-warmed session")
	}
	if n := len(obs.Named(metrics.EventSessionStarted)); n != 1 {
		t.Errorf("session_started events = %d, want 1", n)
	}
}

func TestApplySettingsOverrides(t *testing.T) {
	gwCfg := testConfig(nil)
	cfg := gwCfg.SessionDefaults()
	raw, _ := json.Marshal(map[string]any{
		"voice_id":    "custom-voice",
		"sample_rate": 16000,
		"language":    "sv-SE",
	})
	if err := applySettingsOverrides(string(raw), &cfg); err != nil {
		t.Fatalf("applySettingsOverrides: %v", err)
	}
	if cfg.VoiceID != "custom-voice" {
		t.Errorf("voice_id = %q", cfg.VoiceID)
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("sample_rate = %d", cfg.SampleRate)
	}
	if cfg.Language != "sv-SE" {
		t.Errorf("language = %q", cfg.Language)
	}
	if len(cfg.PreferredProviders) != 1 || cfg.PreferredProviders[0] != "primary" {
		t.Errorf("preferred providers changed unexpectedly: %v", cfg.PreferredProviders)
	}

	if err := applySettingsOverrides("{not json", &cfg); err == nil {
		t.Error("expected error for malformed settings JSON")
	}
}

func TestCallStartWhileDrainingSendsError(t *testing.T) {
	eng, tr, _ := newTestEngine(t, testConfig(nil))

	<-eng.registry.Drain()
	tr.StartCall("MZ700", "CA700")
	sf, _ := awaitSystemFrame(t, tr, session.EventError)
	if sf.Meta()[frames.MetaMessage] == "" {
		t.Error("draining error event missing message")
	}
	if eng.registry.Count() != 0 {
		t.Errorf("session count = %d, want 0 while draining", eng.registry.Count())
	}
}
