package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
	"github.com/voicewire-io/voicewire/pkg/pacer"
	"github.com/voicewire-io/voicewire/pkg/synth"
)

func pacerConfig(interval time.Duration) pacer.Config {
	return pacer.Config{Interval: interval}
}

type frameSink struct {
	mu  sync.Mutex
	got []frames.Frame
}

func (s *frameSink) send(f frames.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, f)
	return nil
}

func (s *frameSink) systemCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.got {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == name {
			n++
		}
	}
	return n
}

func (s *frameSink) controlCount(code frames.ControlCode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.got {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == code {
			n++
		}
	}
	return n
}

func (s *frameSink) audioSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []uint64
	for _, f := range s.got {
		if af, ok := f.(frames.AudioFrame); ok {
			seqs = append(seqs, af.Seq())
		}
	}
	return seqs
}

func (s *frameSink) waitSystem(name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.systemCount(name) > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

type scriptedProvider struct {
	name   string
	delay  time.Duration
	chunks [][]byte
	stream *tts.ChunkStream
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Synthesize(ctx context.Context, _ tts.Request) (tts.Stream, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.stream != nil {
		return p.stream, nil
	}
	stream := tts.NewChunkStream(len(p.chunks) + 1)
	go func() {
		for _, c := range p.chunks {
			if !stream.Send(c) {
				return
			}
		}
		stream.CloseWithErr(nil)
	}()
	return stream, nil
}

func newTestSession(t *testing.T, provider tts.Synthesizer, sink *frameSink, cfg Config) *Session {
	t.Helper()
	providers := map[string]tts.Synthesizer{}
	prefs := []string{}
	if provider != nil {
		providers[provider.Name()] = provider
		prefs = []string{provider.Name()}
	}
	cfg.PreferredProviders = prefs
	orch := synth.NewOrchestrator(providers, nil, nil)
	sess := New("sess-1", "CA123", "trace-1", cfg, Deps{
		Orchestrator: orch,
		Sink:         sink.send,
	})
	t.Cleanup(func() { sess.Close("test_done") })
	return sess
}

func TestSpeakDeliversPacedSequencedAudio(t *testing.T) {
	sink := &frameSink{}
	provider := &scriptedProvider{name: "alpha", chunks: [][]byte{{1}, {2}, {3}, {4}}}
	sess := newTestSession(t, provider, sink, Config{Pacing: pacerConfig(time.Millisecond)})

	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if sink.systemCount(EventReady) != 1 {
		t.Fatalf("expected ready event on connect")
	}
	if err := sess.Speak("hello there", SpeakOptions{}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !sink.waitSystem(EventSpeakingEnded, 2*time.Second) {
		t.Fatalf("utterance never completed")
	}

	seqs := sink.audioSeqs()
	if len(seqs) != 4 {
		t.Fatalf("expected 4 audio frames, got %d", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("expected gap-free sequence, got %v", seqs)
		}
	}
	if sink.controlCount(frames.ControlMark) != 1 {
		t.Fatalf("expected one end-of-utterance mark")
	}
	if sess.State() != StateConnected {
		t.Fatalf("expected Connected after utterance, got %s", sess.State())
	}
}

func TestSpeakRejectedWhileStreaming(t *testing.T) {
	sink := &frameSink{}
	provider := &scriptedProvider{name: "alpha", delay: time.Hour}
	sess := newTestSession(t, provider, sink, Config{ProviderTimeout: time.Hour})

	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sess.Speak("first", SpeakOptions{}); err != nil {
		t.Fatalf("first speak: %v", err)
	}
	err := sess.Speak("second", SpeakOptions{})
	if !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonAlreadyStreaming) {
		t.Fatalf("expected reason tag on rejection")
	}
}

func TestSpeakBeforeConnectFails(t *testing.T) {
	sink := &frameSink{}
	sess := newTestSession(t, &scriptedProvider{name: "alpha"}, sink, Config{})

	err := sess.Speak("too early", SpeakOptions{})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestInterruptionFlushesAndNotifiesOnce(t *testing.T) {
	sink := &frameSink{}
	stream := tts.NewChunkStream(16)
	provider := &scriptedProvider{name: "alpha", stream: stream}
	// Hour-long pacing keeps pushed chunks queued so the flush is visible.
	sess := newTestSession(t, provider, sink, Config{Pacing: pacerConfig(time.Hour)})

	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sess.Speak("interrupt me", SpeakOptions{}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !sink.waitSystem(EventSpeakingStarted, 2*time.Second) {
		t.Fatalf("speaking never started")
	}
	for i := 0; i < 5; i++ {
		stream.Send([]byte{byte(i)})
	}
	waitFor(t, 2*time.Second, func() bool { return sess.Pacer().Len() == 5 })

	sess.OnInterruption()
	sess.OnInterruption()

	if got := sess.Pacer().Len(); got != 0 {
		t.Fatalf("expected empty pacer after interruption, got %d", got)
	}
	if got := sink.systemCount(EventInterruption); got != 1 {
		t.Fatalf("expected exactly one interruption event, got %d", got)
	}
	if got := sink.controlCount(frames.ControlStartInterruption); got != 1 {
		t.Fatalf("expected one carrier clear, got %d", got)
	}
	if sess.State() != StateConnected {
		t.Fatalf("expected Connected after interruption, got %s", sess.State())
	}
	if sess.AISpeaking() {
		t.Fatalf("expected playback flag cleared")
	}
	stream.CloseWithErr(nil)
}

func TestInterruptionIgnoredWhenNotStreaming(t *testing.T) {
	sink := &frameSink{}
	sess := newTestSession(t, &scriptedProvider{name: "alpha"}, sink, Config{})
	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	sess.OnInterruption()
	if got := sink.systemCount(EventInterruption); got != 0 {
		t.Fatalf("expected no interruption event, got %d", got)
	}
}

func TestSynthesisFailureEmitsClientError(t *testing.T) {
	sink := &frameSink{}
	sess := newTestSession(t, nil, sink, Config{})
	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sess.Speak("nobody home", SpeakOptions{}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !sink.waitSystem(EventError, 2*time.Second) {
		t.Fatalf("expected client error event")
	}
	// The carrier-facing fallback keeps the line audibly alive while the
	// client reacts to the error.
	if got := sink.controlCount(frames.ControlFallback); got != 1 {
		t.Fatalf("expected one fallback control frame, got %d", got)
	}
	waitFor(t, 2*time.Second, func() bool { return sess.State() == StateConnected })
}

func TestCloseIsIdempotent(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	sess := New("sess-1", "CA123", "trace-1", Config{}, Deps{
		Orchestrator: synth.NewOrchestrator(nil, nil, nil),
		Observer:     obs,
	})

	sess.Close("call_end")
	sess.Close("call_end")

	if got := len(obs.Named(metrics.EventSessionEnded)); got != 1 {
		t.Fatalf("expected one session_ended event, got %d", got)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatalf("expected done channel closed")
	}
}

func TestDetachParksSessionForReconnect(t *testing.T) {
	sink := &frameSink{}
	sess := newTestSession(t, &scriptedProvider{name: "alpha"}, sink, Config{})
	if err := sess.RegisterConnection("MZ1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	sess.Detach()
	if sess.State() != StateIdle {
		t.Fatalf("expected Idle after detach, got %s", sess.State())
	}
	if err := sess.RegisterConnection("MZ2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("expected Connected after reconnect, got %s", sess.State())
	}
	if sess.StreamID() != "MZ2" {
		t.Fatalf("expected rebinding to MZ2, got %s", sess.StreamID())
	}
}

func TestInputRingDropsOldest(t *testing.T) {
	ring := NewInputRing(20)
	for i := 0; i < 25; i++ {
		ring.Push(frames.NewAudioFrame("MZ1", int64(i), []byte{byte(i)}, 8000, 1, nil))
	}

	if got := ring.Len(); got != 20 {
		t.Fatalf("expected 20 buffered chunks, got %d", got)
	}
	if got := ring.Dropped(); got != 5 {
		t.Fatalf("expected 5 drops, got %d", got)
	}
	snap := ring.Snapshot()
	for i, f := range snap {
		if want := byte(i + 5); f.RawPayload()[0] != want {
			t.Fatalf("expected oldest-first starting at 5, got %d at %d", f.RawPayload()[0], i)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
