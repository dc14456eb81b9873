package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/bargein"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
	"github.com/voicewire-io/voicewire/pkg/pacer"
	"github.com/voicewire-io/voicewire/pkg/redact"
	"github.com/voicewire-io/voicewire/pkg/synth"
)

// Client event names carried on system frames. Transports map these to
// outbound client messages verbatim.
const (
	EventReady           = "ready"
	EventSpeakingStarted = "speaking_started"
	EventSpeakingEnded   = "speaking_ended"
	EventInterruption    = "interruption"
	EventError           = "error"
)

// ErrAlreadyStreaming rejects a speak request while an utterance is in
// flight. At most one synthesis call runs per session at any time.
var ErrAlreadyStreaming = errors.New("session is already streaming")

// ErrSessionClosed rejects operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Config carries the per-call settings, merged from gateway defaults and
// the client's config message. It is immutable after session creation.
type Config struct {
	Format             string        `mapstructure:"format"`
	SampleRate         int           `mapstructure:"sample_rate"`
	Language           string        `mapstructure:"language"`
	VoiceID            string        `mapstructure:"voice_id"`
	PreferredProviders []string      `mapstructure:"preferred_providers"`
	InterruptionsOff   bool          `mapstructure:"interruptions_off"`
	RingCapacity       int           `mapstructure:"ring_capacity"`
	ProviderTimeout    time.Duration `mapstructure:"provider_timeout"`
	Pacing             pacer.Config  `mapstructure:"pacing"`
	BargeIn            bargein.Config
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = "mulaw"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = synth.DefaultProviderTimeout
	}
	return c
}

// SpeakOptions override per-utterance synthesis parameters.
type SpeakOptions struct {
	Provider string
	VoiceID  string
	Language string
}

// Deps wires the session to its collaborators.
type Deps struct {
	Orchestrator *synth.Orchestrator
	// Sink delivers outbound frames toward the carrier transport. Audio
	// frames become media payloads, control frames become carrier commands
	// and system frames become client events.
	Sink     func(frames.Frame) error
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Session owns everything about one live call: its state machine, the
// inbound audio ring, the outbound pacer, the provider health table and
// the barge-in detector.
type Session struct {
	ID      string
	CallID  string
	TraceID string

	cfg    Config
	orch   *synth.Orchestrator
	sink   func(frames.Frame) error
	obs    metrics.Observer
	logger *slog.Logger

	ring     *InputRing
	pace     *pacer.Pacer
	detector *bargein.Detector
	stats    *synth.Stats

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	streamID     string
	speakCancel  context.CancelFunc
	interrupted  bool
	listeners    []StateListener
	createdAt    time.Time
	lastActivity atomic.Int64

	aiSpeaking   atomic.Bool
	userSpeaking atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a session in Initializing state and starts its pacing loop.
// The caller binds a carrier stream with RegisterConnection before audio
// flows.
func New(id, callID, traceID string, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = func(frames.Frame) error { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CallID:    callID,
		TraceID:   traceID,
		cfg:       cfg,
		orch:      deps.Orchestrator,
		sink:      deps.Sink,
		obs:       deps.Observer,
		logger:    deps.Logger,
		ring:      NewInputRing(cfg.RingCapacity),
		stats:     synth.NewStats(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateInitializing,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	s.pace = pacer.New(id, cfg.Pacing, deps.Observer, deps.Logger)
	if !cfg.InterruptionsOff {
		s.detector = bargein.New(cfg.BargeIn, s, s.aiSpeaking.Load, deps.Logger)
	}

	go s.pace.Run(ctx, deps.Sink)

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionStarted,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaCallSID: callID,
			frames.MetaTraceID: traceID,
		},
	})
	return s
}

// SetVendorDetector upgrades barge-in from local energy detection to a
// vendor speech activity stream.
func (s *Session) SetVendorDetector(v stt.ActivityDetector) {
	if s.detector != nil {
		s.detector.SetVendorDetector(v)
	}
}

// HasVendorDetector reports whether barge-in already runs on a vendor
// activity stream.
func (s *Session) HasVendorDetector() bool {
	return s.detector != nil && s.detector.HasVendor()
}

// AddStateListener registers a listener for subsequent transitions.
func (s *Session) AddStateListener(l StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// RegisterConnection binds a carrier stream to the session and moves it to
// Connected. Rebinding after a detach (Idle) resumes the same session, so
// a dropped socket does not lose call state.
func (s *Session) RegisterConnection(streamID string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return errorsx.Wrap(ErrSessionClosed, errorsx.ReasonSessionClosed)
	}
	old := s.streamID
	s.streamID = streamID
	err := s.transitionLocked(StateConnected, "connection_registered")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Touch()

	meta := map[string]string{frames.MetaCallSID: s.CallID}
	if old != "" && old != streamID {
		meta[frames.MetaOldStreamID] = old
	}
	s.emitClientEvent(EventReady, meta)
	s.logger.Info("session_connected",
		slog.String("session_id", s.ID),
		slog.String("stream_id", streamID),
		slog.String("call_sid", s.CallID))
	return nil
}

// Detach records that the carrier stream went away without the call
// ending. The session parks in Idle until a reconnect or the idle sweep.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateInitializing {
		s.mu.Unlock()
		return
	}
	cancel := s.speakCancel
	s.speakCancel = nil
	s.aiSpeaking.Store(false)
	if s.state == StateStreaming {
		_ = s.transitionLocked(StateConnected, "stream_detached")
	}
	err := s.transitionLocked(StateIdle, "stream_detached")
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.pace.Flush()
	if err == nil {
		s.logger.Info("session_detached", slog.String("session_id", s.ID))
	}
}

// HandleInboundAudio ingests one chunk of caller audio. It is accepted in
// every live state; the ring keeps recent audio for vendor detectors and
// the energy gate runs inline.
func (s *Session) HandleInboundAudio(f frames.AudioFrame) {
	s.Touch()
	s.ring.Push(f)
	if s.detector != nil {
		s.userSpeaking.Store(s.detector.Observe(f))
	}
}

// Speak starts synthesis and playback of text. Only one utterance may be
// in flight; a second request is rejected rather than queued, since the
// client owns conversational ordering.
func (s *Session) Speak(text string, opts SpeakOptions) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return errorsx.Wrap(ErrSessionClosed, errorsx.ReasonSessionClosed)
	case StateStreaming:
		s.mu.Unlock()
		s.logger.Warn("speak_rejected_streaming", slog.String("session_id", s.ID))
		return errorsx.Wrap(ErrAlreadyStreaming, errorsx.ReasonAlreadyStreaming)
	}
	if err := s.transitionLocked(StateStreaming, "speak"); err != nil {
		s.mu.Unlock()
		return err
	}
	utterCtx, cancel := context.WithCancel(s.ctx)
	s.speakCancel = cancel
	s.interrupted = false
	streamID := s.streamID
	s.mu.Unlock()

	s.logger.Debug("speak_requested",
		slog.String("session_id", s.ID),
		slog.String("text", redact.Text(text)))
	s.Touch()
	s.aiSpeaking.Store(true)
	go s.runUtterance(utterCtx, streamID, text, opts)
	return nil
}

func (s *Session) runUtterance(ctx context.Context, streamID, text string, opts SpeakOptions) {
	req := tts.Request{
		Text:       text,
		VoiceID:    s.cfg.VoiceID,
		Language:   s.cfg.Language,
		Format:     s.cfg.Format,
		SampleRate: s.cfg.SampleRate,
		StreamID:   streamID,
		CallSID:    s.CallID,
	}
	if opts.VoiceID != "" {
		req.VoiceID = opts.VoiceID
	}
	if opts.Language != "" {
		req.Language = opts.Language
	}
	prefs := s.cfg.PreferredProviders
	if opts.Provider != "" {
		prefs = []string{opts.Provider}
	}

	stream, used, err := s.orch.Synthesize(ctx, req, prefs, s.stats, s.cfg.ProviderTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Every provider failed. The carrier plays a short run of
		// silence so the caller hears a live line while the client
		// decides what to do.
		_ = s.sink(frames.NewControlFrame(streamID, time.Now().UnixMilli(), frames.ControlFallback, nil))
		s.emitClientEvent(EventError, map[string]string{
			frames.MetaReason:  string(errorsx.Reason(err)),
			frames.MetaMessage: err.Error(),
		})
		s.finishUtterance("synthesis_failed")
		return
	}
	defer stream.Close()

	s.emitClientEvent(EventSpeakingStarted, map[string]string{frames.MetaProvider: used})

	meta := map[string]string{
		frames.MetaTrack:    "outbound",
		frames.MetaProvider: used,
		frames.MetaCallSID:  s.CallID,
	}
	for chunk := range stream.Chunks() {
		if ctx.Err() != nil {
			return
		}
		f := frames.NewAudioFrame(streamID, time.Now().UnixMilli(), chunk, s.cfg.SampleRate, 1, meta)
		s.pace.Push(f)
	}
	if serr := stream.Err(); serr != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("synthesis_stream_error",
			slog.String("session_id", s.ID),
			slog.String("provider", used),
			slog.String("error", serr.Error()))
	}

	if !s.waitDrained(ctx) {
		return
	}

	// Checkpoint so the carrier can echo playback completion.
	_ = s.sink(frames.NewControlFrame(streamID, time.Now().UnixMilli(), frames.ControlMark,
		map[string]string{frames.MetaMarkName: "utterance_end"}))
	s.emitClientEvent(EventSpeakingEnded, map[string]string{frames.MetaProvider: used})
	s.finishUtterance("utterance_complete")
}

// waitDrained blocks until the pacer has released every queued chunk or
// the utterance is cancelled.
func (s *Session) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(s.pacerPollInterval())
	defer ticker.Stop()
	for {
		if s.pace.Len() == 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Session) pacerPollInterval() time.Duration {
	if s.cfg.Pacing.Interval > 0 {
		return s.cfg.Pacing.Interval
	}
	return 15 * time.Millisecond
}

func (s *Session) finishUtterance(reason string) {
	s.mu.Lock()
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	if s.state == StateStreaming {
		_ = s.transitionLocked(StateConnected, reason)
	}
	s.mu.Unlock()
	s.aiSpeaking.Store(false)
	if s.detector != nil {
		s.detector.Reset()
	}
}

// Stop cancels the in-flight utterance on client request. Unlike
// OnInterruption it emits no interruption event; the client asked, so it
// already knows.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	cancel := s.speakCancel
	s.speakCancel = nil
	streamID := s.streamID
	_ = s.transitionLocked(StateConnected, "client_stop")
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.aiSpeaking.Store(false)
	s.pace.Flush()
	if s.detector != nil {
		s.detector.Reset()
	}
	_ = s.sink(frames.NewControlFrame(streamID, time.Now().UnixMilli(), frames.ControlFlush, nil))
	s.Touch()
}

// OnInterruption handles caller barge-in: cancel synthesis, flush queued
// audio, tell the carrier to clear its buffer and notify the client once.
// Repeat signals inside the same utterance are absorbed.
func (s *Session) OnInterruption() {
	s.mu.Lock()
	if s.state != StateStreaming || s.interrupted {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	cancel := s.speakCancel
	s.speakCancel = nil
	streamID := s.streamID
	_ = s.transitionLocked(StateConnected, "barge_in")
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.aiSpeaking.Store(false)
	discarded := s.pace.Flush()

	_ = s.sink(frames.NewControlFrame(streamID, time.Now().UnixMilli(), frames.ControlStartInterruption, nil))
	s.emitClientEvent(EventInterruption, nil)

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventInterruption,
		Time:  time.Now(),
		Value: float64(discarded),
		Tags: map[string]string{
			frames.MetaStreamID: streamID,
			frames.MetaCallSID:  s.CallID,
		},
	})
	s.logger.Info("interruption_handled",
		slog.String("session_id", s.ID),
		slog.Int("discarded_chunks", discarded))
	s.Touch()
}

// Close tears the session down. Idempotent; the reason lands in the
// session_ended event.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.speakCancel
		s.speakCancel = nil
		from := s.state
		s.state = StateClosed
		listeners := append([]StateListener(nil), s.listeners...)
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.cancel()
		s.aiSpeaking.Store(false)
		s.pace.Flush()

		change := StateChange{SessionID: s.ID, FromState: from, ToState: StateClosed, Reason: reason}
		for _, l := range listeners {
			l(change)
		}

		duration := time.Since(s.createdAt)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventSessionEnded,
			Time:  time.Now(),
			Value: float64(duration.Milliseconds()),
			Tags: map[string]string{
				frames.MetaCallSID: s.CallID,
				frames.MetaReason:  reason,
			},
		})
		s.logger.Info("session_ended",
			slog.String("session_id", s.ID),
			slog.String("call_sid", s.CallID),
			slog.String("reason", reason),
			slog.Int64("duration_ms", duration.Milliseconds()))
		close(s.done)
	})
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamID returns the currently bound carrier stream, if any.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// UserSpeaking reports whether caller speech is currently detected.
func (s *Session) UserSpeaking() bool { return s.userSpeaking.Load() }

// AISpeaking reports whether outbound playback is in progress.
func (s *Session) AISpeaking() bool { return s.aiSpeaking.Load() }

// Stats exposes the provider health table for diagnostics.
func (s *Session) Stats() *synth.Stats { return s.stats }

// Pacer exposes the outbound queue for diagnostics and tests.
func (s *Session) Pacer() *pacer.Pacer { return s.pace }

// Ring exposes the inbound buffer for vendor detector catch-up.
func (s *Session) Ring() *InputRing { return s.ring }

// Touch refreshes the activity clock that the idle sweep consults.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent client or caller event.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) emitClientEvent(name string, meta map[string]string) {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()
	if err := s.sink(frames.NewSystemFrame(streamID, time.Now().UnixMilli(), name, meta)); err != nil {
		s.logger.Warn("client_event_send_failed",
			slog.String("session_id", s.ID),
			slog.String("event", name),
			slog.String("error", err.Error()))
	}
}

// transitionLocked validates and applies a state change. Callers hold mu.
// Listeners run inline; they see a consistent ordering because mu
// serializes transitions.
func (s *Session) transitionLocked(to State, reason string) error {
	if s.state == to {
		return nil
	}
	if !transitionValid(s.state, to) {
		return &InvalidTransitionError{From: s.state, To: to}
	}
	from := s.state
	s.state = to
	s.logger.Debug("session_state_changed",
		slog.String("session_id", s.ID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	change := StateChange{SessionID: s.ID, FromState: from, ToState: to, Reason: reason}
	for _, l := range s.listeners {
		l(change)
	}
	return nil
}
