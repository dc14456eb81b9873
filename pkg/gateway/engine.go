package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/configutil"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/logging"
	"github.com/voicewire-io/voicewire/pkg/metrics"
	"github.com/voicewire-io/voicewire/pkg/redact"
	"github.com/voicewire-io/voicewire/pkg/runner"
	"github.com/voicewire-io/voicewire/pkg/session"
	"github.com/voicewire-io/voicewire/pkg/synth"
	"github.com/voicewire-io/voicewire/pkg/transports"
)

// DrainTimeout bounds graceful shutdown. Calls still live after this are
// force-closed.
const DrainTimeout = 15 * time.Second

// Options assembles an engine. Transport and Observer are optional; when
// nil they are built from Config and the provider registry.
type Options struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	Logger    *slog.Logger
	// Observer receives the event stream in addition to the configured
	// sinks. Tests use this to assert on emitted events.
	Observer metrics.Observer
}

// Engine ties the transport, the session registry and the synthesis
// orchestrator into one process. It owns the dispatch loop that routes
// carrier frames to sessions and session output back to the carrier.
type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	transport transports.Transport
	orch      *synth.Orchestrator
	registry  *session.Registry
	obs       *metrics.AsyncObserver
	logger    *slog.Logger

	lifecycle  *runner.LifecycleRunner
	eventsFile *os.File
	cancel     context.CancelFunc
}

func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		providers: providers,
		logger:    logging.NewComponentLogger(logger, "gateway"),
	}
	redact.SetEnabled(cfg.Observability.RedactPII)

	if err := e.buildObserver(opts.Observer); err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		var err error
		transport, err = providers.BuildTransport(cfg.Transports.Provider, cfg.Transports.Settings)
		if err != nil {
			e.obs.Close()
			return nil, fmt.Errorf("build transport: %w", err)
		}
	}
	e.transport = transport
	if ls, ok := transport.(interface{ SetLogger(*slog.Logger) }); ok {
		ls.SetLogger(logging.NewComponentLogger(logger, "transport"))
	}
	if cfg.Observability.MetricsEnabled {
		if ms, ok := transport.(interface{ SetMetricsHandler(http.Handler) }); ok {
			ms.SetMetricsHandler(metrics.Handler())
		}
	}

	vendors := make(map[string]tts.Synthesizer, len(cfg.Synthesis.Vendors))
	for name, vendor := range cfg.Synthesis.Vendors {
		s, err := providers.BuildTTS(vendor.Provider, vendor.Settings)
		if err != nil {
			e.obs.Close()
			return nil, fmt.Errorf("build synthesis vendor %q: %w", name, err)
		}
		vendors[name] = s
	}
	e.orch = synth.NewOrchestrator(vendors, e.obs, logging.NewComponentLogger(logger, "synth"))

	e.registry = session.NewRegistry(cfg.RegistryConfig(), e.buildSession, e.obs,
		logging.NewComponentLogger(logger, "registry"))

	e.lifecycle = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.logReady,
		OnStop: func() {
			e.logger.Info("gateway_stopped")
		},
	}, DrainTimeout+5*time.Second)

	return e, nil
}

// buildObserver assembles the event pipeline: configured sinks fan in
// behind one async stage so no caller blocks on metrics delivery.
func (e *Engine) buildObserver(extra metrics.Observer) error {
	var sinks []metrics.Observer
	if e.cfg.Observability.MetricsEnabled {
		sinks = append(sinks, metrics.NewPromObserver("voicewire"))
	}
	if path := e.cfg.Observability.EventsPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open events log: %w", err)
		}
		e.eventsFile = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	sinks = append(sinks, metrics.NewLogObserver(e.logger))
	e.obs = metrics.NewAsyncObserver(metrics.NewMultiObserver(sinks...), 1024)
	return nil
}

// buildSession is the registry factory: every session shares the
// orchestrator and sinks its output straight into the transport.
func (e *Engine) buildSession(id, callID, traceID string, cfg session.Config) (*session.Session, error) {
	deps := session.Deps{
		Orchestrator: e.orch,
		Sink:         e.sink,
		Observer:     e.obs,
		Logger:       logging.NewCallLogger(e.logger, "", callID, traceID),
	}
	return session.New(id, callID, traceID, cfg, deps), nil
}

func (e *Engine) sink(f frames.Frame) error {
	err := e.transport.Send(f)
	if af, ok := f.(frames.AudioFrame); ok {
		e.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventAudioOut,
			Time:  time.Now(),
			Value: float64(len(af.RawPayload())),
			Tags:  map[string]string{frames.MetaStreamID: af.Meta()[frames.MetaStreamID]},
		})
	}
	return err
}

// Run starts the transport and the dispatch loop, then blocks until the
// context ends or Stop is called. Shutdown drains live calls first.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	if err := e.transport.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	go e.route(runCtx)
	go e.registry.Run(runCtx)
	return e.lifecycle.Run(runCtx)
}

func (e *Engine) Stop() error {
	return e.lifecycle.Stop()
}

// Registry exposes the session table for diagnostics and tests.
func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) drain() error {
	_ = e.transport.Stop()
	select {
	case <-e.registry.Drain():
	case <-time.After(DrainTimeout):
		e.logger.Warn("drain_timeout_force_close",
			slog.Int("remaining_sessions", e.registry.Count()))
		e.registry.CloseAll("shutdown")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.obs.Close()
	if e.eventsFile != nil {
		_ = e.eventsFile.Close()
	}
	return nil
}

func (e *Engine) logReady() {
	attrs := []any{
		slog.String("transport", e.transport.Name()),
		slog.String("environment", e.cfg.Environment),
		slog.String("version", runner.GatewayVersion),
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	e.logger.Info("gateway_ready", attrs...)
}

// route is the single dispatch loop: one goroutine drains the transport
// and fans frames out to sessions, which do their own work asynchronously.
func (e *Engine) route(ctx context.Context) {
	recv := e.transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-recv:
			if !ok {
				return
			}
			e.dispatch(f)
		}
	}
}

func (e *Engine) dispatch(f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		e.handleAudio(fr)
	case frames.TextFrame:
		e.handleSpeak(fr)
	case frames.ControlFrame:
		e.handleControl(fr)
	case frames.SystemFrame:
		e.handleSystem(fr)
	default:
		e.logger.Warn("frame_unhandled", slog.String("kind", string(f.Kind())))
	}
}

func (e *Engine) handleAudio(f frames.AudioFrame) {
	meta := f.Meta()
	sess, ok := e.registry.GetByStream(meta[frames.MetaStreamID])
	if !ok {
		frames.ReleaseAudioFrame(f)
		return
	}
	sess.HandleInboundAudio(f)
}

func (e *Engine) handleSpeak(f frames.TextFrame) {
	meta := f.Meta()
	sess, ok := e.sessionFor(meta)
	if !ok {
		e.logger.Warn("speak_no_session", slog.String("stream_id", meta[frames.MetaStreamID]))
		return
	}
	opts := session.SpeakOptions{
		Provider: meta[frames.MetaProvider],
		VoiceID:  meta[frames.MetaVoiceID],
		Language: meta[frames.MetaLanguage],
	}
	if err := sess.Speak(f.Text(), opts); err != nil {
		e.sendClientError(meta[frames.MetaStreamID], err)
	}
}

func (e *Engine) handleControl(f frames.ControlFrame) {
	meta := f.Meta()
	sess, ok := e.sessionFor(meta)
	if !ok {
		return
	}
	switch f.Code() {
	case frames.ControlStop:
		sess.Stop()
	case frames.ControlStartInterruption:
		sess.OnInterruption()
	case frames.ControlDTMF:
		sess.Touch()
		e.logger.Debug("dtmf_received",
			slog.String("stream_id", meta[frames.MetaStreamID]),
			slog.String("digit", redact.Digit(meta[frames.MetaDTMFDigit])))
		_ = e.transport.Send(frames.NewSystemFrame(meta[frames.MetaStreamID], time.Now().UnixMilli(),
			"dtmf", map[string]string{frames.MetaDTMFDigit: meta[frames.MetaDTMFDigit]}))
	case frames.ControlMark:
		// Carrier confirmed playback of a checkpoint; relay it so the
		// client can align its own state with audible progress.
		_ = e.transport.Send(frames.NewSystemFrame(meta[frames.MetaStreamID], time.Now().UnixMilli(),
			"mark", map[string]string{frames.MetaMarkName: meta[frames.MetaMarkName]}))
	}
}

func (e *Engine) handleSystem(f frames.SystemFrame) {
	meta := f.Meta()
	switch f.Name() {
	case "stream_init":
		e.handleStreamInit(meta)
	case "call_start":
		e.handleCallStart(meta)
	case "call_reconnect":
		e.logger.Info("call_reconnect",
			slog.String("stream_id", meta[frames.MetaStreamID]),
			slog.String("old_stream_id", meta[frames.MetaOldStreamID]))
	case "call_end":
		callID := meta[frames.MetaCallSID]
		if callID == "" {
			if sess, ok := e.registry.GetByStream(meta[frames.MetaStreamID]); ok {
				callID = sess.CallID
			}
		}
		reason := meta[frames.MetaCallEndReason]
		if reason == "" {
			reason = "call_ended"
		}
		e.registry.Destroy(callID, reason)
	case "stream_detach":
		streamID := meta[frames.MetaStreamID]
		if sess, ok := e.registry.GetByStream(streamID); ok {
			sess.Detach()
		}
		e.registry.UnbindStream(streamID)
	case "client_config":
		// Session settings are fixed at call setup. A config message after
		// the carrier stream started cannot be applied retroactively.
		e.logger.Info("client_config_ignored",
			slog.String("stream_id", meta[frames.MetaStreamID]))
	default:
		e.logger.Debug("system_frame_unhandled", slog.String("name", f.Name()))
	}
}

// handleStreamInit creates the session before the carrier stream exists.
// The carrier start that follows finds it by call SID and binds the
// stream; settings sent with the init win over file defaults.
func (e *Engine) handleStreamInit(meta map[string]string) {
	callID := meta[frames.MetaCallSID]
	if callID == "" {
		e.logger.Warn("stream_init_missing_call_sid")
		return
	}

	cfg := e.cfg.SessionDefaults()
	if raw := meta[frames.MetaSettings]; raw != "" {
		if err := applySettingsOverrides(raw, &cfg); err != nil {
			e.logger.Warn("client_settings_rejected",
				slog.String("call_sid", callID),
				slog.String("error", err.Error()))
		}
	}

	_, existed, err := e.registry.CreateOrGet(callID, cfg)
	if err != nil {
		e.logger.Warn("session_create_failed",
			slog.String("call_sid", callID),
			slog.String("error", err.Error()))
		e.sendClientError(meta[frames.MetaStreamID], err)
		return
	}
	if !existed {
		e.logger.Info("session_prewarmed", slog.String("call_sid", callID))
	}
}

func (e *Engine) handleCallStart(meta map[string]string) {
	streamID := meta[frames.MetaStreamID]
	callID := meta[frames.MetaCallSID]
	if callID == "" {
		callID = streamID
	}

	cfg := e.cfg.SessionDefaults()
	if raw := meta[frames.MetaSettings]; raw != "" {
		if err := applySettingsOverrides(raw, &cfg); err != nil {
			e.logger.Warn("client_settings_rejected",
				slog.String("call_sid", callID),
				slog.String("error", err.Error()))
		}
	}

	sess, _, err := e.registry.CreateOrGet(callID, cfg)
	if err != nil {
		e.logger.Warn("session_create_failed",
			slog.String("call_sid", callID),
			slog.String("error", err.Error()))
		e.sendClientError(streamID, err)
		return
	}
	if err := sess.RegisterConnection(streamID); err != nil {
		e.logger.Warn("connection_register_failed",
			slog.String("call_sid", callID),
			slog.String("error", err.Error()))
		return
	}
	e.registry.BindStream(streamID, sess)

	// Sessions pre-warmed by stream_init reach their first carrier bind
	// without a detector; reconnects already carry one.
	if !sess.HasVendorDetector() {
		e.attachVendorDetector(sess, streamID, callID)
	}
}

// attachVendorDetector upgrades the new session's barge-in from the local
// energy gate to the configured vendor activity stream. Detector setup
// failure is non-fatal; the energy gate keeps working.
func (e *Engine) attachVendorDetector(sess *session.Session, streamID, callID string) {
	name := e.cfg.Detector.Provider
	if name == "" || e.cfg.Session.InterruptionsOff {
		return
	}
	sttCfg := stt.Config{
		StreamID:   streamID,
		CallSID:    callID,
		TraceID:    sess.TraceID,
		SampleRate: e.cfg.Session.SampleRate,
		Language:   e.cfg.Session.Language,
	}
	det, err := e.providers.BuildDetector(name, e.cfg.Detector.Settings, sttCfg)
	if err != nil {
		e.logger.Warn("detector_build_failed",
			slog.String("provider", name),
			slog.String("error", err.Error()))
		return
	}
	// The detector's vendor connection lives as long as the Start context,
	// so it gets the background context and is torn down via Close when the
	// session ends.
	if err := det.Start(context.Background()); err != nil {
		e.logger.Warn("detector_start_failed",
			slog.String("provider", name),
			slog.String("error", err.Error()))
		_ = det.Close()
		return
	}
	sess.SetVendorDetector(det)
	go func() {
		<-sess.Done()
		_ = det.Close()
	}()
	e.logger.Info("detector_attached",
		slog.String("provider", name),
		slog.String("call_sid", callID))
}

func (e *Engine) sessionFor(meta map[string]string) (*session.Session, bool) {
	if streamID := meta[frames.MetaStreamID]; streamID != "" {
		if sess, ok := e.registry.GetByStream(streamID); ok {
			return sess, true
		}
	}
	if callID := meta[frames.MetaCallSID]; callID != "" {
		return e.registry.GetByCall(callID)
	}
	return nil, false
}

func (e *Engine) sendClientError(streamID string, err error) {
	_ = e.transport.Send(frames.NewSystemFrame(streamID, time.Now().UnixMilli(), session.EventError,
		map[string]string{
			frames.MetaReason:  string(errorsx.Reason(err)),
			frames.MetaMessage: err.Error(),
		}))
}

// applySettingsOverrides layers the client's config message over the file
// defaults. Unknown keys are ignored, known keys are weakly typed.
func applySettingsOverrides(raw string, cfg *session.Config) error {
	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	return configutil.DecodeSettings(settings, cfg)
}
