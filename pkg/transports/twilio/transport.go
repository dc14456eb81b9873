package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport terminates carrier media-stream websockets and client control
// connections on one endpoint, translating both into frames. Each live
// stream gets a dedicated writer goroutine so one stalled socket cannot
// block the others.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	logger   *slog.Logger

	metricsHandler http.Handler
	updateClient   callUpdater

	mu          sync.Mutex
	links       map[string]*link
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	fromNumbers map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media is base64 inside JSON; compression costs latency for
			// little gain on mu-law payloads.
			EnableCompression: false,
		},
		recvCh:      make(chan frames.Frame, 512),
		logger:      slog.Default(),
		links:       make(map[string]*link),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// SetLogger replaces the default logger, typically with a component logger.
func (t *Transport) SetLogger(l *slog.Logger) {
	if l != nil {
		t.logger = l
	}
}

// SetMetricsHandler mounts a scrape endpoint on the transport's server.
func (t *Transport) SetMetricsHandler(h http.Handler) { t.metricsHandler = h }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if t.metricsHandler != nil {
		mux.Handle(t.cfg.MetricsPath, t.metricsHandler)
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, l := range t.links {
		_ = l.close()
	}
	t.links = make(map[string]*link)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	// Accept whichever subprotocol the peer offers first; the framing is
	// identical across versions we speak.
	var hdr http.Header
	if offered := websocket.Subprotocols(r); len(offered) > 0 {
		hdr = http.Header{"Sec-WebSocket-Protocol": []string{offered[0]}}
	}
	conn, err := t.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxPayloadBytes)

	var streamID string
	var pendingConfig map[string]any

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		in, err := DecodeInbound(msg)
		if err != nil {
			t.logger.Warn("inbound_frame_rejected",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("stream_id", streamID))
			if errorsx.HasReason(err, errorsx.ReasonPayloadTooLarge) {
				break
			}
			continue
		}
		if in.Client != nil {
			pendingConfig = t.handleClientMessage(conn, streamID, in.Client, pendingConfig)
			continue
		}

		evt := in.Carrier
		switch evt.Event {
		case "connected":
			// Handshake preamble, nothing to route.
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			t.handleStreamStart(conn, evt.Start, pendingConfig)
			pendingConfig = nil
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := DecodeMediaPayload(evt.Media)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
			meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
			meta[frames.MetaTrack] = evt.Media.Track
			af := frames.NewAudioFrameFromPool(streamID, time.Now().UnixNano(), payload, 8000, 1, meta)
			nonBlockingSend(t.recvCh, af)
		case "dtmf":
			if evt.DTMF == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaDTMFDigit] = evt.DTMF.Digit
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
		case "mark":
			if evt.Mark == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaMarkName] = evt.Mark.Name
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, meta))
		case "stop":
			meta := t.metaForStream(streamID)
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			meta[frames.MetaCallEndReason] = reason
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
			t.detach(streamID)
			return
		}
	}

	// Socket died without a carrier stop: the call may still be alive on
	// the carrier side, so report a detach rather than an end.
	if streamID != "" {
		meta := t.metaForStream(streamID)
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "stream_detach", meta))
		t.detach(streamID)
	}
}

func (t *Transport) handleStreamStart(conn *websocket.Conn, start *CarrierStart, pendingConfig map[string]any) {
	traceID := uuid.NewString()
	oldStream, oldLink := t.attach(start.StreamID, start.CallSID, traceID, start.From, conn)
	if oldLink != nil {
		_ = oldLink.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:   start.StreamID,
		frames.MetaCallSID:    start.CallSID,
		frames.MetaTraceID:    traceID,
		frames.MetaFromNumber: start.From,
		frames.MetaSource:     "transport",
	}
	if pendingConfig != nil {
		if raw, err := json.Marshal(pendingConfig); err == nil {
			meta[frames.MetaSettings] = string(raw)
		}
	}
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(start.StreamID, time.Now().UnixNano(), "call_start", meta))
	if oldStream != "" {
		reconnectMeta := map[string]string{
			frames.MetaStreamID:    start.StreamID,
			frames.MetaCallSID:     start.CallSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: oldStream,
			frames.MetaSource:      "transport",
		}
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(start.StreamID, time.Now().UnixNano(), "call_reconnect", reconnectMeta))
	}
}

// handleClientMessage routes one control-plane message. Config before the
// stream starts is buffered on the connection; stream_init is forwarded
// even without a stream so the call can be set up ahead of the carrier;
// pings are answered in place and never reach the engine.
func (t *Transport) handleClientMessage(conn *websocket.Conn, streamID string, msg *ClientMessage, pendingConfig map[string]any) map[string]any {
	switch msg.Type {
	case ClientConfig:
		if streamID == "" {
			return msg.Settings
		}
		meta := t.metaForStream(streamID)
		if raw, err := json.Marshal(msg.Settings); err == nil {
			meta[frames.MetaSettings] = string(raw)
		}
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "client_config", meta))
	case ClientStreamInit:
		if msg.CallSID == "" {
			t.logger.Warn("stream_init_missing_call_sid", slog.String("stream_id", streamID))
			return pendingConfig
		}
		meta := map[string]string{
			frames.MetaCallSID: msg.CallSID,
			frames.MetaSource:  "client",
		}
		if len(msg.Settings) > 0 {
			if raw, err := json.Marshal(msg.Settings); err == nil {
				meta[frames.MetaSettings] = string(raw)
			}
		}
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "stream_init", meta))
	case ClientStreamStart, ClientSpeak:
		if streamID == "" {
			return pendingConfig
		}
		meta := t.metaForStream(streamID)
		if msg.Provider != "" {
			meta[frames.MetaProvider] = msg.Provider
		}
		if msg.VoiceID != "" {
			meta[frames.MetaVoiceID] = msg.VoiceID
		}
		if msg.Language != "" {
			meta[frames.MetaLanguage] = msg.Language
		}
		nonBlockingSend(t.recvCh, frames.NewTextFrame(streamID, time.Now().UnixNano(), msg.Text, meta))
	case ClientStreamStop, ClientStop:
		if streamID == "" {
			return pendingConfig
		}
		nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStop, t.metaForStream(streamID)))
	case ClientInterruption:
		if streamID == "" {
			return pendingConfig
		}
		meta := t.metaForStream(streamID)
		meta[frames.MetaSource] = "client"
		nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta))
	case ClientPing:
		if b, err := EncodePong(time.Now()); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	default:
		t.logger.Warn("client_message_unknown",
			slog.String("type", msg.Type),
			slog.String("stream_id", streamID))
	}
	return pendingConfig
}

func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendFallback(streamID)
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.sendClear(streamID)
		case frames.ControlMark:
			return t.sendMark(streamID, cf.Meta()[frames.MetaMarkName])
		default:
			return nil
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		l := t.link(streamID)
		if l == nil {
			return nil
		}
		b, err := EncodeClientEvent(sf.Name(), sf.Meta())
		if err != nil {
			return err
		}
		return l.enqueue(b)
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		l := t.link(streamID)
		if l == nil {
			return errorsx.Wrap(errors.New("no live stream "+streamID), errorsx.ReasonConnectionClosed)
		}
		b, err := EncodeMedia(streamID, af)
		if err != nil {
			return err
		}
		return l.enqueue(b)
	default:
		return nil
	}
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		t.logger.Warn("invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		t.logger.Warn("status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicPath(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicPath(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicPath(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) (string, *link) {
	l := &link{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldLink *link
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			oldLink = t.links[existing]
			delete(t.links, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.fromNumbers, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.links[streamID] = l
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	if from != "" {
		t.fromNumbers[streamID] = from
	}
	t.mu.Unlock()
	go l.loop()
	return oldStream, oldLink
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	l := t.links[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.links, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if l != nil {
		_ = l.close()
	}
}

func (t *Transport) link(streamID string) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

func (t *Transport) sendClear(streamID string) error {
	l := t.link(streamID)
	if l == nil {
		return nil
	}
	b, err := EncodeClear(streamID)
	if err != nil {
		return err
	}
	return l.enqueue(b)
}

func (t *Transport) sendMark(streamID, name string) error {
	l := t.link(streamID)
	if l == nil {
		return nil
	}
	b, err := EncodeMark(streamID, name)
	if err != nil {
		return err
	}
	return l.enqueue(b)
}

// sendFallback plays a short run of mu-law silence so the caller hears a
// live line while synthesis recovers.
func (t *Transport) sendFallback(streamID string) error {
	l := t.link(streamID)
	if l == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		b, err := EncodeMedia(streamID, frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk, 8000, 1, nil))
		if err != nil {
			continue
		}
		_ = l.enqueue(b)
	}
	return nil
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// link is one live websocket with its writer goroutine. Enqueue never
// blocks; a full send buffer drops the message rather than stalling the
// pacing loop. The mutex orders enqueue against close so a concurrent
// teardown can never close the channel under an in-flight send.
type link struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (l *link) enqueue(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	select {
	case l.sendCh <- b:
	default:
	}
	return nil
}

func (l *link) loop() {
	for msg := range l.sendCh {
		_ = l.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (l *link) close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.sendCh)
	}
	l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var fallbackMuLawOnce sync.Once
var fallbackMuLaw [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
