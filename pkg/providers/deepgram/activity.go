package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/logging"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	StreamID       string
	CallSID        string
	TraceID        string
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.UtteranceEndMS == 0 {
		c.UtteranceEndMS = 1000
	}
	return c
}

// ActivityDetector upgrades barge-in from local energy gating to Deepgram's
// VAD events. Audio is streamed to the vendor continuously; the verdict
// returned on the hot path is the latest event state, never a network
// round trip.
type ActivityDetector struct {
	cfg      Config
	dgClient *client.WSCallback
	ctx      context.Context
	cancel   context.CancelFunc

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	// sendCh decouples the hot path from the vendor socket: the pipe
	// write happens on the feed goroutine, never on the caller.
	sendCh  chan []byte
	dropped atomic.Int64

	speaking atomic.Bool
	logger   *slog.Logger
}

// feedDepth is about two seconds of 20ms chunks queued toward the vendor.
const feedDepth = 100

func New(cfg Config) *ActivityDetector {
	return &ActivityDetector{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_vad"),
	}
}

func (d *ActivityDetector) Name() string { return "deepgram" }

func (d *ActivityDetector) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.pipeReader, d.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Encoding:       d.cfg.Encoding,
		SampleRate:     d.cfg.SampleRate,
		VadEvents:      true,
		InterimResults: true,
		UtteranceEndMs: fmt.Sprintf("%d", d.cfg.UtteranceEndMS),
	}

	d.logger.Info("deepgram_vad_connecting",
		slog.String("stream_id", d.cfg.StreamID),
		slog.String("model", d.cfg.Model),
		slog.Int("sample_rate", d.cfg.SampleRate))

	cb := &callback{parent: d}
	dgClient, err := client.NewWSUsingCallback(d.ctx, d.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		d.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", d.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	d.dgClient = dgClient

	if connected := d.dgClient.Connect(); !connected {
		d.logger.Error("deepgram_connect_failed", slog.String("stream_id", d.cfg.StreamID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	go func() {
		if err := d.dgClient.Stream(d.pipeReader); err != nil && d.ctx.Err() == nil {
			d.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", d.cfg.StreamID))
		}
	}()
	d.sendCh = make(chan []byte, feedDepth)
	go d.feed()
	return nil
}

// feed moves queued audio from the hot path into the vendor pipe. The
// pipe write blocks until the vendor socket accepts it, which is why it
// runs here and not in DetectSpeechActivity.
func (d *ActivityDetector) feed() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case chunk := <-d.sendCh:
			if _, err := d.pipeWriter.Write(chunk); err != nil {
				if d.ctx.Err() == nil {
					d.logger.Error("deepgram_send_failed",
						slog.String("error", err.Error()),
						slog.String("stream_id", d.cfg.StreamID))
				}
				return
			}
		}
	}
}

func (d *ActivityDetector) Close() error {
	d.logger.Info("deepgram_vad_closing", slog.String("stream_id", d.cfg.StreamID))
	if d.cancel != nil {
		d.cancel()
	}
	if d.pipeWriter != nil {
		_ = d.pipeWriter.Close()
	}
	if d.dgClient != nil {
		d.dgClient.Stop()
	}
	return nil
}

// DetectSpeechActivity hands the chunk to the vendor feed and returns the
// current VAD verdict. The hand-off never blocks; when the feed cannot
// keep up the chunk is dropped and the verdict still answers from the
// last event state.
func (d *ActivityDetector) DetectSpeechActivity(audio []byte) bool {
	if d.sendCh != nil {
		// Copied because the caller reuses its buffer after we return.
		chunk := make([]byte, len(audio))
		copy(chunk, audio)
		select {
		case d.sendCh <- chunk:
		default:
			if d.dropped.Add(1)%100 == 1 {
				d.logger.Warn("deepgram_feed_saturated",
					slog.Int64("dropped", d.dropped.Load()),
					slog.String("stream_id", d.cfg.StreamID))
			}
		}
	}
	return d.speaking.Load()
}

// DroppedChunks reports audio discarded because the vendor feed was full.
func (d *ActivityDetector) DroppedChunks() int64 { return d.dropped.Load() }

type callback struct {
	parent *ActivityDetector
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	// Interim transcripts double as an activity signal when VAD events lag.
	if len(mr.Channel.Alternatives) > 0 && mr.Channel.Alternatives[0].Transcript != "" {
		c.parent.speaking.Store(true)
	}
	if mr.SpeechFinal {
		c.parent.speaking.Store(false)
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.speaking.Store(true)
	c.parent.logger.Debug("speech_started_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.speaking.Store(false)
	c.parent.logger.Debug("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.speaking.Store(false)
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

var _ stt.ActivityDetector = (*ActivityDetector)(nil)
