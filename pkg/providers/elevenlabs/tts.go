package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/logging"
	"github.com/voicewire-io/voicewire/pkg/resilience"
)

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	return c
}

// Synthesizer streams speech from the ElevenLabs stream-input websocket.
// Each utterance gets its own connection; the gateway's fallback walk needs
// setup failures to surface per call, not per process.
type Synthesizer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	return &Synthesizer{
		cfg:    cfg.withDefaults(),
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if s.cfg.APIKey == "" {
		return nil, errorsx.Wrap(errors.New("missing elevenlabs api key"), errorsx.ReasonTTSConnect)
	}
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = s.cfg.VoiceID
	}
	if voiceID == "" {
		return nil, errorsx.Wrap(errors.New("missing voice id"), errorsx.ReasonTTSConnect)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(voiceID), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited",
				slog.String("stream_id", req.StreamID),
				slog.String("status", resp.Status))
			return nil, errorsx.Wrap(
				resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status},
				errorsx.ReasonTTSRateLimit)
		}
		s.logger.Error("elevenlabs_connect_failed",
			slog.String("stream_id", req.StreamID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	if err := s.sendUtterance(conn, req.Text); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

	stream := tts.NewChunkStream(128)
	go s.readLoop(ctx, conn, stream, req.StreamID)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return stream, nil
}

func (s *Synthesizer) buildURL(voiceID string) string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + voiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

// sendUtterance performs the stream-input handshake: settings, the text,
// then the empty-text end-of-input marker.
func (s *Synthesizer) sendUtterance(conn *websocket.Conn, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty utterance")
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	messages := []map[string]any{
		{
			"text":                   " ",
			"try_trigger_generation": true,
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text, "flush": true},
		{"text": ""},
	}
	for _, msg := range messages {
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synthesizer) readLoop(ctx context.Context, conn *websocket.Conn, stream *tts.ChunkStream, streamID string) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				stream.CloseWithErr(ctx.Err())
			} else {
				stream.CloseWithErr(err)
			}
			return
		}
		var msg struct {
			Audio       string `json:"audio"`
			AudioBase64 string `json:"audio_base_64"`
			IsFinal     bool   `json:"isFinal"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("elevenlabs_unparseable_message", slog.String("stream_id", streamID))
			continue
		}
		if msg.Error != "" {
			stream.CloseWithErr(errors.New(msg.Error))
			return
		}
		audio := msg.Audio
		if audio == "" {
			audio = msg.AudioBase64
		}
		if audio != "" {
			raw, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				s.logger.Error("elevenlabs_audio_decode_error",
					slog.String("stream_id", streamID),
					slog.String("error", err.Error()))
				continue
			}
			if !stream.Send(raw) {
				return
			}
		}
		if msg.IsFinal {
			stream.CloseWithErr(nil)
			return
		}
	}
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
