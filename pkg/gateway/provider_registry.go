package gateway

import (
	"fmt"
	"strings"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/configutil"
	"github.com/voicewire-io/voicewire/pkg/providers/deepgram"
	"github.com/voicewire-io/voicewire/pkg/providers/elevenlabs"
	"github.com/voicewire-io/voicewire/pkg/providers/mock"
	"github.com/voicewire-io/voicewire/pkg/transports"
	transportmock "github.com/voicewire-io/voicewire/pkg/transports/mock"
	"github.com/voicewire-io/voicewire/pkg/transports/twilio"
)

type TTSFactory func(settings map[string]any) (tts.Synthesizer, error)

// DetectorFactory builds one per-call activity detector; detectors hold a
// live vendor connection so they cannot be shared across calls.
type DetectorFactory func(settings map[string]any, sttCfg stt.Config) (stt.ActivityDetector, error)

type TransportFactory func(settings map[string]any) (transports.Transport, error)

// ProviderRegistry resolves factory names from configuration to concrete
// vendors. Callers can register their own before engine construction.
type ProviderRegistry struct {
	tts        map[string]TTSFactory
	detectors  map[string]DetectorFactory
	transports map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{
		tts:        make(map[string]TTSFactory),
		detectors:  make(map[string]DetectorFactory),
		transports: make(map[string]TransportFactory),
	}
	r.registerDefaults()
	return r
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterDetector(name string, factory DetectorFactory) {
	r.detectors[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildTTS(name string, settings map[string]any) (tts.Synthesizer, error) {
	fn := r.tts[normalizeName(name)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", name)
	}
	return fn(settings)
}

func (r *ProviderRegistry) BuildDetector(name string, settings map[string]any, sttCfg stt.Config) (stt.ActivityDetector, error) {
	fn := r.detectors[normalizeName(name)]
	if fn == nil {
		return nil, fmt.Errorf("detector provider not registered: %s", name)
	}
	return fn(settings, sttCfg)
}

func (r *ProviderRegistry) BuildTransport(name string, settings map[string]any) (transports.Transport, error) {
	fn := r.transports[normalizeName(name)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", name)
	}
	return fn(settings)
}

func (r *ProviderRegistry) registerDefaults() {
	r.RegisterTTS("elevenlabs", func(settings map[string]any) (tts.Synthesizer, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate"},
		}); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		var cfg elevenlabs.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return elevenlabs.New(cfg), nil
	})
	r.RegisterTTS("mock", func(settings map[string]any) (tts.Synthesizer, error) {
		var cfg mock.TTSConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewTTS(cfg), nil
	})

	r.RegisterDetector("deepgram", func(settings map[string]any, sttCfg stt.Config) (stt.ActivityDetector, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "utterance_end_ms"},
		}); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var cfg deepgram.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		cfg.StreamID = sttCfg.StreamID
		cfg.CallSID = sttCfg.CallSID
		cfg.TraceID = sttCfg.TraceID
		if sttCfg.SampleRate > 0 {
			cfg.SampleRate = sttCfg.SampleRate
		}
		if sttCfg.Language != "" && cfg.Language == "" {
			cfg.Language = sttCfg.Language
		}
		return deepgram.New(cfg), nil
	})
	r.RegisterDetector("mock", func(settings map[string]any, sttCfg stt.Config) (stt.ActivityDetector, error) {
		return mock.NewActivityDetector(), nil
	})

	r.RegisterTransport("twilio", func(settings map[string]any) (transports.Transport, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{
				"server_addr", "public_url", "voice_path", "ws_path",
				"status_callback_path", "metrics_path", "voice_greeting",
				"allow_any_origin", "allowed_origins",
			},
		}); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		var cfg twilio.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return twilio.New(cfg), nil
	})
	r.RegisterTransport("mock", func(settings map[string]any) (transports.Transport, error) {
		return transportmock.New(), nil
	})
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
