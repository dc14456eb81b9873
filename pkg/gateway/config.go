package gateway

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/voicewire-io/voicewire/pkg/bargein"
	"github.com/voicewire-io/voicewire/pkg/pacer"
	"github.com/voicewire-io/voicewire/pkg/session"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Synthesis     SynthesisConfig     `mapstructure:"synthesis"`
	Detector      DetectorConfig      `mapstructure:"detector"`
	Session       SessionConfig       `mapstructure:"session"`
	Pacing        PacingConfig        `mapstructure:"pacing"`
	BargeIn       BargeInConfig       `mapstructure:"barge_in"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// VendorConfig is one synthesis backend: the factory name plus its
// vendor-specific settings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SynthesisConfig struct {
	// Preferred orders the fallback walk. Every entry must name a key in
	// Vendors.
	Preferred []string                `mapstructure:"preferred"`
	TimeoutMS int                     `mapstructure:"timeout_ms"`
	Vendors   map[string]VendorConfig `mapstructure:"vendors"`
}

// DetectorConfig selects an optional vendor speech-activity backend that
// replaces the local energy gate.
type DetectorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	Format           string `mapstructure:"format"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Language         string `mapstructure:"language"`
	VoiceID          string `mapstructure:"voice_id"`
	RingCapacity     int    `mapstructure:"ring_capacity"`
	IdleTimeoutMS    int    `mapstructure:"idle_timeout_ms"`
	SweepIntervalMS  int    `mapstructure:"sweep_interval_ms"`
	InterruptionsOff bool   `mapstructure:"interruptions_off"`
}

type PacingConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
	MaxQueue   int `mapstructure:"max_queue"`
}

type BargeInConfig struct {
	EnergyThreshold  float64 `mapstructure:"energy_threshold"`
	ActivationChunks int     `mapstructure:"activation_chunks"`
	HangoverChunks   int     `mapstructure:"hangover_chunks"`
	CooldownMS       int     `mapstructure:"cooldown_ms"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	EventsPath     string `mapstructure:"events_path"`
	RedactPII      bool   `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("synthesis.timeout_ms", 2000)
	v.SetDefault("session.format", "mulaw")
	v.SetDefault("session.sample_rate", 8000)
	v.SetDefault("session.language", "en-US")
	v.SetDefault("session.ring_capacity", 20)
	v.SetDefault("session.idle_timeout_ms", 300000)
	v.SetDefault("session.sweep_interval_ms", 30000)
	v.SetDefault("pacing.interval_ms", 15)
	v.SetDefault("pacing.max_queue", 256)
	v.SetDefault("barge_in.energy_threshold", 550)
	v.SetDefault("barge_in.activation_chunks", 3)
	v.SetDefault("barge_in.hangover_chunks", 5)
	v.SetDefault("barge_in.cooldown_ms", 1000)
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.events_path", "")
	v.SetDefault("observability.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if len(c.Synthesis.Preferred) == 0 {
		return fmt.Errorf("synthesis.preferred must name at least one provider")
	}
	for _, name := range c.Synthesis.Preferred {
		if _, ok := c.Synthesis.Vendors[name]; !ok {
			return fmt.Errorf("synthesis.preferred references unknown vendor %q", name)
		}
	}
	return nil
}

// SessionDefaults maps the file config onto the per-call session template.
// Client config messages override individual fields at call setup.
func (c *Config) SessionDefaults() session.Config {
	return session.Config{
		Format:             c.Session.Format,
		SampleRate:         c.Session.SampleRate,
		Language:           c.Session.Language,
		VoiceID:            c.Session.VoiceID,
		PreferredProviders: append([]string(nil), c.Synthesis.Preferred...),
		InterruptionsOff:   c.Session.InterruptionsOff,
		RingCapacity:       c.Session.RingCapacity,
		ProviderTimeout:    time.Duration(c.Synthesis.TimeoutMS) * time.Millisecond,
		Pacing: pacer.Config{
			Interval: time.Duration(c.Pacing.IntervalMS) * time.Millisecond,
			MaxQueue: c.Pacing.MaxQueue,
		},
		BargeIn: bargein.Config{
			EnergyThreshold:  c.BargeIn.EnergyThreshold,
			ActivationChunks: c.BargeIn.ActivationChunks,
			HangoverChunks:   c.BargeIn.HangoverChunks,
			Cooldown:         time.Duration(c.BargeIn.CooldownMS) * time.Millisecond,
		},
	}
}

// RegistryConfig maps the file config onto the sweep tuning.
func (c *Config) RegistryConfig() session.RegistryConfig {
	return session.RegistryConfig{
		IdleTimeout:   time.Duration(c.Session.IdleTimeoutMS) * time.Millisecond,
		SweepInterval: time.Duration(c.Session.SweepIntervalMS) * time.Millisecond,
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Detector.Settings = expandSettings(cfg.Detector.Settings)
	for name, vendor := range cfg.Synthesis.Vendors {
		vendor.Settings = expandSettings(vendor.Settings)
		cfg.Synthesis.Vendors[name] = vendor
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
