package bargein

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
	"github.com/voicewire-io/voicewire/pkg/frames"
)

// Interrupter receives the barge-in signal. The call is synchronous from
// Observe; implementations must return quickly.
type Interrupter interface {
	OnInterruption()
}

// Config holds the detection tuning. The threshold, streak and cooldown
// values are operational parameters with no derivation beyond field tuning;
// they are configuration, not constants.
type Config struct {
	// EnergyThreshold is the RMS amplitude (decoded 16-bit scale) above
	// which a chunk counts as speech.
	EnergyThreshold float64
	// ActivationChunks is how many consecutive active chunks are needed
	// before speech is declared, filtering transient noise.
	ActivationChunks int
	// HangoverChunks keeps speech active for this many quiet chunks,
	// bridging short pauses inside a word.
	HangoverChunks int
	// Cooldown is the minimum quiet period between interruptions.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 550
	}
	if c.ActivationChunks <= 0 {
		c.ActivationChunks = 3
	}
	if c.HangoverChunks <= 0 {
		c.HangoverChunks = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	return c
}

// Detector watches inbound caller audio and raises interruptions when the
// caller speaks over outbound playback. It sits on the inbound hot path:
// Observe is energy math over one chunk plus a few branches.
type Detector struct {
	cfg         Config
	interrupter Interrupter
	speaking    func() bool
	vendor      stt.ActivityDetector
	logger      *slog.Logger

	mu       sync.Mutex
	streak   int
	hangover int
	active   bool
	lastFire time.Time
	now      func() time.Time
}

// New builds a detector. speaking reports whether outbound playback is in
// progress; interruptions only fire while it returns true.
func New(cfg Config, interrupter Interrupter, speaking func() bool, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if speaking == nil {
		speaking = func() bool { return false }
	}
	return &Detector{
		cfg:         cfg.withDefaults(),
		interrupter: interrupter,
		speaking:    speaking,
		logger:      logger,
		now:         time.Now,
	}
}

// SetVendorDetector swaps the local energy gate for a vendor speech
// activity capability. Streak and cooldown logic still apply.
func (d *Detector) SetVendorDetector(v stt.ActivityDetector) {
	d.mu.Lock()
	d.vendor = v
	d.mu.Unlock()
}

// HasVendor reports whether a vendor capability is attached.
func (d *Detector) HasVendor() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vendor != nil
}

// Observe ingests one inbound chunk and returns whether caller speech is
// currently active. When activity begins while playback is in progress and
// the cooldown has elapsed, the interrupter is invoked synchronously.
func (d *Detector) Observe(f frames.AudioFrame) bool {
	d.mu.Lock()

	chunkActive := false
	if d.vendor != nil {
		chunkActive = d.vendor.DetectSpeechActivity(f.RawPayload())
	} else {
		chunkActive = rmsEnergy(f.RawPayload()) >= d.cfg.EnergyThreshold
	}

	if chunkActive {
		d.streak++
		d.hangover = d.cfg.HangoverChunks
	} else {
		d.streak = 0
		if d.hangover > 0 {
			d.hangover--
		}
	}

	wasActive := d.active
	d.active = d.streak >= d.cfg.ActivationChunks || (wasActive && d.hangover > 0)

	fire := false
	if d.active && !wasActive {
		if d.now().Sub(d.lastFire) >= d.cfg.Cooldown && d.speaking() {
			d.lastFire = d.now()
			fire = true
		}
	}
	active := d.active
	interrupter := d.interrupter
	d.mu.Unlock()

	if fire && interrupter != nil {
		d.logger.Info("barge_in_detected",
			slog.String("stream_id", f.Meta()[frames.MetaStreamID]))
		interrupter.OnInterruption()
	}
	return active
}

// Reset clears detection state, typically after an utterance ends.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.streak = 0
	d.hangover = 0
	d.active = false
	d.mu.Unlock()
}
