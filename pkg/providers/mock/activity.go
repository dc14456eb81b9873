package mock

import (
	"context"
	"sync/atomic"

	"github.com/voicewire-io/voicewire/pkg/adapters/stt"
)

// ActivityDetector is a scriptable speech-activity source for barge-in
// tests. SetSpeaking flips the verdict returned on the hot path.
type ActivityDetector struct {
	speaking atomic.Bool
	started  atomic.Bool
	observed atomic.Int64
}

func NewActivityDetector() *ActivityDetector {
	return &ActivityDetector{}
}

func (d *ActivityDetector) Name() string { return "mock" }

func (d *ActivityDetector) Start(ctx context.Context) error {
	_ = ctx
	d.started.Store(true)
	return nil
}

func (d *ActivityDetector) Close() error {
	d.started.Store(false)
	return nil
}

func (d *ActivityDetector) DetectSpeechActivity(audio []byte) bool {
	_ = audio
	d.observed.Add(1)
	return d.speaking.Load()
}

// SetSpeaking scripts the verdict for subsequent chunks.
func (d *ActivityDetector) SetSpeaking(v bool) { d.speaking.Store(v) }

// Observed returns how many chunks were inspected.
func (d *ActivityDetector) Observed() int64 { return d.observed.Load() }

var _ stt.ActivityDetector = (*ActivityDetector)(nil)
