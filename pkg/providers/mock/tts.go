package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
)

type TTSConfig struct {
	// ChunkCount and ChunkSize shape the deterministic audio emitted per
	// utterance.
	ChunkCount int
	ChunkSize  int
	// ChunkDelay spaces the chunks out to mimic a streaming backend.
	ChunkDelay time.Duration
	// Err, when set, fails every Synthesize call.
	Err error
	// SetupDelay stalls Synthesize, for exercising timeouts.
	SetupDelay time.Duration
}

// Synthesizer is a deterministic in-memory backend for tests and local
// runs. It emits mu-law silence chunks for any text.
type Synthesizer struct {
	cfg   TTSConfig
	calls atomic.Int64
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.ChunkCount == 0 {
		cfg.ChunkCount = 10
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 160
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock" }

// Calls returns how many synthesis requests were made.
func (s *Synthesizer) Calls() int64 { return s.calls.Load() }

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	s.calls.Add(1)
	if s.cfg.SetupDelay > 0 {
		select {
		case <-time.After(s.cfg.SetupDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}

	stream := tts.NewChunkStream(s.cfg.ChunkCount + 1)
	go func() {
		for i := 0; i < s.cfg.ChunkCount; i++ {
			if s.cfg.ChunkDelay > 0 {
				select {
				case <-time.After(s.cfg.ChunkDelay):
				case <-ctx.Done():
					stream.CloseWithErr(ctx.Err())
					return
				}
			}
			chunk := make([]byte, s.cfg.ChunkSize)
			for j := range chunk {
				chunk[j] = 0xFF
			}
			if !stream.Send(chunk) {
				return
			}
		}
		stream.CloseWithErr(nil)
	}()
	return stream, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
