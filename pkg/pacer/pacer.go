package pacer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
)

// Config tunes the outbound release cadence. The interval approximates
// real-time playback for the chunk size in use; 15ms suits 160-byte mu-law
// chunks at 8kHz with a small lead.
type Config struct {
	Interval time.Duration
	MaxQueue int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Millisecond
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	return c
}

// Pacer buffers synthesized audio and releases it at a steady cadence.
// Backends can emit audio faster than real time; forwarding it directly
// would overrun the carrier's receive buffer. The queue is bounded: when
// full, the newest chunk is dropped and a degraded-audio event is recorded.
// Continuity of the call takes priority over completeness of one utterance.
type Pacer struct {
	mu       sync.Mutex
	cfg      Config
	streamID string
	queue    []frames.AudioFrame
	seq      uint64
	dropped  int64
	obs      metrics.Observer
	logger   *slog.Logger
}

func New(streamID string, cfg Config, obs metrics.Observer, logger *slog.Logger) *Pacer {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{
		cfg:      cfg.withDefaults(),
		streamID: streamID,
		obs:      obs,
		logger:   logger,
	}
}

// Push enqueues a chunk, assigning the next sequence number. Returns false
// when the queue is full and the chunk was dropped.
func (p *Pacer) Push(f frames.AudioFrame) bool {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.MaxQueue {
		p.dropped++
		dropped := p.dropped
		p.mu.Unlock()
		p.logger.Warn("pacer_queue_full",
			slog.String("stream_id", p.streamID),
			slog.Int64("dropped_total", dropped))
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventAudioDegraded,
			Time: time.Now(),
			Tags: map[string]string{frames.MetaStreamID: p.streamID, "cause": "queue_full"},
		})
		return false
	}
	p.seq++
	p.queue = append(p.queue, f.WithSeq(p.seq))
	p.mu.Unlock()
	return true
}

// DrainNext pops the oldest queued chunk, if any.
func (p *Pacer) DrainNext() (frames.AudioFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return frames.AudioFrame{}, false
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f, true
}

// Flush clears the queue and resets the sequence counter. This is how
// barge-in silences a half-delivered utterance instantly. Returns the
// number of chunks discarded.
func (p *Pacer) Flush() int {
	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.seq = 0
	p.mu.Unlock()
	if n > 0 {
		p.logger.Debug("pacer_flushed",
			slog.String("stream_id", p.streamID),
			slog.Int("discarded", n))
	}
	return n
}

func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the total number of chunks rejected on push.
func (p *Pacer) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run releases one chunk per tick through send until ctx is done. Send
// failures drop the chunk and record degraded audio; they never stop the
// loop, since transient transport pressure should not end the call.
func (p *Pacer) Run(ctx context.Context, send func(frames.Frame) error) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, ok := p.DrainNext()
			if !ok {
				continue
			}
			if err := send(f); err != nil {
				p.logger.Warn("pacer_send_failed",
					slog.String("stream_id", p.streamID),
					slog.String("error", err.Error()))
				p.obs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventAudioDegraded,
					Time: time.Now(),
					Tags: map[string]string{frames.MetaStreamID: p.streamID, "cause": "send_failed"},
				})
			}
		}
	}
}
