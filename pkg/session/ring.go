package session

import (
	"sync"

	"github.com/voicewire-io/voicewire/pkg/frames"
)

// DefaultRingCapacity is about one second of 8kHz mu-law audio in 20ms
// chunks.
const DefaultRingCapacity = 20

// InputRing is the bounded buffer for inbound caller audio. When full, the
// oldest chunk is dropped: losing audio is preferred over unbounded memory
// growth, and the detector has already seen every chunk on arrival.
type InputRing struct {
	mu      sync.Mutex
	buf     []frames.AudioFrame
	start   int
	size    int
	dropped int64
}

func NewInputRing(capacity int) *InputRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &InputRing{buf: make([]frames.AudioFrame, capacity)}
}

// Push appends a chunk, evicting the oldest when at capacity. Returns true
// when an eviction happened.
func (r *InputRing) Push(f frames.AudioFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if r.size == len(r.buf) {
		frames.ReleaseAudioFrame(r.buf[r.start])
		r.start = (r.start + 1) % len(r.buf)
		r.size--
		r.dropped++
		evicted = true
	}
	r.buf[(r.start+r.size)%len(r.buf)] = f
	r.size++
	return evicted
}

// Snapshot returns the buffered chunks oldest-first.
func (r *InputRing) Snapshot() []frames.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frames.AudioFrame, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *InputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *InputRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
