package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire-io/voicewire/pkg/frames"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network
// dependency, so call flows can be driven from tests and examples.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// StartCall pushes the frames a carrier would produce when a call begins.
func (t *Transport) StartCall(streamID, callSID string) {
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
		frames.MetaSource:   "transport",
	}
	t.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
}

// EndCall pushes a carrier stop for the stream.
func (t *Transport) EndCall(streamID, callSID, reason string) {
	meta := map[string]string{
		frames.MetaStreamID:      streamID,
		frames.MetaCallSID:       callSID,
		frames.MetaCallEndReason: reason,
	}
	t.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
}

// PushAudio injects one inbound media chunk.
func (t *Transport) PushAudio(streamID string, payload []byte) {
	t.Push(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, map[string]string{
		frames.MetaEncoding: "mulaw",
	}))
}
