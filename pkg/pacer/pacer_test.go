package pacer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
)

func audioChunk(payload string) frames.AudioFrame {
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte(payload), 8000, 1, nil)
}

func TestDrainPreservesOrderAndSequence(t *testing.T) {
	p := New("stream-1", Config{}, nil, nil)
	for _, payload := range []string{"c1", "c2", "c3"} {
		if !p.Push(audioChunk(payload)) {
			t.Fatalf("push rejected")
		}
	}

	var lastSeq uint64
	for i, want := range []string{"c1", "c2", "c3"} {
		f, ok := p.DrainNext()
		if !ok {
			t.Fatalf("expected chunk %d", i)
		}
		if string(f.RawPayload()) != want {
			t.Fatalf("chunk %d: expected %q, got %q", i, want, f.RawPayload())
		}
		if f.Seq() <= lastSeq {
			t.Fatalf("sequence not strictly increasing: %d after %d", f.Seq(), lastSeq)
		}
		lastSeq = f.Seq()
	}
	if _, ok := p.DrainNext(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPushDropsTailWhenFull(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	p := New("stream-1", Config{MaxQueue: 2}, obs, nil)
	if !p.Push(audioChunk("c1")) || !p.Push(audioChunk("c2")) {
		t.Fatalf("expected first pushes accepted")
	}
	if p.Push(audioChunk("c3")) {
		t.Fatalf("expected overflow push rejected")
	}
	if p.Len() != 2 {
		t.Fatalf("expected queue length 2, got %d", p.Len())
	}
	if p.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", p.Dropped())
	}
	if got := len(obs.Named(metrics.EventAudioDegraded)); got != 1 {
		t.Fatalf("expected 1 degraded-audio event, got %d", got)
	}
	// Queue keeps the oldest chunks; tail is what gets dropped.
	f, _ := p.DrainNext()
	if string(f.RawPayload()) != "c1" {
		t.Fatalf("expected c1 first, got %q", f.RawPayload())
	}
}

func TestFlushEmptiesQueueAndResetsSequence(t *testing.T) {
	p := New("stream-1", Config{}, nil, nil)
	p.Push(audioChunk("c1"))
	p.Push(audioChunk("c2"))
	if n := p.Flush(); n != 2 {
		t.Fatalf("expected 2 discarded, got %d", n)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty queue after flush")
	}
	p.Push(audioChunk("c3"))
	f, _ := p.DrainNext()
	if f.Seq() != 1 {
		t.Fatalf("expected sequence reset to 1, got %d", f.Seq())
	}
}

func TestRunReleasesAtCadence(t *testing.T) {
	p := New("stream-1", Config{Interval: 2 * time.Millisecond}, nil, nil)
	for i := 0; i < 3; i++ {
		p.Push(audioChunk("c"))
	}

	var mu sync.Mutex
	var sent []frames.Frame
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		p.Run(ctx, func(f frames.Frame) error {
			mu.Lock()
			sent = append(sent, f)
			if len(sent) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for paced sends")
	}
}
