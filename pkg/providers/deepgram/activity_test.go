package deepgram

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestDetectSpeechActivityNeverBlocksOnStalledFeed(t *testing.T) {
	d := New(Config{StreamID: "MZ1"})
	// A tiny feed with nothing draining it saturates immediately.
	d.sendCh = make(chan []byte, 2)
	d.speaking.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if !d.DetectSpeechActivity(make([]byte, 160)) {
				t.Error("verdict lost under backpressure")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hot-path verdict blocked on a stalled vendor feed")
	}
	if got := d.DroppedChunks(); got != 198 {
		t.Fatalf("dropped chunks = %d, want 198", got)
	}
}

func TestFeedDeliversQueuedChunksToVendorPipe(t *testing.T) {
	d := New(Config{StreamID: "MZ1"})
	d.ctx, d.cancel = context.WithCancel(context.Background())
	defer d.cancel()
	d.pipeReader, d.pipeWriter = io.Pipe()
	d.sendCh = make(chan []byte, 4)
	go d.feed()

	d.DetectSpeechActivity([]byte{0x01, 0x02, 0x03})

	buf := make([]byte, 3)
	if _, err := io.ReadFull(d.pipeReader, buf); err != nil {
		t.Fatalf("read vendor pipe: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("vendor pipe payload = %v", buf)
	}
	if got := d.DroppedChunks(); got != 0 {
		t.Fatalf("dropped chunks = %d, want 0", got)
	}
}
