package tts

import (
	"context"
)

// Request carries everything a backend needs to synthesize one utterance.
type Request struct {
	Text       string
	VoiceID    string
	Language   string
	Format     string
	SampleRate int
	StreamID   string
	CallSID    string
}

// Stream is one in-flight synthesis. Chunks is closed when the backend has
// no more audio; Err reports why the stream ended early, if it did.
type Stream interface {
	Chunks() <-chan []byte
	Err() error
	Close() error
}

// Synthesizer defines the contract for any speech-synthesis vendor.
// Synthesize must respect ctx cancellation: once the context is done,
// no further chunks may be produced and vendor resources are released.
type Synthesizer interface {
	// Name returns the provider name for logging/metrics and preference lists.
	Name() string
	// Synthesize starts streaming audio for the request.
	Synthesize(ctx context.Context, req Request) (Stream, error)
}

// ChunkStream is a ready-made Stream backed by a channel. Providers push
// with Send and finish with CloseWithErr; consumers read Chunks.
type ChunkStream struct {
	ch   chan []byte
	done chan struct{}
	err  error
}

func NewChunkStream(buffer int) *ChunkStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChunkStream{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *ChunkStream) Chunks() <-chan []byte { return s.ch }

func (s *ChunkStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *ChunkStream) Close() error {
	s.CloseWithErr(nil)
	return nil
}

// Send delivers one chunk unless the stream is closed. Returns false when
// the chunk was not accepted.
func (s *ChunkStream) Send(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- chunk:
		return true
	case <-s.done:
		return false
	}
}

func (s *ChunkStream) CloseWithErr(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
	close(s.ch)
}
