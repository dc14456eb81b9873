package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/metrics"
)

type fakeProvider struct {
	name    string
	delay   time.Duration
	err     error
	chunks  [][]byte
	calls   int
	blockOn context.Context
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Synthesize(ctx context.Context, _ tts.Request) (tts.Stream, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	stream := tts.NewChunkStream(len(f.chunks) + 1)
	go func() {
		for _, c := range f.chunks {
			if !stream.Send(c) {
				return
			}
		}
		stream.CloseWithErr(nil)
	}()
	return stream, nil
}

func TestFallbackToNextProviderOnTimeout(t *testing.T) {
	slow := &fakeProvider{name: "alpha", delay: time.Hour}
	fast := &fakeProvider{name: "beta", chunks: [][]byte{[]byte("audio")}}
	o := NewOrchestrator(map[string]tts.Synthesizer{"alpha": slow, "beta": fast}, nil, nil)
	stats := NewStats()

	stream, used, err := o.Synthesize(context.Background(), tts.Request{Text: "hi"}, []string{"alpha", "beta"}, stats, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer stream.Close()

	if used != "beta" {
		t.Fatalf("expected beta to win, got %s", used)
	}
	if got := stats.Failures("alpha"); got != 1 {
		t.Fatalf("expected alpha failures=1, got %d", got)
	}
	if got := stats.Failures("beta"); got != 0 {
		t.Fatalf("expected beta failures=0, got %d", got)
	}
	if stats.Latency("beta") <= 0 {
		t.Fatalf("expected beta latency recorded")
	}
}

func TestSkipsProviderAtFailureCeiling(t *testing.T) {
	broken := &fakeProvider{name: "alpha", err: errors.New("boom")}
	ok := &fakeProvider{name: "beta", chunks: [][]byte{[]byte("x")}}
	o := NewOrchestrator(map[string]tts.Synthesizer{"alpha": broken, "beta": ok}, nil, nil)
	stats := NewStats()
	for i := 0; i < MaxRetryAttempts; i++ {
		stats.RecordFailure("alpha")
	}

	stream, used, err := o.Synthesize(context.Background(), tts.Request{}, []string{"alpha", "beta"}, stats, time.Second)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer stream.Close()

	if broken.calls != 0 {
		t.Fatalf("expected alpha skipped without a call, got %d calls", broken.calls)
	}
	if used != "beta" {
		t.Fatalf("expected beta, got %s", used)
	}
}

func TestAllProvidersFailed(t *testing.T) {
	a := &fakeProvider{name: "alpha", err: errors.New("boom")}
	b := &fakeProvider{name: "beta", err: errors.New("boom")}
	obs := metrics.NewMemoryObserver()
	o := NewOrchestrator(map[string]tts.Synthesizer{"alpha": a, "beta": b}, obs, nil)
	stats := NewStats()

	_, _, err := o.Synthesize(context.Background(), tts.Request{}, []string{"alpha", "beta"}, stats, time.Second)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if stats.Failures("alpha") != 1 || stats.Failures("beta") != 1 {
		t.Fatalf("expected both providers marked failed")
	}
	attempts := obs.Named(metrics.EventProviderAttempt)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempt events, got %d", len(attempts))
	}
	for _, ev := range attempts {
		if ev.Tags["outcome"] != "error" {
			t.Fatalf("expected error outcome, got %s", ev.Tags["outcome"])
		}
	}
}

func TestCancellationStopsFallbackWalk(t *testing.T) {
	slow := &fakeProvider{name: "alpha", delay: time.Hour}
	never := &fakeProvider{name: "beta", chunks: [][]byte{[]byte("x")}}
	o := NewOrchestrator(map[string]tts.Synthesizer{"alpha": slow, "beta": never}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := o.Synthesize(ctx, tts.Request{}, []string{"alpha", "beta"}, NewStats(), time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if never.calls != 0 {
		t.Fatalf("expected cancellation to stop the walk before beta")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	p := &fakeProvider{name: "alpha", chunks: [][]byte{[]byte("x")}}
	o := NewOrchestrator(map[string]tts.Synthesizer{"alpha": p}, nil, nil)
	stats := NewStats()
	stats.RecordFailure("alpha")
	stats.RecordFailure("alpha")

	stream, _, err := o.Synthesize(context.Background(), tts.Request{}, []string{"alpha"}, stats, time.Second)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer stream.Close()
	if got := stats.Failures("alpha"); got != 0 {
		t.Fatalf("expected failures reset, got %d", got)
	}
}

func TestLatencyMovingAverage(t *testing.T) {
	stats := NewStats()
	stats.RecordSuccess("alpha", 1000)
	if got := stats.Latency("alpha"); got != 1000 {
		t.Fatalf("expected seeded latency 1000, got %f", got)
	}
	stats.RecordSuccess("alpha", 500)
	want := 0.9*1000 + 0.1*500
	if got := stats.Latency("alpha"); got != want {
		t.Fatalf("expected %f, got %f", want, got)
	}
}
