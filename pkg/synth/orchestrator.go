package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicewire-io/voicewire/pkg/adapters/tts"
	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
	"github.com/voicewire-io/voicewire/pkg/resilience"
)

// MaxRetryAttempts is the failure streak at which a provider is skipped
// until it next succeeds or the session ends.
const MaxRetryAttempts = 3

// DefaultProviderTimeout bounds one backend's synthesis setup.
const DefaultProviderTimeout = 2 * time.Second

// ErrAllProvidersFailed reports that every candidate was exhausted or
// skipped. Sessions convert this into a non-fatal client error event.
var ErrAllProvidersFailed = errors.New("all synthesis providers failed")

// Orchestrator drives synthesis backends in preference order: skip
// unhealthy candidates, bound each attempt with a deadline, return the
// first stream that comes up. This is fallback-in-sequence, not parallel
// racing, so at most one external call is outstanding per utterance.
type Orchestrator struct {
	providers map[string]tts.Synthesizer
	obs       metrics.Observer
	logger    *slog.Logger

	// breakers guard each provider against rate-limit storms process-wide.
	// A provider tripped here is skipped until its cooldown lapses, even
	// across sessions with a clean failure streak.
	breakers map[string]*resilience.CircuitBreaker
}

func NewOrchestrator(providers map[string]tts.Synthesizer, obs metrics.Observer, logger *slog.Logger) *Orchestrator {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for name := range providers {
		breakers[name] = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Orchestrator{
		providers: providers,
		obs:       obs,
		logger:    logger,
		breakers:  breakers,
	}
}

// Synthesize walks prefs until a provider delivers a stream. Cancellation
// of ctx propagates into the in-flight backend call and the returned
// stream; barge-in uses this to stop orphaned vendor calls. Returns the
// stream and the name of the provider that won.
func (o *Orchestrator) Synthesize(ctx context.Context, req tts.Request, prefs []string, stats *Stats, timeout time.Duration) (tts.Stream, string, error) {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if stats == nil {
		stats = NewStats()
	}
	if len(prefs) == 0 {
		return nil, "", errorsx.Wrap(ErrAllProvidersFailed, errorsx.ReasonAllProvidersFailed)
	}

	for _, name := range prefs {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		provider, ok := o.providers[name]
		if !ok {
			o.logger.Warn("synth_provider_unknown",
				slog.String("provider", name),
				slog.String("stream_id", req.StreamID))
			continue
		}
		if failures := stats.Failures(name); failures >= MaxRetryAttempts {
			o.logger.Info("synth_provider_skipped",
				slog.String("provider", name),
				slog.Int("consecutive_failures", failures),
				slog.String("stream_id", req.StreamID))
			o.recordAttempt(name, "skipped", 0, req)
			continue
		}
		if breaker := o.breakers[name]; breaker != nil && !breaker.Allow() {
			o.logger.Info("synth_provider_circuit_open",
				slog.String("provider", name),
				slog.String("stream_id", req.StreamID))
			o.recordAttempt(name, "circuit_open", 0, req)
			continue
		}

		stream, latency, err := o.attempt(ctx, provider, req, timeout)
		if err != nil {
			// Caller cancellation (barge-in, hangup) is not a provider fault.
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			stats.RecordFailure(name)
			if breaker := o.breakers[name]; breaker != nil {
				breaker.OnError(err)
			}
			outcome := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			if resilience.IsRateLimit(err) {
				outcome = "rate_limited"
			}
			o.logger.Warn("synth_provider_failed",
				slog.String("provider", name),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()),
				slog.String("stream_id", req.StreamID),
				slog.String("call_sid", req.CallSID))
			o.recordAttempt(name, outcome, latency, req)
			continue
		}

		stats.RecordSuccess(name, latency)
		if breaker := o.breakers[name]; breaker != nil {
			breaker.OnSuccess()
		}
		o.logger.Info("synth_provider_selected",
			slog.String("provider", name),
			slog.Float64("latency_ms", latency),
			slog.String("stream_id", req.StreamID))
		o.recordAttempt(name, "success", latency, req)
		return stream, name, nil
	}

	return nil, "", errorsx.Wrap(ErrAllProvidersFailed, errorsx.ReasonAllProvidersFailed)
}

// attempt invokes one backend with a setup deadline. The deadline covers
// the Synthesize call only; once a stream is live, its lifetime is bound
// to ctx, not the setup timer.
func (o *Orchestrator) attempt(ctx context.Context, provider tts.Synthesizer, req tts.Request, timeout time.Duration) (tts.Stream, float64, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	type result struct {
		stream tts.Stream
		err    error
	}
	resCh := make(chan result, 1)
	started := time.Now()

	go func() {
		stream, err := provider.Synthesize(attemptCtx, req)
		resCh <- result{stream: stream, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		latency := float64(time.Since(started).Milliseconds())
		if res.err != nil {
			cancel()
			return nil, latency, errorsx.Wrap(res.err, errorsx.ReasonProviderFailed)
		}
		return boundStream{Stream: res.stream, cancel: cancel}, latency, nil
	case <-timer.C:
		cancel()
		// Reap the late result so the vendor call is torn down.
		go func() {
			if res := <-resCh; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return nil, float64(timeout.Milliseconds()), errorsx.Wrap(
			fmt.Errorf("%s: %w", provider.Name(), context.DeadlineExceeded),
			errorsx.ReasonProviderTimeout)
	case <-ctx.Done():
		cancel()
		go func() {
			if res := <-resCh; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return nil, float64(time.Since(started).Milliseconds()), ctx.Err()
	}
}

func (o *Orchestrator) recordAttempt(provider, outcome string, latencyMS float64, req tts.Request) {
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventProviderAttempt,
		Time:  time.Now(),
		Value: latencyMS,
		Tags: map[string]string{
			"provider":          provider,
			"outcome":           outcome,
			frames.MetaStreamID: req.StreamID,
			frames.MetaCallSID:  req.CallSID,
		},
	})
}

// boundStream ties the per-attempt cancel func to stream shutdown so the
// vendor connection is released exactly when the stream is closed.
type boundStream struct {
	tts.Stream
	cancel context.CancelFunc
}

func (b boundStream) Close() error {
	b.cancel()
	return b.Stream.Close()
}
