package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire-io/voicewire/pkg/frames"
	"github.com/voicewire-io/voicewire/pkg/metrics"
)

const (
	// DefaultIdleTimeout is how long a session may sit without client or
	// caller activity before the sweep reclaims it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is the reaper cadence.
	DefaultSweepInterval = 30 * time.Second
)

// Factory builds a session for a call. The gateway supplies one that wires
// the orchestrator and the transport sink.
type Factory func(id, callID, traceID string, cfg Config) (*Session, error)

// RegistryConfig tunes the registry sweep.
type RegistryConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Registry tracks live sessions by call and by carrier stream. Creation is
// idempotent per call so a reconnecting carrier stream lands on the same
// session instead of forking a second one.
type Registry struct {
	cfg     RegistryConfig
	factory Factory
	obs     metrics.Observer
	logger  *slog.Logger

	mu       sync.Mutex
	byCall   map[string]*Session
	byStream map[string]*Session
	draining bool
	empty    chan struct{}
}

func NewRegistry(cfg RegistryConfig, factory Factory, obs metrics.Observer, logger *slog.Logger) *Registry {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		obs:      obs,
		logger:   logger,
		byCall:   make(map[string]*Session),
		byStream: make(map[string]*Session),
	}
}

// CreateOrGet returns the session for a call, creating it on first use.
// The second return reports whether the session already existed. While
// draining, new calls are refused but existing ones keep working.
func (r *Registry) CreateOrGet(callID string, cfg Config) (*Session, bool, error) {
	r.mu.Lock()
	if sess, ok := r.byCall[callID]; ok {
		r.mu.Unlock()
		return sess, true, nil
	}
	if r.draining {
		r.mu.Unlock()
		return nil, false, ErrDraining
	}
	r.mu.Unlock()

	id := uuid.NewString()
	traceID := uuid.NewString()
	sess, err := r.factory(id, callID, traceID, cfg)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	// Lost the race: keep the first session, discard ours.
	if existing, ok := r.byCall[callID]; ok {
		r.mu.Unlock()
		sess.Close("duplicate")
		return existing, true, nil
	}
	r.byCall[callID] = sess
	r.mu.Unlock()

	r.logger.Info("session_registered",
		slog.String("session_id", sess.ID),
		slog.String("call_sid", callID))
	return sess, false, nil
}

// ErrDraining refuses new sessions during shutdown.
var ErrDraining = errors.New("registry is draining, not accepting new sessions")

// BindStream indexes a carrier stream to its session so inbound media can
// be routed without a call lookup.
func (r *Registry) BindStream(streamID string, sess *Session) {
	r.mu.Lock()
	r.byStream[streamID] = sess
	r.mu.Unlock()
}

// UnbindStream drops a stream index entry, leaving the session alive for
// a possible reconnect.
func (r *Registry) UnbindStream(streamID string) {
	r.mu.Lock()
	delete(r.byStream, streamID)
	r.mu.Unlock()
}

// GetByCall looks a session up by its call identifier.
func (r *Registry) GetByCall(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byCall[callID]
	return sess, ok
}

// GetByStream looks a session up by its bound carrier stream.
func (r *Registry) GetByStream(streamID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byStream[streamID]
	return sess, ok
}

// Destroy closes and removes a session. Idempotent; callers on the stop
// path and the sweep may race here safely.
func (r *Registry) Destroy(callID, reason string) {
	r.mu.Lock()
	sess, ok := r.byCall[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byCall, callID)
	for streamID, bound := range r.byStream {
		if bound == sess {
			delete(r.byStream, streamID)
		}
	}
	empty := r.draining && len(r.byCall) == 0
	var emptyCh chan struct{}
	if empty {
		emptyCh = r.empty
	}
	r.mu.Unlock()

	sess.Close(reason)
	if emptyCh != nil {
		close(emptyCh)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCall)
}

// Sweep runs one reaper pass, destroying sessions whose activity clock
// exceeded the idle timeout or that already closed themselves. Candidates
// are snapshotted under the lock and destroyed outside it, so a slow Close
// cannot stall lookups.
func (r *Registry) Sweep(now time.Time) int {
	type candidate struct {
		callID string
		sessID string
	}
	r.mu.Lock()
	var stale []candidate
	for callID, sess := range r.byCall {
		if sess.State() == StateClosed || now.Sub(sess.LastActivity()) > r.cfg.IdleTimeout {
			stale = append(stale, candidate{callID: callID, sessID: sess.ID})
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.logger.Warn("stale_session_reaped",
			slog.String("session_id", c.sessID),
			slog.String("call_sid", c.callID))
		r.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventStaleReaped,
			Time: now,
			Tags: map[string]string{frames.MetaCallSID: c.callID},
		})
		r.Destroy(c.callID, "idle_timeout")
	}
	return len(stale)
}

// Run drives the sweep until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Drain stops admission of new sessions and returns a channel that closes
// once every live session has been destroyed. Existing calls run to
// completion.
func (r *Registry) Drain() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.draining {
		r.draining = true
		r.empty = make(chan struct{})
		if len(r.byCall) == 0 {
			close(r.empty)
		}
	}
	return r.empty
}

// CloseAll force-destroys every session, for hard shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	callIDs := make([]string, 0, len(r.byCall))
	for callID := range r.byCall {
		callIDs = append(callIDs, callID)
	}
	r.mu.Unlock()
	for _, callID := range callIDs {
		r.Destroy(callID, reason)
	}
}
