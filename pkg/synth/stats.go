package synth

import "sync"

// ProviderStat tracks the health of one backend for one session. Latency is
// an exponential moving average of successful setup times in milliseconds.
type ProviderStat struct {
	ConsecutiveFailures int
	LatencyMS           float64
}

// Stats is the per-session provider health table. It is owned by a single
// session but updated from the orchestrator goroutine and read by barge-in
// teardown paths, so access is serialized here.
type Stats struct {
	mu        sync.Mutex
	providers map[string]*ProviderStat
}

func NewStats() *Stats {
	return &Stats{providers: make(map[string]*ProviderStat)}
}

func (s *Stats) get(name string) *ProviderStat {
	st, ok := s.providers[name]
	if !ok {
		st = &ProviderStat{}
		s.providers[name] = st
	}
	return st
}

// Failures returns the consecutive failure count for a provider.
func (s *Stats) Failures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name).ConsecutiveFailures
}

// Latency returns the smoothed setup latency for a provider in milliseconds.
func (s *Stats) Latency(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name).LatencyMS
}

// RecordSuccess resets the failure streak and folds the measured latency
// into the moving average (0.9 previous, 0.1 measured; seeded on first use).
func (s *Stats) RecordSuccess(name string, latencyMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(name)
	st.ConsecutiveFailures = 0
	if st.LatencyMS == 0 {
		st.LatencyMS = latencyMS
	} else {
		st.LatencyMS = 0.9*st.LatencyMS + 0.1*latencyMS
	}
}

// RecordFailure increments the failure streak.
func (s *Stats) RecordFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).ConsecutiveFailures++
}

// Snapshot copies the table for logging and tests.
func (s *Stats) Snapshot() map[string]ProviderStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProviderStat, len(s.providers))
	for name, st := range s.providers {
		out[name] = *st
	}
	return out
}
