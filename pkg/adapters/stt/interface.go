package stt

import "context"

// ActivityDetector defines the speech-recognition capability consumed by
// barge-in: a fast verdict on whether a chunk of caller audio contains
// speech. Implementations must be cheap; Observe sits on the inbound hot
// path and is called once per media frame.
type ActivityDetector interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes any vendor connection.
	Start(ctx context.Context) error
	// Close shuts the detector down.
	Close() error
	// DetectSpeechActivity reports whether the chunk contains caller speech.
	DetectSpeechActivity(audio []byte) bool
}

// Config contains vendor-agnostic detector configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
