package twilio

// Carrier-side wire types. Twilio media streams wrap every message in an
// envelope whose "event" field names the payload.

type CarrierStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type CarrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type CarrierDTMF struct {
	Digit string `json:"digit"`
}

type CarrierMark struct {
	Name string `json:"name"`
}

type CarrierStop struct {
	Reason string `json:"reason,omitempty"`
}

type CarrierEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *CarrierStart `json:"start,omitempty"`
	Media          *CarrierMedia `json:"media,omitempty"`
	DTMF           *CarrierDTMF  `json:"dtmf,omitempty"`
	Mark           *CarrierMark  `json:"mark,omitempty"`
	Stop           *CarrierStop  `json:"stop,omitempty"`
}

// Client-side wire types. Controlling applications send flat JSON objects
// whose "type" field names the request; the carrier envelope never carries
// a "type" field, so the two dialects share one socket without ambiguity.

const (
	ClientConfig       = "config"
	ClientStreamInit   = "stream_init"
	ClientStreamStart  = "stream_start"
	ClientStreamStop   = "stream_stop"
	ClientInterruption = "interruption"
	ClientPing         = "ping"

	// Short verbs accepted alongside stream_start / stream_stop for
	// clients built against earlier gateway builds.
	ClientSpeak = "speak"
	ClientStop  = "stop"
)

type ClientMessage struct {
	Type     string         `json:"type"`
	CallSID  string         `json:"call_sid,omitempty"`
	Text     string         `json:"text,omitempty"`
	Provider string         `json:"provider,omitempty"`
	VoiceID  string         `json:"voice_id,omitempty"`
	Language string         `json:"language,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Server-to-client event names, mirrored from session system frames plus
// the transport-level pong.
const (
	ServerPong = "pong"
)
