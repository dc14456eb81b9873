package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProviderTimeout    ReasonCode = "provider_timeout"
	ReasonProviderFailed     ReasonCode = "provider_failed"
	ReasonProviderSkipped    ReasonCode = "provider_skipped"
	ReasonAllProvidersFailed ReasonCode = "all_providers_failed"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonConnectionClosed          ReasonCode = "connection_closed"
	ReasonMalformedFrame            ReasonCode = "malformed_frame"
	ReasonPayloadTooLarge           ReasonCode = "payload_too_large"

	ReasonSessionClosed    ReasonCode = "session_closed"
	ReasonAlreadyStreaming ReasonCode = "already_streaming"
)
