package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/voicewire-io/voicewire/pkg/errorsx"
	"github.com/voicewire-io/voicewire/pkg/frames"
)

// MaxPayloadBytes caps one websocket text message. Carrier media chunks are
// a few hundred bytes; anything near this limit is hostile or broken.
const MaxPayloadBytes = 64 * 1024

var (
	ErrMalformedFrame  = errors.New("malformed inbound frame")
	ErrPayloadTooLarge = errors.New("inbound frame exceeds payload limit")
)

// Inbound is the decoded form of one websocket message: exactly one of
// Carrier or Client is set.
type Inbound struct {
	Carrier *CarrierEvent
	Client  *ClientMessage
}

// DecodeInbound parses one message off the socket, discriminating the
// carrier envelope ("event" field) from client control messages ("type"
// field). Oversized or unparseable input is rejected, never dropped
// silently, so the caller can close the offending connection.
func DecodeInbound(data []byte) (Inbound, error) {
	if len(data) > MaxPayloadBytes {
		return Inbound{}, errorsx.Wrap(ErrPayloadTooLarge, errorsx.ReasonPayloadTooLarge)
	}
	var probe struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
	}
	switch {
	case probe.Event != "":
		var evt CarrierEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return Inbound{}, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
		}
		return Inbound{Carrier: &evt}, nil
	case probe.Type != "":
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
		}
		return Inbound{Client: &msg}, nil
	default:
		return Inbound{}, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
	}
}

// DecodeMediaPayload unwraps the base64 audio from a carrier media event.
func DecodeMediaPayload(m *CarrierMedia) ([]byte, error) {
	if m == nil || m.Payload == "" {
		return nil, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
	}
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, errorsx.Wrap(ErrMalformedFrame, errorsx.ReasonMalformedFrame)
	}
	return payload, nil
}

// EncodeMedia builds the outbound carrier media envelope for one audio
// frame. The payload is base64 of the raw mu-law bytes.
func EncodeMedia(streamID string, f frames.AudioFrame) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(f.RawPayload()),
		},
	})
}

// EncodeClear builds the carrier buffer-clear command used on barge-in.
func EncodeClear(streamID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// EncodeMark builds a playback checkpoint; the carrier echoes it back once
// buffered audio before it has played out.
func EncodeMark(streamID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark":      map[string]any{"name": name},
	})
}

// EncodePong answers a client liveness ping with the server clock in
// epoch milliseconds.
func EncodePong(now time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      ServerPong,
		"timestamp": now.UnixMilli(),
	})
}

// EncodeClientEvent flattens a session system frame into the client event
// JSON. Meta keys ride along as top-level fields.
func EncodeClientEvent(name string, meta map[string]string) ([]byte, error) {
	out := make(map[string]any, 1+len(meta))
	for k, v := range meta {
		out[k] = v
	}
	out["type"] = name
	return json.Marshal(out)
}
