package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/voicewire-io/voicewire/pkg/frames"
)

func attachTestLink(t *Transport, streamID string) *link {
	l := &link{sendCh: make(chan []byte, 8)}
	t.mu.Lock()
	t.links[streamID] = l
	t.mu.Unlock()
	return l
}

func decodeEnqueued(t *testing.T, l *link) map[string]any {
	t.Helper()
	select {
	case msg := <-l.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return payload
	default:
		t.Fatalf("expected a message to be enqueued")
		return nil
	}
}

func TestSendStartInterruptionClearsBuffer(t *testing.T) {
	tr := New(Config{})
	l := attachTestLink(tr, "MZ1")

	cf := frames.NewControlFrame("MZ1", time.Now().UnixNano(), frames.ControlStartInterruption, nil)
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}
	if evt := decodeEnqueued(t, l)["event"]; evt != "clear" {
		t.Fatalf("expected clear event, got %v", evt)
	}
}

func TestSendMarkEmitsCheckpoint(t *testing.T) {
	tr := New(Config{})
	l := attachTestLink(tr, "MZ1")

	cf := frames.NewControlFrame("MZ1", time.Now().UnixNano(), frames.ControlMark,
		map[string]string{frames.MetaMarkName: "utterance_end"})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}
	payload := decodeEnqueued(t, l)
	if payload["event"] != "mark" {
		t.Fatalf("expected mark event, got %v", payload["event"])
	}
	mark, _ := payload["mark"].(map[string]any)
	if mark["name"] != "utterance_end" {
		t.Fatalf("expected mark name, got %v", mark)
	}
}

func TestSendSystemFrameBecomesClientEvent(t *testing.T) {
	tr := New(Config{})
	l := attachTestLink(tr, "MZ1")

	sf := frames.NewSystemFrame("MZ1", time.Now().UnixNano(), "interruption",
		map[string]string{frames.MetaCallSID: "CA1"})
	if err := tr.Send(sf); err != nil {
		t.Fatalf("send error: %v", err)
	}
	payload := decodeEnqueued(t, l)
	if payload["type"] != "interruption" || payload[frames.MetaCallSID] != "CA1" {
		t.Fatalf("unexpected client event: %v", payload)
	}
}

func TestSendAudioWithoutLinkFails(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("MZ-gone", time.Now().UnixNano(), []byte{0x01}, 8000, 1, nil)
	if err := tr.Send(af); err == nil {
		t.Fatalf("expected error for audio to a dead stream")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleStatusCallbackMapsToCallEnd(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	streamID := "MZ1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.callSIDs[streamID] = callSID
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "completed")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": callSID, "CallStatus": "completed"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != "call_end" {
			t.Fatalf("expected call_end event, got %q", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "completed" {
			t.Fatalf("expected call_end_reason completed, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != callSID {
			t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
		}
	case <-time.After(time.Second):
		t.Fatalf("expected call_end frame")
	}
}

type stubCallUpdater struct {
	lastSID   string
	lastTwiml string
	err       error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Twiml != nil {
		s.lastTwiml = *params.Twiml
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestSendDTMF(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"})
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.SendDTMF(context.Background(), "CA123", "W123#"); err != nil {
		t.Fatalf("SendDTMF error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if !strings.Contains(stub.lastTwiml, `digits="W123#"`) {
		t.Fatalf("expected TwiML digits in request, got %q", stub.lastTwiml)
	}

	stub.err = errors.New("boom")
	if err := tr.SendDTMF(context.Background(), "CA123", "1"); err == nil {
		t.Fatalf("expected error on update failure")
	}
}

func recvFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(time.Second):
		t.Fatalf("expected a frame on the receive channel")
		return nil
	}
}

func TestStreamInitForwardedBeforeCarrierStart(t *testing.T) {
	tr := New(Config{})
	settings := map[string]any{"language": "de-DE"}

	tr.handleClientMessage(nil, "", &ClientMessage{Type: ClientStreamInit, CallSID: "CA9", Settings: settings}, nil)

	sys, ok := recvFrame(t, tr).(frames.SystemFrame)
	if !ok || sys.Name() != "stream_init" {
		t.Fatalf("expected stream_init system frame, got %v", sys)
	}
	meta := sys.Meta()
	if meta[frames.MetaCallSID] != "CA9" {
		t.Fatalf("expected call sid CA9, got %q", meta[frames.MetaCallSID])
	}
	if !strings.Contains(meta[frames.MetaSettings], "de-DE") {
		t.Fatalf("expected settings forwarded, got %q", meta[frames.MetaSettings])
	}
}

func TestStreamInitWithoutCallSIDDropped(t *testing.T) {
	tr := New(Config{})
	tr.handleClientMessage(nil, "", &ClientMessage{Type: ClientStreamInit}, nil)
	select {
	case f := <-tr.Recv():
		t.Fatalf("expected no frame, got %T", f)
	default:
	}
}

func TestStreamStartVerbsBecomeTextFrames(t *testing.T) {
	for _, verb := range []string{ClientStreamStart, ClientSpeak} {
		tr := New(Config{})
		tr.handleClientMessage(nil, "MZ1", &ClientMessage{Type: verb, Text: "hello", VoiceID: "v1"}, nil)

		tf, ok := recvFrame(t, tr).(frames.TextFrame)
		if !ok {
			t.Fatalf("verb %q: expected a text frame", verb)
		}
		if tf.Text() != "hello" || tf.Meta()[frames.MetaVoiceID] != "v1" {
			t.Fatalf("verb %q: unexpected frame %v %v", verb, tf.Text(), tf.Meta())
		}
	}
}

func TestStreamStopVerbsBecomeStopControl(t *testing.T) {
	for _, verb := range []string{ClientStreamStop, ClientStop} {
		tr := New(Config{})
		tr.handleClientMessage(nil, "MZ1", &ClientMessage{Type: verb}, nil)

		cf, ok := recvFrame(t, tr).(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlStop {
			t.Fatalf("verb %q: expected a stop control frame", verb)
		}
	}
}

func TestLinkEnqueueRacingCloseDoesNotPanic(t *testing.T) {
	l := &link{sendCh: make(chan []byte, 1)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = l.enqueue([]byte("x"))
			}
		}()
	}
	_ = l.close()
	wg.Wait()

	if err := l.enqueue([]byte("late")); err != nil {
		t.Fatalf("enqueue after close: %v", err)
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
