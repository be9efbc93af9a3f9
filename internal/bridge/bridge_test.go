package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/voice"
)

// fakeBrowser records outbound messages and lets the test answer them.
type fakeBrowser struct {
	mu   sync.Mutex
	sent []any
	out  chan any
	err  error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{out: make(chan any, 32)}
}

func (f *fakeBrowser) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	select {
	case f.out <- msg:
	default:
	}
	return nil
}

func (f *fakeBrowser) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-f.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message sent to browser")
		return nil
	}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeBrowser) {
	t.Helper()
	b := New("s1", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithReplyTimeout(time.Second))
	fb := newFakeBrowser()
	b.Attach(fb)
	return b, fb
}

func TestCaptureStartStreamsPartialsUntilEnd(t *testing.T) {
	b, fb := newTestBridge(t)

	type started struct {
		ch  <-chan voice.CaptureEvent
		err error
	}
	res := make(chan started, 1)
	go func() {
		ch, err := b.Capture().Start(context.Background(), "hi-IN")
		res <- started{ch, err}
	}()

	msg, ok := fb.next(t).(protocol.CaptureStart)
	if !ok {
		t.Fatalf("first message is not capture_start")
	}
	if msg.Language != "hi-IN" {
		t.Fatalf("Language = %q, want hi-IN", msg.Language)
	}
	// A partial racing the ack must not be lost.
	if err := b.Handle(protocol.ClientPartial{Text: "chawal"}); err != nil {
		t.Fatalf("Handle(partial) error = %v", err)
	}
	if err := b.Handle(protocol.ClientCaptureAck{RequestID: msg.RequestID, OK: true}); err != nil {
		t.Fatalf("Handle(ack) error = %v", err)
	}
	r := <-res
	if r.err != nil {
		t.Fatalf("Start() error = %v", r.err)
	}
	_ = b.Handle(protocol.ClientPartial{Text: "chawal kitna", Confidence: 0.8})
	_ = b.Handle(protocol.ClientCaptureEnd{})

	var got []voice.CaptureEvent
	for ev := range r.ch {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("events = %+v, want 2 partials and an end", got)
	}
	if got[1].Text != "chawal kitna" || got[1].Confidence != 0.8 {
		t.Fatalf("second partial = %+v", got[1])
	}
	if got[2].Kind != voice.CaptureEventEnd {
		t.Fatalf("last event kind = %q, want end", got[2].Kind)
	}
}

func TestCaptureStartMapsAckCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{protocol.CodeNotAllowed, voice.ErrPermissionDenied},
		{protocol.CodeAlreadyActive, voice.ErrCaptureAlreadyActive},
		{protocol.CodeNetwork, voice.ErrCaptureUnavailable},
	}
	for _, tc := range cases {
		b, fb := newTestBridge(t)
		errc := make(chan error, 1)
		go func() {
			_, err := b.Capture().Start(context.Background(), "en-IN")
			errc <- err
		}()
		msg := fb.next(t).(protocol.CaptureStart)
		_ = b.Handle(protocol.ClientCaptureAck{RequestID: msg.RequestID, Code: tc.code})
		if err := <-errc; !errors.Is(err, tc.want) {
			t.Fatalf("code %s: Start() error = %v, want %v", tc.code, err, tc.want)
		}
		// The failed start must not leave a stream behind.
		go func() {
			_, err := b.Capture().Start(context.Background(), "en-IN")
			errc <- err
		}()
		msg = fb.next(t).(protocol.CaptureStart)
		_ = b.Handle(protocol.ClientCaptureAck{RequestID: msg.RequestID, OK: true})
		if err := <-errc; err != nil {
			t.Fatalf("code %s: second Start() error = %v", tc.code, err)
		}
	}
}

func TestCaptureStartWithoutBrowserIsUnavailable(t *testing.T) {
	b := New("s1")
	_, err := b.Capture().Start(context.Background(), "en-IN")
	if !errors.Is(err, voice.ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable", err)
	}
}

func TestCaptureStopIsIdempotent(t *testing.T) {
	b, fb := newTestBridge(t)
	if err := b.Capture().Stop(context.Background()); err != nil {
		t.Fatalf("Stop() on idle capture error = %v", err)
	}
	fb.mu.Lock()
	n := len(fb.sent)
	fb.mu.Unlock()
	if n != 0 {
		t.Fatalf("idle Stop sent %d messages, want 0", n)
	}
}

func TestCaptureErrorEndsStream(t *testing.T) {
	b, fb := newTestBridge(t)
	chc := make(chan (<-chan voice.CaptureEvent), 1)
	go func() {
		ch, _ := b.Capture().Start(context.Background(), "en-IN")
		chc <- ch
	}()
	msg := fb.next(t).(protocol.CaptureStart)
	_ = b.Handle(protocol.ClientCaptureAck{RequestID: msg.RequestID, OK: true})
	ch := <-chc

	_ = b.Handle(protocol.ClientCaptureError{Code: protocol.CodeNotAllowed, Detail: "revoked"})
	ev := <-ch
	if ev.Kind != voice.CaptureEventError || !errors.Is(ev.Err, voice.ErrPermissionDenied) {
		t.Fatalf("event = %+v, want permission error", ev)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("stream still open after error")
	}
}

func TestDetachFailsPendingAndEndsCapture(t *testing.T) {
	b, fb := newTestBridge(t)
	chc := make(chan (<-chan voice.CaptureEvent), 1)
	go func() {
		ch, _ := b.Capture().Start(context.Background(), "en-IN")
		chc <- ch
	}()
	msg := fb.next(t).(protocol.CaptureStart)
	_ = b.Handle(protocol.ClientCaptureAck{RequestID: msg.RequestID, OK: true})
	ch := <-chc

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- b.Synth().Speak(ctx, "namaste", "hi-IN") }()
	fb.next(t)

	b.Detach()
	if err := <-errc; !errors.Is(err, ErrPlaybackFailed) {
		t.Fatalf("Speak() error = %v, want ErrPlaybackFailed", err)
	}
	ev := <-ch
	if !errors.Is(ev.Err, voice.ErrCaptureUnavailable) {
		t.Fatalf("capture event = %+v, want unavailable", ev)
	}
	if b.Attached() {
		t.Fatalf("Attached() = true after Detach")
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	b, fb := newTestBridge(t)
	errc := make(chan error, 1)
	go func() { errc <- b.Capture().RequestPermission(context.Background()) }()
	msg := fb.next(t).(protocol.PermissionRequest)
	_ = b.Handle(protocol.ClientPermission{RequestID: msg.RequestID, Granted: false})
	if err := <-errc; !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("RequestPermission() error = %v, want ErrPermissionDenied", err)
	}
}

func TestSynthSpeakWaitsForPlaybackDone(t *testing.T) {
	b, fb := newTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- b.Synth().Speak(ctx, "Rice is 40 rupees", "en-IN") }()

	msg := fb.next(t).(protocol.Speak)
	if msg.Text != "Rice is 40 rupees" {
		t.Fatalf("Text = %q", msg.Text)
	}
	select {
	case err := <-errc:
		t.Fatalf("Speak returned %v before playback finished", err)
	case <-time.After(20 * time.Millisecond):
	}
	_ = b.Handle(protocol.ClientPlaybackDone{RequestID: msg.RequestID, OK: true})
	if err := <-errc; err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
}

func TestSynthCancelSendsSpeakCancel(t *testing.T) {
	b, fb := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Synth().Speak(ctx, "hello", "en-IN") }()
	msg := fb.next(t).(protocol.Speak)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Speak() error = %v, want context.Canceled", err)
	}
	sc, ok := fb.next(t).(protocol.SpeakCancel)
	if !ok || sc.RequestID != msg.RequestID {
		t.Fatalf("expected speak_cancel for %s, got %+v", msg.RequestID, sc)
	}
	// A late ack for the withdrawn request is ignored.
	_ = b.Handle(protocol.ClientPlaybackDone{RequestID: msg.RequestID, OK: true})
}

func TestPlayerSendsBase64Audio(t *testing.T) {
	b, fb := newTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data := []byte("ID3\x04rest-of-mp3")
	errc := make(chan error, 1)
	go func() { errc <- b.Player().Play(ctx, data) }()

	msg := fb.next(t).(protocol.PlayAudio)
	if msg.Format != "audio/mpeg" {
		t.Fatalf("Format = %q, want audio/mpeg", msg.Format)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
	if err != nil || string(decoded) != string(data) {
		t.Fatalf("audio payload mismatch: %v", err)
	}
	_ = b.Handle(protocol.ClientPlaybackDone{RequestID: msg.RequestID, Code: "decode"})
	if err := <-errc; !errors.Is(err, ErrPlaybackFailed) {
		t.Fatalf("Play() error = %v, want ErrPlaybackFailed", err)
	}
}

func TestNotifyForwardsStateAndTurn(t *testing.T) {
	b, fb := newTestBridge(t)
	b.Notify(voice.Notification{Kind: voice.NotifyState, State: voice.StateSpeaking, Previous: voice.StateProcessing})
	st := fb.next(t).(protocol.State)
	if st.State != "speaking" || st.Previous != "processing" || !st.IsSpeaking {
		t.Fatalf("state message = %+v", st)
	}

	b.Notify(voice.Notification{Kind: voice.NotifyTurn, Turn: &voice.Turn{ID: "t1", InputText: "rice", Outcome: voice.TurnSpoken, Backend: "cloud"}})
	turn := fb.next(t).(protocol.Turn)
	if turn.TurnID != "t1" || turn.Outcome != "spoken" || turn.Backend != "cloud" {
		t.Fatalf("turn message = %+v", turn)
	}

	b.Notify(voice.Notification{Kind: voice.NotifyPermissionDenied, Err: &voice.SessionError{Class: voice.ClassFatal, Op: "permission", Err: voice.ErrPermissionDenied}})
	ev := fb.next(t).(protocol.ErrorEvent)
	if ev.Code != "permission_denied" || ev.Retryable {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestHandleRejectsControl(t *testing.T) {
	b, _ := newTestBridge(t)
	if err := b.Handle(protocol.ClientControl{Action: protocol.ActionStart}); !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Fatalf("Handle(control) error = %v, want ErrUnsupportedType", err)
	}
}

func TestStaleDetachKeepsNewerConnection(t *testing.T) {
	b := New("s1")
	detachOld := b.Attach(newFakeBrowser())
	b.Attach(newFakeBrowser())
	detachOld()
	if !b.Attached() {
		t.Fatalf("stale detach dropped the newer connection")
	}
}
