package tts

import (
	"context"
	"errors"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"

	"github.com/kiranaai/voiceturn/internal/audio"
)

type fakeSpeakSession struct {
	cb      msginterfaces.SpeakMessageCallback
	frames  [][]byte
	fail    bool
	text    string
	stopped bool
}

func (f *fakeSpeakSession) Connect() bool { return true }

func (f *fakeSpeakSession) SpeakWithText(text string) error {
	f.text = text
	return nil
}

func (f *fakeSpeakSession) Flush() error {
	go func() {
		for _, fr := range f.frames {
			_ = f.cb.Binary(fr)
		}
		if f.fail {
			_ = f.cb.Error(&msginterfaces.ErrorResponse{})
			return
		}
		_ = f.cb.Flush(&msginterfaces.FlushedResponse{})
	}()
	return nil
}

func (f *fakeSpeakSession) Stop() { f.stopped = true }

func fakeDialer(s *fakeSpeakSession) deepgramDialer {
	return func(_ context.Context, _, _ string, cb msginterfaces.SpeakMessageCallback) (speakSession, error) {
		s.cb = cb
		return s, nil
	}
}

func TestDeepgramFetchWrapsPCMAsWAV(t *testing.T) {
	s := &fakeSpeakSession{frames: [][]byte{make([]byte, 960), make([]byte, 480)}}
	d := NewDeepgramFetcher("key", "")
	d.dial = fakeDialer(s)

	b, err := d.Fetch(context.Background(), "Your order is ready", "en-IN")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := audio.DetectMIME(b); got != "audio/wav" {
		t.Fatalf("mime = %q, want audio/wav", got)
	}
	if len(b) != 44+1440 {
		t.Fatalf("len = %d, want %d", len(b), 44+1440)
	}
	if s.text != "Your order is ready" || !s.stopped {
		t.Fatalf("session text=%q stopped=%v", s.text, s.stopped)
	}
}

func TestDeepgramFetchError(t *testing.T) {
	d := NewDeepgramFetcher("key", "")
	d.dial = fakeDialer(&fakeSpeakSession{fail: true})
	if _, err := d.Fetch(context.Background(), "hello", "en"); err == nil {
		t.Fatalf("Fetch() error = nil, want error")
	}
}

func TestDeepgramRequiresKeyAndEnglish(t *testing.T) {
	d := NewDeepgramFetcher("", "")
	if _, err := d.Fetch(context.Background(), "hello", "en"); err == nil {
		t.Fatalf("Fetch() without key error = nil")
	}
	if d.SupportsLanguage(context.Background(), "hi-IN") {
		t.Fatalf("SupportsLanguage(hi-IN) = true, want false")
	}
	if !d.SupportsLanguage(context.Background(), "en-IN") {
		t.Fatalf("SupportsLanguage(en-IN) = false, want true")
	}
}

func TestDeepgramFetchHonoursContext(t *testing.T) {
	d := NewDeepgramFetcher("key", "")
	d.dial = func(_ context.Context, _, _ string, cb msginterfaces.SpeakMessageCallback) (speakSession, error) {
		return &silentSession{}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Fetch(ctx, "hello", "en"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
}

type silentSession struct{}

func (silentSession) Connect() bool              { return true }
func (silentSession) SpeakWithText(string) error { return nil }
func (silentSession) Flush() error               { return nil }
func (silentSession) Stop()                      {}
