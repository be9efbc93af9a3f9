package tts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kiranaai/voiceturn/internal/voice"
)

type recordingRunner struct {
	mu     sync.Mutex
	calls  [][]string
	voices map[string]string
	err    error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	last := args[len(args)-1]
	if strings.HasPrefix(last, "--voices=") {
		header := "Pty Language       Age/Gender VoiceName          File                 Other Languages\n"
		return []byte(header + r.voices[strings.TrimPrefix(last, "--voices=")]), nil
	}
	return nil, r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestOnDeviceProbesOncePerLanguage(t *testing.T) {
	r := &recordingRunner{voices: map[string]string{"en": " 2  en-gb          M  english            gmw/en\n"}}
	o, err := NewOnDevice("espeak-ng -s 160", WithRunner(r.run))
	if err != nil {
		t.Fatalf("NewOnDevice() error = %v", err)
	}
	ctx := context.Background()
	if !o.SupportsLanguage(ctx, "en-IN") {
		t.Fatalf("SupportsLanguage(en-IN) = false, want true")
	}
	if !o.SupportsLanguage(ctx, "en-US") {
		t.Fatalf("SupportsLanguage(en-US) = false, want true")
	}
	if o.SupportsLanguage(ctx, "hi-IN") {
		t.Fatalf("SupportsLanguage(hi-IN) = true, want false")
	}
	if got := r.count(); got != 2 {
		t.Fatalf("probe calls = %d, want 2", got)
	}
	if got := strings.Join(r.calls[0], " "); got != "espeak-ng -s 160 --voices=en" {
		t.Fatalf("probe = %q", got)
	}
}

func TestOnDeviceSpeakArgs(t *testing.T) {
	r := &recordingRunner{voices: map[string]string{"en": "voice\n"}}
	o, _ := NewOnDevice("espeak-ng", WithRunner(r.run))
	if err := o.Speak(context.Background(), "-5 items left", "en-IN"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	got := strings.Join(r.calls[len(r.calls)-1], " ")
	if got != "espeak-ng -v en -- -5 items left" {
		t.Fatalf("speak command = %q", got)
	}
}

func TestOnDeviceUnsupportedLanguage(t *testing.T) {
	r := &recordingRunner{}
	o, _ := NewOnDevice("espeak-ng", WithRunner(r.run))
	err := o.Speak(context.Background(), "namaste", "hi-IN")
	if !errors.Is(err, voice.ErrLanguageUnsupported) {
		t.Fatalf("Speak() error = %v, want ErrLanguageUnsupported", err)
	}
}

func TestOnDeviceEngineFailure(t *testing.T) {
	boom := errors.New("espeak-ng failed: exit status 1")
	r := &recordingRunner{voices: map[string]string{"en": "voice\n"}, err: boom}
	o, _ := NewOnDevice("espeak-ng", WithRunner(r.run))
	if err := o.Speak(context.Background(), "hello", "en"); !errors.Is(err, boom) {
		t.Fatalf("Speak() error = %v, want %v", err, boom)
	}
}

func TestNewOnDeviceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewOnDevice("   "); err == nil {
		t.Fatalf("NewOnDevice() error = nil, want error")
	}
}
