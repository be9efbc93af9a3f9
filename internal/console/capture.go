package console

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kiranaai/voiceturn/internal/voice"
)

// Capture stands in for a recognizer at the terminal: what the operator types becomes
// partial transcripts and enter ends the utterance.
type Capture struct {
	mu       sync.Mutex
	ch       chan voice.CaptureEvent
	language string
}

var _ voice.Capture = (*Capture)(nil)

func NewCapture() *Capture { return &Capture{} }

func (c *Capture) Start(_ context.Context, language string) (<-chan voice.CaptureEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		return nil, voice.ErrCaptureAlreadyActive
	}
	c.ch = make(chan voice.CaptureEvent, 64)
	c.language = language
	return c.ch, nil
}

func (c *Capture) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
	return nil
}

// Listening reports whether the loop currently has the capture running.
func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

func (c *Capture) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Type publishes text as the latest partial. It reports false when nothing is listening
// or the loop is behind.
func (c *Capture) Type(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return false
	}
	select {
	case c.ch <- voice.CaptureEvent{Kind: voice.CaptureEventPartial, Text: text, Confidence: 1}:
		return true
	default:
		return false
	}
}

// Submit ends the utterance the way a recognizer does when it hears a pause.
func (c *Capture) Submit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return false
	}
	select {
	case c.ch <- voice.CaptureEvent{Kind: voice.CaptureEventEnd}:
	default:
	}
	close(c.ch)
	c.ch = nil
	return true
}

// PrintBackend "speaks" by handing the text to the terminal. It is always available, so
// it closes the cascade in console mode.
type PrintBackend struct {
	mu      sync.Mutex
	out     func(text string)
	perWord time.Duration
}

var _ voice.Backend = (*PrintBackend)(nil)

func NewPrintBackend(perWord time.Duration) *PrintBackend {
	return &PrintBackend{perWord: perWord}
}

// SetOutput routes spoken text to out.
func (b *PrintBackend) SetOutput(out func(text string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = out
}

func (b *PrintBackend) Name() string { return "console" }

// Speak prints text and then holds for roughly the time it would take to say it, so
// barge-in behaves as it would with audio.
func (b *PrintBackend) Speak(ctx context.Context, text, _ string) error {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	if out != nil {
		out(text)
	}
	d := time.Duration(len(strings.Fields(text))) * b.perWord
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
