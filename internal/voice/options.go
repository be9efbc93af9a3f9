package voice

import (
	"log/slog"
	"strings"
	"time"

	"github.com/kiranaai/voiceturn/internal/observability"
)

const (
	DefaultLanguage            = "en-IN"
	DefaultEndpointSilence     = 1500 * time.Millisecond
	DefaultNoSpeechTimeout     = 8 * time.Second
	DefaultProcessingTimeout   = 20 * time.Second
	DefaultOnDeviceTimeout     = 3500 * time.Millisecond
	DefaultSettleDelay         = 500 * time.Millisecond
	DefaultCaptureRetryDelay   = 400 * time.Millisecond
	DefaultCaptureRetryMax     = 3
	DefaultCaptureStartTimeout = 5 * time.Second
	DefaultCaptureStopTimeout  = 2 * time.Second
)

// Timing holds the loop's thresholds. Zero fields take the defaults above.
type Timing struct {
	EndpointSilence     time.Duration
	NoSpeechTimeout     time.Duration
	ProcessingTimeout   time.Duration
	SettleDelay         time.Duration
	CaptureRetryDelay   time.Duration
	CaptureRetryMax     int
	CaptureStartTimeout time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.EndpointSilence <= 0 {
		t.EndpointSilence = DefaultEndpointSilence
	}
	if t.NoSpeechTimeout <= 0 {
		t.NoSpeechTimeout = DefaultNoSpeechTimeout
	}
	if t.ProcessingTimeout <= 0 {
		t.ProcessingTimeout = DefaultProcessingTimeout
	}
	if t.SettleDelay <= 0 {
		t.SettleDelay = DefaultSettleDelay
	}
	if t.CaptureRetryDelay <= 0 {
		t.CaptureRetryDelay = DefaultCaptureRetryDelay
	}
	if t.CaptureRetryMax <= 0 {
		t.CaptureRetryMax = DefaultCaptureRetryMax
	}
	if t.CaptureStartTimeout <= 0 {
		t.CaptureStartTimeout = DefaultCaptureStartTimeout
	}
	return t
}

type Option func(*Controller)

func WithSessionID(id string) Option {
	return func(c *Controller) { c.id = strings.TrimSpace(id) }
}

func WithLanguage(language string) Option {
	return func(c *Controller) {
		if language = strings.TrimSpace(language); language != "" {
			c.language = language
		}
	}
}

func WithTiming(t Timing) Option {
	return func(c *Controller) { c.timing = t }
}

// WithAdaptiveEndpoint lengthens or shortens the endpoint silence based on how the
// latest partial ends.
func WithAdaptiveEndpoint(enabled bool) Option {
	return func(c *Controller) { c.adaptiveEndpoint = enabled }
}

// WithBargeIn keeps capture running while a reply is spoken so the user can interrupt
// by talking over it.
func WithBargeIn(enabled bool) Option {
	return func(c *Controller) { c.bargeIn = enabled }
}

// WithWakeWord makes the loop discard utterances that do not contain word.
func WithWakeWord(word string) Option {
	return func(c *Controller) { c.wakeWord = strings.ToLower(strings.TrimSpace(word)) }
}

func WithSpeechFilter(f SpeechFilter) Option {
	return func(c *Controller) {
		if f != nil {
			c.filter = f
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, observerEntry{id: c.nextObserverID(), fn: o})
		}
	}
}
