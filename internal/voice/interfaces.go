package voice

import "context"

type CaptureEventKind string

const (
	CaptureEventPartial CaptureEventKind = "partial"
	CaptureEventError   CaptureEventKind = "error"
	CaptureEventEnd     CaptureEventKind = "end"
)

// CaptureEvent is one item of a capture stream. A stream carries any number of
// partials followed by at most one error or end, then closes.
type CaptureEvent struct {
	Kind       CaptureEventKind
	Text       string
	Confidence float64
	Err        error
}

// Capture wraps one platform speech recognizer.
//
// Start returns ErrPermissionDenied, ErrCaptureUnavailable or ErrCaptureAlreadyActive
// (possibly wrapped) when the recognizer cannot start. Stop must be idempotent and
// safe to call when nothing is running.
type Capture interface {
	Start(ctx context.Context, language string) (<-chan CaptureEvent, error)
	Stop(ctx context.Context) error
}

// PermissionRequester is implemented by captures that must ask for microphone access
// before the first Start.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

// Backend speaks text aloud and returns once playback has finished or failed.
// Implementations must stop promptly when ctx is cancelled.
type Backend interface {
	Name() string
	Speak(ctx context.Context, text, language string) error
}

// LanguageSupporter lets the cascade skip a backend that cannot speak a language.
type LanguageSupporter interface {
	SupportsLanguage(ctx context.Context, language string) bool
}

// HostCallback produces the assistant reply for a finalized utterance.
type HostCallback interface {
	GetReply(ctx context.Context, text string) (string, error)
}

// ReplyFunc adapts a function to HostCallback.
type ReplyFunc func(ctx context.Context, text string) (string, error)

func (f ReplyFunc) GetReply(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// BackendFunc adapts a function to Backend.
type BackendFunc struct {
	BackendName string
	Fn          func(ctx context.Context, text, language string) error
}

func (b BackendFunc) Name() string { return b.BackendName }

func (b BackendFunc) Speak(ctx context.Context, text, language string) error {
	return b.Fn(ctx, text, language)
}
