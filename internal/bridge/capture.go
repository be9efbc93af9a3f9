package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/voice"
)

// stream is one run of the browser recognizer.
type stream struct {
	ch   chan voice.CaptureEvent
	once sync.Once
}

func newStream() *stream {
	return &stream{ch: make(chan voice.CaptureEvent, streamBuffer)}
}

// finish delivers the terminal event, if there is room, and closes the stream.
func (s *stream) finish(ev voice.CaptureEvent) {
	s.once.Do(func() {
		select {
		case s.ch <- ev:
		default:
		}
		close(s.ch)
	})
}

// Capture is the browser's speech recognizer seen as a voice.Capture.
type Capture struct {
	b *Bridge
}

var (
	_ voice.Capture             = (*Capture)(nil)
	_ voice.PermissionRequester = (*Capture)(nil)
)

func (b *Bridge) Capture() *Capture { return &Capture{b: b} }

func (c *Capture) RequestPermission(ctx context.Context) error {
	b := c.b
	id := b.nextRequestID()
	r, err := b.request(ctx, id, protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		SessionID: b.sessionID,
		RequestID: id,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", voice.ErrCaptureUnavailable, err)
	}
	if !r.ok {
		return captureError(r.code, r.detail)
	}
	return nil
}

// Start asks the browser to begin recognition. The stream is registered before the
// request goes out so partials racing the ack are kept.
func (c *Capture) Start(ctx context.Context, language string) (<-chan voice.CaptureEvent, error) {
	b := c.b
	s := newStream()
	b.mu.Lock()
	if b.stream != nil {
		b.mu.Unlock()
		return nil, voice.ErrCaptureAlreadyActive
	}
	b.stream = s
	b.mu.Unlock()

	id := b.nextRequestID()
	r, err := b.request(ctx, id, protocol.CaptureStart{
		Type:      protocol.TypeCaptureStart,
		SessionID: b.sessionID,
		RequestID: id,
		Language:  language,
	})
	if err == nil && !r.ok {
		err = captureError(r.code, r.detail)
	} else if err != nil {
		err = fmt.Errorf("%w: %v", voice.ErrCaptureUnavailable, err)
	}
	if err != nil {
		b.clearStream(s)
		s.finish(voice.CaptureEvent{Kind: voice.CaptureEventEnd})
		return nil, err
	}
	return s.ch, nil
}

// Stop tells the browser to stop recognizing and ends the current stream. It is a no-op
// when nothing is running.
func (c *Capture) Stop(_ context.Context) error {
	b := c.b
	b.mu.Lock()
	s := b.stream
	b.stream = nil
	b.mu.Unlock()
	if s == nil {
		return nil
	}
	s.finish(voice.CaptureEvent{Kind: voice.CaptureEventEnd})
	b.send(protocol.CaptureStop{Type: protocol.TypeCaptureStop, SessionID: b.sessionID})
	return nil
}

func (b *Bridge) clearStream(s *stream) {
	b.mu.Lock()
	if b.stream == s {
		b.stream = nil
	}
	b.mu.Unlock()
}

// emit hands a partial to the running stream. Partials are dropped when the consumer
// is too far behind; the next one supersedes them anyway.
func (b *Bridge) emit(ev voice.CaptureEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return
	}
	select {
	case b.stream.ch <- ev:
	default:
		b.logger.Debug("partial dropped, capture consumer behind")
	}
}

func (b *Bridge) endStream(ev voice.CaptureEvent) {
	b.mu.Lock()
	s := b.stream
	b.stream = nil
	b.mu.Unlock()
	if s != nil {
		s.finish(ev)
	}
}
