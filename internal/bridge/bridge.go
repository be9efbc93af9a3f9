package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/voice"
)

const (
	defaultReplyTimeout = 5 * time.Second
	streamBuffer        = 64
)

var ErrNotAttached = errors.New("bridge: no browser attached")

// Transport delivers one server message to the browser. Send must not block; a full
// queue is reported as an error.
type Transport interface {
	Send(msg any) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(msg any) error

func (f TransportFunc) Send(msg any) error { return f(msg) }

type reply struct {
	ok     bool
	code   string
	detail string
}

// Bridge multiplexes the browser's recognizer, speech synthesizer and audio element
// over one websocket. The browser answers every request carrying a request_id with a
// matching ack.
type Bridge struct {
	sessionID    string
	logger       *slog.Logger
	replyTimeout time.Duration
	seq          atomic.Uint64

	mu        sync.Mutex
	transport Transport
	attachSeq uint64
	pending   map[string]chan reply
	stream    *stream
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithReplyTimeout bounds how long a request waits for the browser's ack when the
// caller's context has no deadline.
func WithReplyTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.replyTimeout = d
		}
	}
}

func New(sessionID string, opts ...Option) *Bridge {
	b := &Bridge{
		sessionID:    sessionID,
		logger:       slog.Default(),
		replyTimeout: defaultReplyTimeout,
		pending:      make(map[string]chan reply),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) SessionID() string { return b.sessionID }

// Attach routes outbound messages to t, replacing any previous browser connection.
// The returned func detaches t unless another connection has replaced it since.
func (b *Bridge) Attach(t Transport) (detach func()) {
	b.Detach()
	b.mu.Lock()
	b.transport = t
	b.attachSeq++
	seq := b.attachSeq
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		current := b.attachSeq == seq && b.transport != nil
		b.mu.Unlock()
		if current {
			b.Detach()
		}
	}
}

// Detach forgets the browser. Requests still waiting on it fail and a running capture
// ends as unavailable.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.transport = nil
	pending := b.pending
	b.pending = make(map[string]chan reply)
	s := b.stream
	b.stream = nil
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{code: protocol.CodeUnavailable, detail: "browser disconnected"}
	}
	if s != nil {
		s.finish(voice.CaptureEvent{Kind: voice.CaptureEventError, Err: fmt.Errorf("%w: browser disconnected", voice.ErrCaptureUnavailable)})
	}
}

func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil
}

// Handle routes one parsed client message. Control messages belong to the caller and
// are rejected with protocol.ErrUnsupportedType.
func (b *Bridge) Handle(msg any) error {
	switch m := msg.(type) {
	case protocol.ClientPermission:
		b.resolve(m.RequestID, reply{ok: m.Granted, code: protocol.CodeNotAllowed, detail: m.Detail})
	case protocol.ClientCaptureAck:
		b.resolve(m.RequestID, reply{ok: m.OK, code: m.Code})
	case protocol.ClientPlaybackDone:
		b.resolve(m.RequestID, reply{ok: m.OK, code: m.Code})
	case protocol.ClientPartial:
		b.emit(voice.CaptureEvent{Kind: voice.CaptureEventPartial, Text: m.Text, Confidence: m.Confidence})
	case protocol.ClientCaptureError:
		b.endStream(voice.CaptureEvent{Kind: voice.CaptureEventError, Err: captureError(m.Code, m.Detail)})
	case protocol.ClientCaptureEnd:
		b.endStream(voice.CaptureEvent{Kind: voice.CaptureEventEnd})
	default:
		return protocol.ErrUnsupportedType
	}
	return nil
}

// Notify forwards controller notifications to the browser UI. It is registered as a
// controller observer, so it never blocks.
func (b *Bridge) Notify(n voice.Notification) {
	switch n.Kind {
	case voice.NotifyState, voice.NotifyTranscript:
		msg := protocol.State{
			Type:       protocol.TypeState,
			SessionID:  b.sessionID,
			State:      string(n.State),
			Previous:   string(n.Previous),
			Transcript: n.Transcript,
			IsSpeaking: n.State == voice.StateSpeaking,
		}
		if n.Turn != nil {
			msg.TurnID = n.Turn.ID
		}
		b.send(msg)
	case voice.NotifyTurn:
		if n.Turn == nil {
			return
		}
		b.send(protocol.Turn{
			Type:       protocol.TypeTurn,
			SessionID:  b.sessionID,
			TurnID:     n.Turn.ID,
			InputText:  n.Turn.InputText,
			OutputText: n.Turn.OutputText,
			Outcome:    string(n.Turn.Outcome),
			Backend:    n.Turn.Backend,
		})
	case voice.NotifyPermissionDenied, voice.NotifyNoSpeech, voice.NotifyError:
		ev := protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: b.sessionID,
			Code:      string(n.Kind),
			Source:    "voice",
		}
		if n.Err != nil {
			ev.Source = n.Err.Op
			ev.Retryable = n.Err.Class != voice.ClassFatal
			ev.Detail = n.Err.Error()
		}
		b.send(ev)
	}
}

func (b *Bridge) nextRequestID() string {
	return b.sessionID + "-" + strconv.FormatUint(b.seq.Add(1), 10)
}

// request sends msg and waits for the ack carrying id.
func (b *Bridge) request(ctx context.Context, id string, msg any) (reply, error) {
	ch := make(chan reply, 1)
	b.mu.Lock()
	if b.transport == nil {
		b.mu.Unlock()
		return reply{}, ErrNotAttached
	}
	t := b.transport
	b.pending[id] = ch
	b.mu.Unlock()

	if err := t.Send(msg); err != nil {
		b.forget(id)
		return reply{}, fmt.Errorf("bridge send: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.replyTimeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		b.forget(id)
		return reply{}, ctx.Err()
	}
}

func (b *Bridge) resolve(id string, r reply) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("ack for unknown request dropped", "request_id", id)
		return
	}
	ch <- r
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) send(msg any) {
	b.mu.Lock()
	t := b.transport
	b.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(msg); err != nil {
		b.logger.Debug("bridge message dropped", "error", err)
	}
}

// captureError maps a browser recognizer error code to the capture sentinels.
func captureError(code, detail string) error {
	var base error
	switch code {
	case protocol.CodeNotAllowed:
		base = voice.ErrPermissionDenied
	case protocol.CodeAlreadyActive:
		base = voice.ErrCaptureAlreadyActive
	default:
		base = voice.ErrCaptureUnavailable
	}
	if code == "" {
		code = protocol.CodeUnavailable
	}
	if detail == "" {
		return fmt.Errorf("%w (%s)", base, code)
	}
	return fmt.Errorf("%w (%s): %s", base, code, detail)
}
