package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kiranaai/voiceturn/internal/observability"
)

type OutcomeClass string

const (
	OutcomeSuccess     OutcomeClass = "success"
	OutcomeTimeout     OutcomeClass = "timeout"
	OutcomeError       OutcomeClass = "error"
	OutcomeUnsupported OutcomeClass = "unsupported"
	OutcomeCancelled   OutcomeClass = "cancelled"
)

// Outcome is the result of one backend attempt.
type Outcome struct {
	Backend string        `json:"backend"`
	Class   OutcomeClass  `json:"class"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result summarizes a full pass over the cascade for one piece of text.
type Result struct {
	Spoken   bool      `json:"spoken"`
	Backend  string    `json:"backend,omitempty"`
	Attempts []Outcome `json:"attempts"`
}

// Cancelled reports whether the pass stopped because it was cancelled.
func (r Result) Cancelled() bool {
	n := len(r.Attempts)
	return n > 0 && r.Attempts[n-1].Class == OutcomeCancelled
}

// TimeoutPolicy bounds a single attempt.
type TimeoutPolicy interface {
	Timeout(text string) time.Duration
}

// FixedTimeout bounds every attempt by the same duration.
type FixedTimeout time.Duration

func (f FixedTimeout) Timeout(string) time.Duration { return time.Duration(f) }

// EstimatedTimeout bounds an attempt by how long the text should take to say:
// max(Floor, words*PerWord + Pad).
type EstimatedTimeout struct {
	Floor   time.Duration
	PerWord time.Duration
	Pad     time.Duration
}

// DefaultEstimatedTimeout allows half a second per word plus two seconds, never under three.
var DefaultEstimatedTimeout = EstimatedTimeout{
	Floor:   3 * time.Second,
	PerWord: 500 * time.Millisecond,
	Pad:     2 * time.Second,
}

func (e EstimatedTimeout) Timeout(text string) time.Duration {
	words := len(strings.Fields(text))
	est := time.Duration(words)*e.PerWord + e.Pad
	if est < e.Floor {
		return e.Floor
	}
	return est
}

// Strategy is one rung of the cascade.
type Strategy struct {
	Backend Backend
	Timeout TimeoutPolicy
}

type attemptRecord struct {
	id      uint64
	backend string
	cancel  context.CancelFunc
	abort   chan struct{}
	once    sync.Once
}

func (a *attemptRecord) stop() {
	a.once.Do(func() {
		close(a.abort)
		a.cancel()
	})
}

// Cascade tries its strategies in order until one speaks the text.
type Cascade struct {
	strategies []Strategy
	clock      Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu         sync.Mutex
	seq        uint64
	active     *attemptRecord
	passCancel context.CancelFunc
}

type CascadeOption func(*Cascade)

func WithCascadeClock(c Clock) CascadeOption {
	return func(cs *Cascade) {
		if c != nil {
			cs.clock = c
		}
	}
}

func WithCascadeLogger(l *slog.Logger) CascadeOption {
	return func(cs *Cascade) {
		if l != nil {
			cs.logger = l
		}
	}
}

func WithCascadeMetrics(m *observability.Metrics) CascadeOption {
	return func(cs *Cascade) { cs.metrics = m }
}

func NewCascade(strategies []Strategy, opts ...CascadeOption) *Cascade {
	c := &Cascade{
		clock:  SystemClock(),
		logger: slog.Default(),
	}
	for _, s := range strategies {
		if s.Backend == nil {
			continue
		}
		if s.Timeout == nil {
			s.Timeout = DefaultEstimatedTimeout
		}
		c.strategies = append(c.strategies, s)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backends lists the backend names in cascade order.
func (c *Cascade) Backends() []string {
	out := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, s.Backend.Name())
	}
	return out
}

// Budget is the longest a full pass over text can take.
func (c *Cascade) Budget(text string) time.Duration {
	var total time.Duration
	for _, s := range c.strategies {
		total += s.Timeout.Timeout(text)
	}
	return total
}

// Speak runs the strategies in order with the same text. Each backend is tried at most once.
// When every backend fails the result reports Spoken=false and no error: an unspoken reply
// is still a finished reply. A Cascade runs one pass at a time.
func (c *Cascade) Speak(ctx context.Context, text, language string) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.passCancel = cancel
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "synthesis cascade")
	defer span.End()
	span.SetAttributes(attribute.String("voice.language", language), attribute.Int("voice.text_len", len(text)))

	var res Result
	for _, s := range c.strategies {
		out := c.Attempt(ctx, s, text, language)
		res.Attempts = append(res.Attempts, out)
		switch out.Class {
		case OutcomeSuccess:
			res.Spoken = true
			res.Backend = out.Backend
			span.SetAttributes(attribute.String("voice.backend", out.Backend))
			return res
		case OutcomeCancelled:
			span.AddEvent("cancelled")
			return res
		}
	}

	err := fmt.Errorf("%w: %d attempted", ErrSynthesisExhausted, len(res.Attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("reply left unspoken", "language", language, "attempts", len(res.Attempts))
	return res
}

// Attempt runs one strategy, bounded by its timeout. A backend that ignores cancellation
// is abandoned; whatever it reports afterwards is discarded.
func (c *Cascade) Attempt(ctx context.Context, s Strategy, text, language string) Outcome {
	name := s.Backend.Name()
	started := c.clock.Now()
	timeout := s.Timeout.Timeout(text)

	ctx, span := tracer.Start(ctx, "synthesis attempt")
	defer span.End()
	span.SetAttributes(attribute.String("voice.backend", name), attribute.Int64("voice.timeout_ms", timeout.Milliseconds()))

	finish := func(class OutcomeClass, err error) Outcome {
		out := Outcome{Backend: name, Class: class, Err: err, Elapsed: c.clock.Now().Sub(started)}
		c.metrics.ObserveBackendAttempt(name, string(class))
		if class == OutcomeSuccess {
			c.metrics.ObserveTurnStage(name+"_attempt", out.Elapsed)
		}
		if err != nil && class != OutcomeCancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Warn("synthesis attempt failed", "backend", name, "outcome", class, "error", err)
		}
		span.SetAttributes(attribute.String("voice.outcome", string(class)))
		return out
	}

	if ctx.Err() != nil {
		return finish(OutcomeCancelled, ctx.Err())
	}
	if ls, ok := s.Backend.(LanguageSupporter); ok {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		supported := ls.SupportsLanguage(probeCtx, language)
		cancel()
		if !supported {
			return finish(OutcomeUnsupported, fmt.Errorf("%s: %w: %s", name, ErrLanguageUnsupported, language))
		}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	rec := c.begin(name, cancel)
	defer c.end(rec)

	done := make(chan error, 1)
	go func() {
		done <- s.Backend.Speak(attemptCtx, text, language)
	}()

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return finish(OutcomeSuccess, nil)
		case errors.Is(err, ErrLanguageUnsupported):
			return finish(OutcomeUnsupported, err)
		case ctx.Err() != nil:
			return finish(OutcomeCancelled, ctx.Err())
		default:
			return finish(OutcomeError, err)
		}
	case <-expired:
		rec.stop()
		return finish(OutcomeTimeout, fmt.Errorf("%s: no completion within %s", name, timeout))
	case <-rec.abort:
		return finish(OutcomeCancelled, context.Canceled)
	case <-ctx.Done():
		return finish(OutcomeCancelled, ctx.Err())
	}
}

// Cancel stops whichever attempt is running and ends the pass. Its Speak call returns
// a cancelled result.
func (c *Cascade) Cancel() {
	c.mu.Lock()
	rec := c.active
	passCancel := c.passCancel
	c.passCancel = nil
	c.mu.Unlock()
	if passCancel != nil {
		passCancel()
	}
	if rec != nil {
		rec.stop()
	}
}

func (c *Cascade) begin(name string, cancel context.CancelFunc) *attemptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	rec := &attemptRecord{id: c.seq, backend: name, cancel: cancel, abort: make(chan struct{})}
	c.active = rec
	return rec
}

func (c *Cascade) end(rec *attemptRecord) {
	rec.once.Do(func() { rec.cancel() })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.id == rec.id {
		c.active = nil
	}
}
