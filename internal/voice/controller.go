package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranaai/voiceturn/internal/observability"
	"github.com/kiranaai/voiceturn/internal/policy"
)

// Controller runs one conversation loop: listen, wait for the end of the utterance, ask
// the host for a reply, speak it, listen again.
//
// All state is owned by the goroutine running Run. The exported methods only enqueue
// commands, so they are safe to call from any goroutine. Every asynchronous operation
// is tagged with the generation it was launched under and its result is dropped if the
// controller has moved on since.
type Controller struct {
	id       string
	capture  Capture
	cascade  *Cascade
	host     HostCallback
	clock    Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	filter   SpeechFilter
	timing   Timing
	language string

	adaptiveEndpoint bool
	bargeIn          bool
	wakeWord         string

	events    chan event
	captureQ  chan captureOp
	done      chan struct{}
	running   atomic.Bool
	timers    *TimerRegistry
	observeMu sync.Mutex
	observers []observerEntry
	obsSeq    uint64

	snapMu sync.RWMutex
	snap   Snapshot

	// Loop-owned.
	runCtx          context.Context
	state           State
	gen             uint64
	pendingStart    bool
	detector        *EndpointDetector
	transcript      string
	turn            *Turn
	turnSpan        trace.Span
	isSpeaking      bool
	resumeTo        State
	speechEndedAt   time.Time
	captureToken    uint64
	captureStarting bool
	captureCh       <-chan CaptureEvent
	captureRetries  int
	hostCancel      context.CancelFunc
	synthCancel     context.CancelFunc
}

type observerEntry struct {
	id uint64
	fn Observer
}

type event struct {
	kind       eventKind
	gen        uint64
	text       string
	confidence float64
	err        error
	timer      TimerHandle
	token      uint64
	stream     <-chan CaptureEvent
	result     Result
	barrier    chan struct{}
}

type captureOp struct {
	start    bool
	token    uint64
	language string
}

func NewController(capture Capture, cascade *Cascade, host HostCallback, opts ...Option) *Controller {
	c := &Controller{
		capture:  capture,
		cascade:  cascade,
		host:     host,
		clock:    SystemClock(),
		logger:   slog.Default(),
		filter:   SanitizeSpeechText,
		language: DefaultLanguage,
		events:   make(chan event, 64),
		captureQ: make(chan captureOp, 32),
		done:     make(chan struct{}),
		state:    StateIdle,
		resumeTo: StateListening,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cascade == nil {
		c.cascade = NewCascade(nil, WithCascadeClock(c.clock), WithCascadeLogger(c.logger))
	}
	c.timing = c.timing.withDefaults()
	c.timers = NewTimerRegistry(c.clock)
	c.detector = NewEndpointDetector(c.timing.EndpointSilence, c.adaptiveEndpoint)
	if c.id != "" {
		c.logger = c.logger.With("session_id", c.id)
	}
	c.publish()
	return c
}

func (c *Controller) ID() string { return c.id }

// Timers exposes the registry so callers can inspect which watchdogs are armed.
func (c *Controller) Timers() *TimerRegistry { return c.timers }

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) StartListening() { c.post(event{kind: evStartListening}) }

func (c *Controller) StopListening() { c.post(event{kind: evStopListening}) }

func (c *Controller) Cancel() { c.post(event{kind: evCancel}) }

// Speak interrupts whatever the loop is doing and says text. When called while idle the
// loop returns to idle afterwards, also when the announcement is cut short by Cancel;
// otherwise it resumes listening.
func (c *Controller) Speak(text string) { c.post(event{kind: evSpeak, text: text}) }

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Turn = s.Turn.clone()
	return s
}

// Subscribe registers an observer and returns a function that removes it.
func (c *Controller) Subscribe(o Observer) func() {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	id := c.nextObserverIDLocked()
	c.observers = append(c.observers, observerEntry{id: id, fn: o})
	return func() {
		c.observeMu.Lock()
		defer c.observeMu.Unlock()
		for i, e := range c.observers {
			if e.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) nextObserverID() uint64 {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	return c.nextObserverIDLocked()
}

func (c *Controller) nextObserverIDLocked() uint64 {
	c.obsSeq++
	return c.obsSeq
}

// Run drives the loop until ctx is cancelled. It tears everything down before returning.
func (c *Controller) Run(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrControllerClosed
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("voice: controller already running")
	}
	defer close(c.done)
	c.runCtx = ctx
	go c.captureWorker(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.publish()
			return nil
		case ev := <-c.events:
			c.dispatch(ev)
		case ce, ok := <-c.captureCh:
			c.onCaptureEvent(ce, ok)
		}
		c.publish()
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// sync blocks until every event posted before it has been handled.
func (c *Controller) sync() {
	b := make(chan struct{})
	c.post(event{barrier: b})
	select {
	case <-b:
	case <-c.done:
	}
}

func (c *Controller) dispatch(ev event) {
	if ev.barrier != nil {
		close(ev.barrier)
		return
	}
	if ev.gen != 0 && ev.gen != c.gen {
		c.metrics.ObserveStaleEvent(string(ev.kind))
		c.logger.Debug("dropping stale event", "event", ev.kind, "event_gen", ev.gen, "gen", c.gen)
		return
	}
	if ev.timer.ID != 0 && !c.timers.Claim(ev.timer) {
		c.metrics.ObserveStaleEvent(string(ev.kind))
		return
	}

	switch lookupAction(c.state, ev.kind) {
	case actIgnore:
	case actRequestStart:
		c.requestStart()
	case actPermission:
		c.onPermission(ev.err)
	case actStop:
		c.stop()
	case actSpeak:
		c.speakCommand(ev.text)
	case actResetTranscript:
		c.enterListening()
	case actCaptureStarted:
		c.onCaptureStarted(ev)
	case actPartial:
		c.onPartial(ev.text, ev.confidence)
	case actCaptureEnded:
		c.onCaptureEnded(ev.err)
	case actEndpoint:
		c.onEndpoint()
	case actNoSpeech:
		c.metrics.ObserveWatchdog(string(TimerSilence))
		c.logger.Info("no speech before watchdog", "timeout", c.timing.NoSpeechTimeout)
		c.goIdle(nil)
		c.notify(Notification{Kind: NotifyNoSpeech})
	case actRestartCapture:
		c.startCapture()
	case actAbandonReply:
		c.closeTurn(TurnAbandoned)
		c.enterListening()
	case actReply:
		c.onReply(ev.text, ev.err)
	case actReplyTimeout:
		c.metrics.ObserveWatchdog(string(TimerProcessing))
		c.fail(ClassRecoverable, "reply", fmt.Errorf("%w after %s", ErrReplyTimeout, c.timing.ProcessingTimeout))
	case actBargeIn:
		c.bargeInto()
	case actBargeInPartial:
		if strings.TrimSpace(ev.text) == "" {
			return
		}
		c.bargeInto()
		c.onPartial(ev.text, ev.confidence)
	case actDropCapture:
		c.captureCh = nil
		c.captureStarting = false
	case actInterrupt:
		if c.isSpeaking {
			c.finishSpeaking(TurnInterrupted)
		}
	case actSynthesisDone:
		c.onSynthesisDone(ev.result)
	case actSynthesisTimeout:
		c.metrics.ObserveWatchdog(string(TimerSynthesis))
		c.logger.Warn("synthesis failsafe fired")
		c.finishSpeaking(TurnUnspoken)
	case actSettled:
		c.onSettled()
	}
}

func (c *Controller) requestStart() {
	if c.pendingStart {
		return
	}
	c.pendingStart = true
	c.gen++
	gen := c.gen
	pr, ok := c.capture.(PermissionRequester)
	if !ok {
		c.onPermission(nil)
		return
	}
	ctx := c.runCtx
	go func() {
		pctx, cancel := context.WithTimeout(ctx, c.timing.CaptureStartTimeout)
		defer cancel()
		c.post(event{kind: evPermission, gen: gen, err: pr.RequestPermission(pctx)})
	}()
}

func (c *Controller) onPermission(err error) {
	if !c.pendingStart {
		return
	}
	c.pendingStart = false
	if err != nil {
		se := newSessionError("permission", err)
		c.metrics.ObserveSessionError(string(se.Class), se.Op)
		if se.Class == ClassFatal {
			c.logger.Warn("speech permission denied")
			c.notify(Notification{Kind: NotifyPermissionDenied, Err: se})
			return
		}
		c.notify(Notification{Kind: NotifyError, Err: se})
		return
	}
	c.enterListening()
}

// enterListening (re)arms the listening phase. A capture that is already running or
// starting is kept.
func (c *Controller) enterListening() {
	if !c.speechEndedAt.IsZero() {
		c.metrics.ObserveTurnStage("speech_end_to_listening", c.clock.Now().Sub(c.speechEndedAt))
		c.speechEndedAt = time.Time{}
	}
	c.cancelHost()
	c.transition(StateListening)
	c.detector.Reset()
	c.setTranscript("")
	c.captureRetries = 0
	c.scheduleTimer(TimerSilence, c.timing.NoSpeechTimeout, evSilenceTimeout)
	if !c.captureLive() {
		c.startCapture()
	}
}

func (c *Controller) onCaptureStarted(ev event) {
	if ev.token != c.captureToken {
		return
	}
	c.captureStarting = false
	if ev.err == nil {
		c.captureCh = ev.stream
		return
	}
	if c.state == StateSpeaking {
		c.logger.Debug("barge-in capture unavailable", "error", ev.err)
		return
	}
	if !isRetryableCaptureError(ev.err) {
		c.permissionLost(ev.err)
		return
	}
	c.captureRetries++
	if c.captureRetries > c.timing.CaptureRetryMax {
		c.fail(ClassRecoverable, "capture_start", ev.err)
		return
	}
	c.logger.Info("capture start failed, retrying", "attempt", c.captureRetries, "error", ev.err)
	c.scheduleTimer(TimerCaptureRetry, c.timing.CaptureRetryDelay, evCaptureRetry)
}

func (c *Controller) onCaptureEvent(ce CaptureEvent, ok bool) {
	token := c.captureToken
	if !ok {
		c.captureCh = nil
		c.dispatch(event{kind: evCaptureEnded, token: token})
		return
	}
	switch ce.Kind {
	case CaptureEventPartial:
		c.dispatch(event{kind: evPartial, text: ce.Text, confidence: ce.Confidence, token: token})
	case CaptureEventError, CaptureEventEnd:
		c.captureCh = nil
		err := ce.Err
		if ce.Kind == CaptureEventError && err == nil {
			err = ErrCaptureUnavailable
		}
		c.dispatch(event{kind: evCaptureEnded, err: err, token: token})
	}
}

func (c *Controller) onPartial(text string, confidence float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.timers.Cancel(TimerSilence)
	hold, ok := c.detector.Observe(text, confidence, c.clock.Now())
	if !ok {
		return
	}
	c.setTranscript(text)
	c.scheduleTimer(TimerEndpoint, hold, evEndpoint)
}

func (c *Controller) onCaptureEnded(err error) {
	c.captureCh = nil
	c.captureStarting = false
	if err != nil && errors.Is(err, ErrPermissionDenied) {
		c.permissionLost(err)
		return
	}
	if _, ok := c.detector.Final(); ok {
		c.onEndpoint()
		return
	}
	if err != nil {
		c.captureRetries++
		if c.captureRetries > c.timing.CaptureRetryMax {
			c.fail(ClassRecoverable, "capture", err)
			return
		}
		c.logger.Info("capture ended with error, restarting", "attempt", c.captureRetries, "error", err)
	}
	c.scheduleTimer(TimerCaptureRetry, c.timing.CaptureRetryDelay, evCaptureRetry)
}

func (c *Controller) onEndpoint() {
	text, ok := c.detector.Final()
	if !ok {
		return
	}
	c.metrics.ObserveTurnIndicator("endpoint_" + c.detector.Reason())
	if c.wakeWord != "" && !strings.Contains(strings.ToLower(text), c.wakeWord) {
		c.logger.Debug("utterance without wake word discarded", "text", policy.RedactPII(text))
		c.enterListening()
		return
	}
	c.beginProcessing(text)
}

func (c *Controller) beginProcessing(text string) {
	c.stopCapture()
	c.transition(StateProcessing)
	c.setTranscript(text)
	c.turn = newTurn(text, c.clock.Now())
	_, c.turnSpan = tracer.Start(c.runCtx, "voice turn")
	c.turnSpan.SetAttributes(attribute.String("voice.turn_id", c.turn.ID), attribute.String("voice.language", c.language))
	c.logger.Info("utterance finalized", "turn_id", c.turn.ID, "text", policy.RedactPII(text))
	c.notify(Notification{Kind: NotifyTurn, Turn: c.turn.clone()})

	c.scheduleTimer(TimerProcessing, c.timing.ProcessingTimeout, evProcessingTimeout)

	hctx, cancel := context.WithCancel(c.runCtx)
	c.hostCancel = cancel
	gen := c.gen
	go func() {
		reply, err := c.host.GetReply(hctx, text)
		c.post(event{kind: evReply, gen: gen, text: reply, err: err})
	}()
}

func (c *Controller) onReply(reply string, err error) {
	c.cancelHost()
	if c.turn != nil {
		c.turn.RepliedAt = c.clock.Now()
		c.metrics.ObserveReplyLatency(c.turn.RepliedAt.Sub(c.turn.StartedAt))
	}
	if err != nil {
		c.fail(ClassRecoverable, "reply", err)
		return
	}
	if c.turn != nil {
		c.turn.OutputText = reply
	}
	spoken := c.filter(reply)
	if spoken == "" {
		c.logger.Info("reply has nothing to speak", "len", len(reply))
		c.closeTurn(TurnSkipped)
		c.enterListening()
		return
	}
	c.beginSpeaking(spoken, StateListening)
}

func (c *Controller) speakCommand(raw string) {
	resume := StateListening
	if c.state == StateIdle {
		resume = StateIdle
		c.pendingStart = false
	}
	text := c.filter(raw)
	if text == "" {
		if c.state == StateListening {
			return
		}
		if resume == StateIdle {
			return
		}
		c.closeTurn(TurnAbandoned)
		c.cancelSynthesis()
		c.enterListening()
		return
	}
	switch c.state {
	case StateProcessing:
		c.closeTurn(TurnAbandoned)
	case StateSpeaking:
		c.closeTurn(TurnInterrupted)
	}
	c.turn = newTurn("", c.clock.Now())
	c.turn.OutputText = raw
	_, c.turnSpan = tracer.Start(c.runCtx, "voice speak")
	c.beginSpeaking(text, resume)
}

func (c *Controller) beginSpeaking(text string, resume State) {
	c.cancelHost()
	c.cancelSynthesis()
	if !c.bargeIn || resume == StateIdle {
		c.stopCapture()
	}
	c.transition(StateSpeaking)
	c.isSpeaking = true
	c.resumeTo = resume
	c.scheduleTimer(TimerSynthesis, c.cascade.Budget(text), evSynthesisTimeout)

	sctx, cancel := context.WithCancel(c.runCtx)
	c.synthCancel = cancel
	gen := c.gen
	language := c.language
	go func() {
		res := c.cascade.Speak(sctx, text, language)
		c.post(event{kind: evSynthesisDone, gen: gen, result: res})
	}()

	if c.bargeIn && resume == StateListening && !c.captureLive() {
		c.startCapture()
	}
}

func (c *Controller) onSynthesisDone(res Result) {
	if !c.isSpeaking {
		return
	}
	if c.turn != nil {
		c.turn.Backend = res.Backend
	}
	outcome := TurnSpoken
	switch {
	case res.Cancelled():
		outcome = TurnInterrupted
	case !res.Spoken:
		outcome = TurnUnspoken
		c.metrics.ObserveSessionError(string(ClassRecoverable), "synthesis")
		c.notify(Notification{Kind: NotifyError, Err: &SessionError{Class: ClassRecoverable, Op: "synthesis", Err: ErrSynthesisExhausted}})
	}
	c.finishSpeaking(outcome)
}

// finishSpeaking ends playback and starts the settle delay. The state stays SPEAKING
// until the delay elapses so a late partial can still barge in.
func (c *Controller) finishSpeaking(outcome TurnOutcome) {
	c.cancelSynthesis()
	c.gen++
	c.timers.CancelAll()
	c.isSpeaking = false
	c.speechEndedAt = c.clock.Now()
	c.closeTurn(outcome)
	c.scheduleTimer(TimerSettle, c.timing.SettleDelay, evSettled)
}

func (c *Controller) onSettled() {
	if c.resumeTo == StateIdle {
		c.speechEndedAt = time.Time{}
		c.goIdle(nil)
		return
	}
	c.enterListening()
}

func (c *Controller) bargeInto() {
	if c.resumeTo == StateIdle {
		c.resumeTo = StateListening
	}
	c.cancelSynthesis()
	c.closeTurn(TurnInterrupted)
	c.speechEndedAt = time.Time{}
	c.metrics.ObserveTurnIndicator("barge_in")
	c.notify(Notification{Kind: NotifyBargeIn})
	c.enterListening()
}

func (c *Controller) stop() {
	if c.state == StateIdle {
		if c.pendingStart {
			c.pendingStart = false
			c.gen++
		}
		return
	}
	c.closeTurn(TurnAbandoned)
	c.goIdle(nil)
}

// permissionLost handles a permission revoked after the first grant.
func (c *Controller) permissionLost(err error) {
	se := &SessionError{Class: ClassFatal, Op: "capture", Err: err}
	c.closeTurn(TurnAbandoned)
	c.goIdle(se)
	c.notify(Notification{Kind: NotifyPermissionDenied, Err: se})
}

// fail resets the loop to IDLE and reports err. The session stays usable.
func (c *Controller) fail(class ErrorClass, op string, err error) {
	se := &SessionError{Class: class, Op: op, Err: err}
	c.closeTurn(TurnAbandoned)
	c.goIdle(se)
}

func (c *Controller) goIdle(se *SessionError) {
	c.stopCapture()
	c.cancelHost()
	c.cancelSynthesis()
	c.transition(StateIdle)
	c.isSpeaking = false
	c.pendingStart = false
	c.resumeTo = StateListening
	c.detector.Reset()
	c.setTranscript("")
	if se != nil {
		c.metrics.ObserveSessionError(string(se.Class), se.Op)
		c.logger.Warn("voice loop reset", "op", se.Op, "class", se.Class, "error", se.Err)
		c.notify(Notification{Kind: NotifyError, Err: se})
	}
}

func (c *Controller) transition(to State) {
	from := c.state
	c.gen++
	c.timers.CancelAll()
	c.state = to
	if to != StateSpeaking {
		c.isSpeaking = false
	}
	c.metrics.ObserveTransition(string(from), string(to))
	c.logger.Debug("voice transition", "from", from, "to", to, "gen", c.gen)
	c.notify(Notification{Kind: NotifyState, State: to, Previous: from})
}

func (c *Controller) closeTurn(outcome TurnOutcome) {
	if c.turn == nil || c.turn.closed() {
		return
	}
	c.turn.close(outcome, c.clock.Now())
	c.metrics.ObserveTurnDuration(c.turn.EndedAt.Sub(c.turn.StartedAt))
	c.metrics.ObserveTurnIndicator("turn_" + string(outcome))
	if c.turnSpan != nil {
		c.turnSpan.SetAttributes(attribute.String("voice.outcome", string(outcome)), attribute.String("voice.backend", c.turn.Backend))
		if outcome == TurnAbandoned || outcome == TurnUnspoken {
			c.turnSpan.SetStatus(codes.Error, string(outcome))
		}
		c.turnSpan.End()
		c.turnSpan = nil
	}
	c.logger.Info("turn closed", "turn_id", c.turn.ID, "outcome", outcome, "backend", c.turn.Backend)
	c.notify(Notification{Kind: NotifyTurn, Turn: c.turn.clone()})
}

func (c *Controller) cancelHost() {
	if c.hostCancel == nil {
		return
	}
	c.hostCancel()
	c.hostCancel = nil
}

func (c *Controller) cancelSynthesis() {
	if c.synthCancel == nil {
		return
	}
	c.cascade.Cancel()
	c.synthCancel()
	c.synthCancel = nil
}

func (c *Controller) scheduleTimer(tag TimerTag, d time.Duration, kind eventKind) {
	gen := c.gen
	c.timers.Schedule(tag, d, func(h TimerHandle) {
		c.post(event{kind: kind, gen: gen, timer: h})
	})
}

func (c *Controller) captureLive() bool {
	return c.captureStarting || c.captureCh != nil
}

func (c *Controller) startCapture() {
	c.captureToken++
	c.captureStarting = true
	c.captureCh = nil
	c.enqueueCapture(captureOp{start: true, token: c.captureToken, language: c.language})
}

func (c *Controller) stopCapture() {
	if !c.captureLive() {
		return
	}
	c.captureToken++
	c.captureStarting = false
	c.captureCh = nil
	c.enqueueCapture(captureOp{token: c.captureToken})
}

func (c *Controller) enqueueCapture(op captureOp) {
	select {
	case c.captureQ <- op:
	case <-c.runCtx.Done():
	}
}

// captureWorker runs capture start and stop calls one at a time, in the order the loop
// issued them.
func (c *Controller) captureWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.captureQ:
			if op.start {
				sctx, cancel := context.WithTimeout(ctx, c.timing.CaptureStartTimeout)
				stream, err := c.capture.Start(sctx, op.language)
				cancel()
				c.post(event{kind: evCaptureStarted, token: op.token, stream: stream, err: err})
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, DefaultCaptureStopTimeout)
			if err := c.capture.Stop(sctx); err != nil {
				c.logger.Debug("capture stop failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Controller) teardown() {
	c.closeTurn(TurnAbandoned)
	c.cancelHost()
	c.cancelSynthesis()
	c.timers.CancelAll()
	if c.captureLive() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCaptureStopTimeout)
		_ = c.capture.Stop(ctx)
		cancel()
		c.captureCh = nil
		c.captureStarting = false
	}
	if c.state != StateIdle {
		c.transition(StateIdle)
	}
	c.pendingStart = false
}

func (c *Controller) setTranscript(text string) {
	if c.transcript == text {
		return
	}
	c.transcript = text
	c.notify(Notification{Kind: NotifyTranscript, Transcript: text})
}

func (c *Controller) notify(n Notification) {
	n.At = c.clock.Now()
	if n.State == "" {
		n.State = c.state
	}
	c.observeMu.Lock()
	obs := make([]Observer, 0, len(c.observers))
	for _, e := range c.observers {
		obs = append(obs, e.fn)
	}
	c.observeMu.Unlock()
	for _, fn := range obs {
		fn(n)
	}
}

func (c *Controller) publish() {
	s := Snapshot{
		State:      c.state,
		Transcript: c.transcript,
		IsSpeaking: c.isSpeaking,
		Language:   c.language,
		Generation: c.gen,
		Turn:       c.turn.clone(),
		UpdatedAt:  c.clock.Now(),
	}
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}
