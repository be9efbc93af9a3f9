package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeCapture is an in-memory Capture driven by the caller. It is used by tests and by
// the mock wiring when no real recognizer is configured.
type FakeCapture struct {
	mu            sync.Mutex
	starts        int
	stops         int
	languages     []string
	startErrs     []error
	permissionErr error
	permissions   int
	cur           *fakeStream
}

type fakeStream struct {
	ch   chan CaptureEvent
	done chan struct{}
	once sync.Once
}

func (s *fakeStream) close() { s.once.Do(func() { close(s.done) }) }

func NewFakeCapture() *FakeCapture { return &FakeCapture{} }

// FailStart queues errors returned by the next Start calls, one per call.
func (f *FakeCapture) FailStart(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, errs...)
}

// DenyPermission makes RequestPermission return err.
func (f *FakeCapture) DenyPermission(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissionErr = err
}

func (f *FakeCapture) RequestPermission(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions++
	return f.permissionErr
}

func (f *FakeCapture) Start(_ context.Context, language string) (<-chan CaptureEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.languages = append(f.languages, language)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.cur != nil {
		f.cur.close()
	}
	f.cur = &fakeStream{ch: make(chan CaptureEvent), done: make(chan struct{})}
	return f.cur.ch, nil
}

func (f *FakeCapture) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.cur != nil {
		f.cur.close()
		f.cur = nil
	}
	return nil
}

// Partial delivers a partial transcript and waits until the reader takes it. It returns
// false if no capture is running or nobody reads within a second.
func (f *FakeCapture) Partial(text string) bool {
	return f.emit(CaptureEvent{Kind: CaptureEventPartial, Text: text})
}

// End finishes the running capture as a recognizer would after silence.
func (f *FakeCapture) End() bool {
	return f.emit(CaptureEvent{Kind: CaptureEventEnd})
}

// Fail finishes the running capture with err.
func (f *FakeCapture) Fail(err error) bool {
	return f.emit(CaptureEvent{Kind: CaptureEventError, Err: err})
}

func (f *FakeCapture) emit(ev CaptureEvent) bool {
	f.mu.Lock()
	cur := f.cur
	f.mu.Unlock()
	if cur == nil {
		return false
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case cur.ch <- ev:
		return true
	case <-cur.done:
		return false
	case <-timer.C:
		return false
	}
}

func (f *FakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeCapture) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *FakeCapture) Permissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissions
}

// Running reports whether a started capture has not been stopped.
func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur != nil
}

func (f *FakeCapture) Languages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.languages...)
}

// FakeBackend is a scriptable synthesis Backend.
type FakeBackend struct {
	name string

	mu        sync.Mutex
	hang      bool
	err       error
	languages map[string]bool
	release   chan struct{}
	calls     []string
	called    chan string
}

func NewFakeBackend(name string) *FakeBackend {
	return &FakeBackend{name: name, called: make(chan string, 32)}
}

// Hang makes Speak block until its context is cancelled.
func (b *FakeBackend) Hang() *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = true
	return b
}

// Failing makes Speak return err immediately.
func (b *FakeBackend) Failing(err error) *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
	return b
}

// Gated makes Speak wait for Release, standing in for audio that takes time to play.
func (b *FakeBackend) Gated() *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release = make(chan struct{})
	return b
}

// Release lets a gated Speak return.
func (b *FakeBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release != nil {
		close(b.release)
		b.release = make(chan struct{})
	}
}

// OnlyLanguages restricts SupportsLanguage to the given tags or their base language.
func (b *FakeBackend) OnlyLanguages(tags ...string) *FakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.languages = make(map[string]bool, len(tags))
	for _, t := range tags {
		b.languages[strings.ToLower(t)] = true
	}
	return b
}

func (b *FakeBackend) Name() string { return b.name }

func (b *FakeBackend) SupportsLanguage(_ context.Context, language string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.languages == nil {
		return true
	}
	language = strings.ToLower(language)
	base, _, _ := strings.Cut(language, "-")
	return b.languages[language] || b.languages[base]
}

func (b *FakeBackend) Speak(ctx context.Context, text, _ string) error {
	b.mu.Lock()
	b.calls = append(b.calls, text)
	hang, err, release := b.hang, b.err, b.release
	b.mu.Unlock()

	select {
	case b.called <- text:
	default:
	}

	switch {
	case hang:
		<-ctx.Done()
		return ctx.Err()
	case err != nil:
		return err
	case release != nil:
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return nil
	}
}

// Called delivers the text of every Speak call as it happens.
func (b *FakeBackend) Called() <-chan string { return b.called }

func (b *FakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}
