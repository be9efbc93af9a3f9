package voice

import (
	"sort"
	"sync"
	"time"
)

// TimerTag names a timer slot. A registry holds at most one live timer per tag.
type TimerTag string

const (
	TimerSilence      TimerTag = "silence"
	TimerEndpoint     TimerTag = "endpoint"
	TimerProcessing   TimerTag = "safety-watchdog"
	TimerSynthesis    TimerTag = "tts-failsafe"
	TimerSettle       TimerTag = "settle"
	TimerCaptureRetry TimerTag = "capture-retry"
)

// TimerHandle identifies one scheduled timer.
type TimerHandle struct {
	Tag TimerTag
	ID  uint64
}

type timerEntry struct {
	id      uint64
	stopper Stopper
	fired   bool
}

// TimerRegistry owns a session's timers so they can be cancelled by tag or all at once.
type TimerRegistry struct {
	clock Clock

	mu      sync.Mutex
	seq     uint64
	entries map[TimerTag]*timerEntry
}

func NewTimerRegistry(clock Clock) *TimerRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &TimerRegistry{clock: clock, entries: make(map[TimerTag]*timerEntry)}
}

// Schedule arms fn to run after delay under tag, replacing any timer already holding the tag.
// fn runs on the clock's goroutine and is skipped if the timer was cancelled or replaced first.
// A fired timer keeps its slot until Claim, Cancel or a replacement retires it.
func (r *TimerRegistry) Schedule(tag TimerTag, delay time.Duration, fn func(TimerHandle)) TimerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked(tag)
	r.seq++
	h := TimerHandle{Tag: tag, ID: r.seq}
	entry := &timerEntry{id: h.ID}
	r.entries[tag] = entry
	entry.stopper = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		cur, ok := r.entries[tag]
		if !ok || cur.id != h.ID || cur.fired {
			r.mu.Unlock()
			return
		}
		cur.fired = true
		r.mu.Unlock()
		fn(h)
	})
	return h
}

// Claim retires a fired timer. It returns false when the handle has since been
// cancelled or replaced, in which case the caller must drop the work it was about to do.
func (r *TimerRegistry) Claim(h TimerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[h.Tag]
	if !ok || cur.id != h.ID {
		return false
	}
	delete(r.entries, h.Tag)
	return true
}

// Cancel stops the timer holding tag. It reports whether one was live.
func (r *TimerRegistry) Cancel(tag TimerTag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(tag)
}

// CancelAll stops every timer and returns how many were live.
func (r *TimerRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for tag := range r.entries {
		if r.cancelLocked(tag) {
			n++
		}
	}
	return n
}

// Active lists the tags with an armed, unfired timer, sorted.
func (r *TimerRegistry) Active() []TimerTag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TimerTag, 0, len(r.entries))
	for tag, e := range r.entries {
		if !e.fired {
			out = append(out, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *TimerRegistry) cancelLocked(tag TimerTag) bool {
	e, ok := r.entries[tag]
	if !ok {
		return false
	}
	delete(r.entries, tag)
	if e.stopper != nil {
		e.stopper.Stop()
	}
	return !e.fired
}
