package voice

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerRegistryOneTimerPerTag(t *testing.T) {
	clock := NewManualClock(time.Time{})
	r := NewTimerRegistry(clock)

	var first, second atomic.Int32
	r.Schedule(TimerEndpoint, time.Second, func(TimerHandle) { first.Add(1) })
	r.Schedule(TimerEndpoint, 2*time.Second, func(TimerHandle) { second.Add(1) })

	if got := r.Active(); len(got) != 1 || got[0] != TimerEndpoint {
		t.Fatalf("Active() = %v, want [endpoint]", got)
	}
	if clock.Pending() != 1 {
		t.Fatalf("clock.Pending() = %d, want 1", clock.Pending())
	}

	clock.Advance(3 * time.Second)
	if first.Load() != 0 {
		t.Fatalf("replaced timer fired %d times, want 0", first.Load())
	}
	if second.Load() != 1 {
		t.Fatalf("live timer fired %d times, want 1", second.Load())
	}
}

func TestTimerRegistryCancel(t *testing.T) {
	clock := NewManualClock(time.Time{})
	r := NewTimerRegistry(clock)

	var fired atomic.Int32
	r.Schedule(TimerSilence, time.Second, func(TimerHandle) { fired.Add(1) })
	if !r.Cancel(TimerSilence) {
		t.Fatalf("Cancel() = false, want true")
	}
	if r.Cancel(TimerSilence) {
		t.Fatalf("second Cancel() = true, want false")
	}
	clock.Advance(2 * time.Second)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestTimerRegistryCancelAll(t *testing.T) {
	clock := NewManualClock(time.Time{})
	r := NewTimerRegistry(clock)

	var fired atomic.Int32
	for _, tag := range []TimerTag{TimerSilence, TimerEndpoint, TimerProcessing} {
		r.Schedule(tag, time.Second, func(TimerHandle) { fired.Add(1) })
	}
	if n := r.CancelAll(); n != 3 {
		t.Fatalf("CancelAll() = %d, want 3", n)
	}
	if len(r.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty", r.Active())
	}
	clock.Advance(time.Minute)
	if fired.Load() != 0 {
		t.Fatalf("fired = %d after CancelAll, want 0", fired.Load())
	}
}

func TestTimerRegistryClaim(t *testing.T) {
	clock := NewManualClock(time.Time{})
	r := NewTimerRegistry(clock)

	var got TimerHandle
	h := r.Schedule(TimerSettle, 500*time.Millisecond, func(h TimerHandle) { got = h })
	clock.Advance(500 * time.Millisecond)
	if got != h {
		t.Fatalf("callback handle = %+v, want %+v", got, h)
	}
	if len(r.Active()) != 0 {
		t.Fatalf("Active() = %v, want fired timer excluded", r.Active())
	}
	if !r.Claim(h) {
		t.Fatalf("Claim() = false, want true")
	}
	if r.Claim(h) {
		t.Fatalf("second Claim() = true, want false")
	}
}

func TestTimerRegistryClaimAfterReplace(t *testing.T) {
	clock := NewManualClock(time.Time{})
	r := NewTimerRegistry(clock)

	var fired TimerHandle
	old := r.Schedule(TimerEndpoint, time.Second, func(h TimerHandle) { fired = h })
	clock.Advance(time.Second)
	if fired != old {
		t.Fatalf("timer did not fire")
	}
	// A partial arrived between the fire and its handling.
	r.Schedule(TimerEndpoint, time.Second, func(TimerHandle) {})
	if r.Claim(old) {
		t.Fatalf("Claim(old) = true after replacement, want false")
	}
}

func TestManualClockFiresInOrder(t *testing.T) {
	clock := NewManualClock(time.Time{})
	start := clock.Now()
	var order []time.Duration
	clock.AfterFunc(300*time.Millisecond, func() { order = append(order, clock.Now().Sub(start)) })
	clock.AfterFunc(100*time.Millisecond, func() {
		order = append(order, clock.Now().Sub(start))
		clock.AfterFunc(100*time.Millisecond, func() { order = append(order, clock.Now().Sub(start)) })
	})

	clock.Advance(time.Second)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(order) != len(want) {
		t.Fatalf("fired %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("fired %v, want %v", order, want)
		}
	}
	if got := clock.Now().Sub(start); got != time.Second {
		t.Fatalf("Now() advanced %s, want 1s", got)
	}
}
