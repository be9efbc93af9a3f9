package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEstimatedTimeout(t *testing.T) {
	cases := []struct {
		text string
		want time.Duration
	}{
		{text: "", want: 3 * time.Second},
		{text: "ok", want: 3 * time.Second},
		{text: "You have 12kg of rice", want: 4500 * time.Millisecond},
		{text: "one two three four five six seven eight nine ten", want: 7 * time.Second},
	}
	for _, tc := range cases {
		if got := DefaultEstimatedTimeout.Timeout(tc.text); got != tc.want {
			t.Fatalf("Timeout(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestCascadeBudget(t *testing.T) {
	c := NewCascade([]Strategy{
		{Backend: NewFakeBackend("ondevice"), Timeout: FixedTimeout(DefaultOnDeviceTimeout)},
		{Backend: NewFakeBackend("cloud")},
		{Backend: NewFakeBackend("browser")},
	})
	if got, want := c.Budget("ok"), 3500*time.Millisecond+6*time.Second; got != want {
		t.Fatalf("Budget() = %s, want %s", got, want)
	}
	if got := c.Backends(); len(got) != 3 || got[1] != "cloud" {
		t.Fatalf("Backends() = %v", got)
	}
}

func TestCascadeSkipsUnsupportedLanguage(t *testing.T) {
	ondevice := NewFakeBackend("ondevice").OnlyLanguages("en")
	cloud := NewFakeBackend("cloud")
	c := NewCascade([]Strategy{
		{Backend: ondevice, Timeout: FixedTimeout(DefaultOnDeviceTimeout)},
		{Backend: cloud},
	})

	res := c.Speak(context.Background(), "aapka stock 12 kilo hai", "hi-IN")
	if !res.Spoken || res.Backend != "cloud" {
		t.Fatalf("result = %+v, want spoken by cloud", res)
	}
	if len(ondevice.Calls()) != 0 {
		t.Fatalf("ondevice called %d times, want 0", len(ondevice.Calls()))
	}
	if res.Attempts[0].Class != OutcomeUnsupported {
		t.Fatalf("Attempts[0].Class = %s, want unsupported", res.Attempts[0].Class)
	}
}

func TestCascadeFallsBackOnError(t *testing.T) {
	ondevice := NewFakeBackend("ondevice").Failing(errors.New("engine crashed"))
	cloud := NewFakeBackend("cloud").Failing(errors.New("502"))
	browser := NewFakeBackend("browser")
	c := NewCascade([]Strategy{{Backend: ondevice}, {Backend: cloud}, {Backend: browser}})

	res := c.Speak(context.Background(), "hello", "en-IN")
	if !res.Spoken || res.Backend != "browser" {
		t.Fatalf("result = %+v, want spoken by browser", res)
	}
	for _, b := range []*FakeBackend{ondevice, cloud, browser} {
		if calls := b.Calls(); len(calls) != 1 || calls[0] != "hello" {
			t.Fatalf("%s calls = %v, want [hello]", b.Name(), calls)
		}
	}
}

func TestCascadeAllFailIsStillCompletion(t *testing.T) {
	c := NewCascade([]Strategy{
		{Backend: NewFakeBackend("ondevice").Failing(errors.New("boom"))},
		{Backend: NewFakeBackend("cloud").Failing(errors.New("boom"))},
	})
	res := c.Speak(context.Background(), "hello", "en-IN")
	if res.Spoken {
		t.Fatalf("Spoken = true, want false")
	}
	if res.Cancelled() {
		t.Fatalf("Cancelled() = true, want false")
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(res.Attempts))
	}
}

func TestCascadeHangingBackendTimesOut(t *testing.T) {
	clock := NewManualClock(time.Time{})
	ondevice := NewFakeBackend("ondevice").Hang()
	cloud := NewFakeBackend("cloud")
	c := NewCascade([]Strategy{
		{Backend: ondevice, Timeout: FixedTimeout(DefaultOnDeviceTimeout)},
		{Backend: cloud},
	}, WithCascadeClock(clock))

	results := make(chan Result, 1)
	go func() { results <- c.Speak(context.Background(), "You have 12kg of rice", "en-IN") }()

	<-ondevice.Called()
	waitFor(t, "ondevice attempt timer", func() bool { return clock.Pending() == 1 })
	clock.Advance(3499 * time.Millisecond)
	select {
	case res := <-results:
		t.Fatalf("cascade finished early: %+v", res)
	default:
	}
	clock.Advance(time.Millisecond)

	select {
	case res := <-results:
		if !res.Spoken || res.Backend != "cloud" {
			t.Fatalf("result = %+v, want spoken by cloud", res)
		}
		if res.Attempts[0].Class != OutcomeTimeout {
			t.Fatalf("Attempts[0].Class = %s, want timeout", res.Attempts[0].Class)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cascade did not fall back to cloud")
	}
	if calls := cloud.Calls(); len(calls) != 1 || calls[0] != "You have 12kg of rice" {
		t.Fatalf("cloud calls = %v, want same text", calls)
	}
}

func TestCascadeCancelStopsActiveAttempt(t *testing.T) {
	playing := NewFakeBackend("cloud").Gated()
	never := NewFakeBackend("browser")
	c := NewCascade([]Strategy{{Backend: playing}, {Backend: never}})

	results := make(chan Result, 1)
	go func() { results <- c.Speak(context.Background(), "hello", "en-IN") }()
	<-playing.Called()
	c.Cancel()

	select {
	case res := <-results:
		if !res.Cancelled() {
			t.Fatalf("result = %+v, want cancelled", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Speak did not return after Cancel")
	}
	if len(never.Calls()) != 0 {
		t.Fatalf("browser called after cancel")
	}
}
