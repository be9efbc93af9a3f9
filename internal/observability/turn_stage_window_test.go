package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("endpoint_to_reply", 500*time.Millisecond)
	w.Observe("endpoint_to_reply", 700*time.Millisecond)
	w.Observe("endpoint_to_reply", 900*time.Millisecond)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "endpoint_to_reply" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "endpoint_to_reply")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS != 900 {
		t.Fatalf("P95MS = %.2f, want 900", s.P95MS)
	}
	if s.TargetP95MS != 4000 {
		t.Fatalf("TargetP95MS = %.2f, want 4000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "barge_in" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0] = %+v, want barge_in x2", snap.Indicators[0])
	}
}

func TestTurnStageWindowWrapsAtCapacity(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe("turn_total", 100*time.Millisecond)
	w.Observe("turn_total", 200*time.Millisecond)
	w.Observe("turn_total", 300*time.Millisecond)

	snap := w.Snapshot()
	s := snap.Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 250 {
		t.Fatalf("AvgMS = %.2f, want 250", s.AvgMS)
	}
}

func TestTurnStageWindowCountsOverTarget(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("speech_end_to_listening", 500*time.Millisecond)
	w.Observe("speech_end_to_listening", 650*time.Millisecond)
	w.Observe("speech_end_to_listening", 900*time.Millisecond)
	w.Observe("custom", time.Second)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "custom" {
		t.Fatalf("Stages = %+v", snap.Stages)
	}
	if got := snap.Stages[0]; got.TargetP95MS != 0 || got.OverTarget != 0 {
		t.Fatalf("custom = %+v, want no target", got)
	}
	if got := snap.Stages[1].OverTarget; got != 1 {
		t.Fatalf("OverTarget = %d, want 1", got)
	}
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("idle", "listening")
	m.ObserveWatchdog("silence")
	m.ObserveTurnStage("turn_total", time.Second)
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsCountersUseRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith("voiceturn_test", reg, reg)

	m.ObserveTransition("idle", "listening")
	m.ObserveTransition("idle", "listening")
	m.ObserveBackendAttempt("ondevice", "timeout")
	m.ObserveWatchdog("safety-watchdog")

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("idle", "listening")); got != 2 {
		t.Fatalf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BackendAttempts.WithLabelValues("ondevice", "timeout")); got != 1 {
		t.Fatalf("backend attempts = %v, want 1", got)
	}
	snap := m.SnapshotTurnStages()
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "watchdog_safety-watchdog" {
		t.Fatalf("Indicators = %+v, want watchdog_safety-watchdog", snap.Indicators)
	}
}
