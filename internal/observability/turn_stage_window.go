package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageTargets are the p95 budgets for the stages of a voice turn. Attempt budgets match
// the on-device synthesis timeout.
var stageTargets = map[string]time.Duration{
	"endpoint_to_reply":       4 * time.Second,
	"reply_to_speech_start":   1200 * time.Millisecond,
	"speech_end_to_listening": 650 * time.Millisecond,
	"ondevice_attempt":        3500 * time.Millisecond,
	"cloud_attempt":           3500 * time.Millisecond,
	"browser_attempt":         3500 * time.Millisecond,
	"turn_total":              12 * time.Second,
}

// TurnStageStats summarises one stage over the window, in milliseconds.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

// TurnIndicator counts discrete turn events such as barge-ins and watchdog firings.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing holds the most recent samples of one stage.
type stageRing struct {
	samples []time.Duration
	pos     int
	last    time.Duration
}

func (r *stageRing) add(d time.Duration, capacity int) {
	r.last = d
	if len(r.samples) < capacity {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % capacity
}

func (r *stageRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	st := TurnStageStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  millis(r.last),
		AvgMS:   millis(sum / time.Duration(len(sorted))),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
		P99MS:   millis(nearestRank(sorted, 0.99)),
	}
	if target, ok := stageTargets[stage]; ok {
		st.TargetP95MS = millis(target)
		i, _ := slices.BinarySearch(sorted, target+1)
		st.OverTarget = len(sorted) - i
	}
	return st
}

type turnStageWindow struct {
	mu         sync.Mutex
	capacity   int
	stages     map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &turnStageWindow{
		capacity:   capacity,
		stages:     make(map[string]*stageRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &stageRing{samples: make([]time.Duration, 0, w.capacity)}
		w.stages[stage] = r
	}
	r.add(d, w.capacity)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.stages)) {
		if r := w.stages[stage]; len(r.samples) > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// nearestRank returns the smallest sample with at least q of the window at or below it.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(i, len(sorted)-1))]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
