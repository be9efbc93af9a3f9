package voice

import (
	"regexp"
	"strings"
	"time"
)

// EndpointDetector decides when an utterance is over: a fixed stretch of time with no
// new partial result, after at least one non-empty partial. With adaptive holds the
// stretch is lengthened when the text trails off mid-sentence and shortened when it
// ends on a terminal cue.
type EndpointDetector struct {
	silence  time.Duration
	adaptive bool

	text      string
	seen      bool
	firstAt   time.Time
	lastAt    time.Time
	lastHold  time.Duration
	lastCause string
}

func NewEndpointDetector(silence time.Duration, adaptive bool) *EndpointDetector {
	if silence <= 0 {
		silence = DefaultEndpointSilence
	}
	return &EndpointDetector{silence: silence, adaptive: adaptive}
}

// Observe records a partial transcript and returns how long to wait for the next one
// before the utterance counts as finished. ok is false for blank partials, which do not
// restart the wait.
func (d *EndpointDetector) Observe(text string, confidence float64, at time.Time) (hold time.Duration, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if !d.seen {
		d.firstAt = at
	}
	d.seen = true
	d.text = text
	d.lastAt = at

	d.lastHold = d.silence
	d.lastCause = "silence"
	if d.adaptive {
		if hint, ok := buildEndpointHint(text, confidence, at.Sub(d.firstAt)); ok {
			d.lastHold = adaptHold(d.silence, hint)
			d.lastCause = hint.Reason
		}
	}
	return d.lastHold, true
}

// Final returns the transcript to commit, if any partial was observed.
func (d *EndpointDetector) Final() (string, bool) {
	if !d.seen || d.text == "" {
		return "", false
	}
	return d.text, true
}

func (d *EndpointDetector) Text() string { return d.text }

// Due reports whether, at now, the wait following the latest partial has elapsed.
func (d *EndpointDetector) Due(now time.Time) bool {
	return d.seen && !now.Before(d.lastAt.Add(d.lastHold))
}

// Reason is the cue that set the latest hold.
func (d *EndpointDetector) Reason() string { return d.lastCause }

func (d *EndpointDetector) Utterance() time.Duration {
	if !d.seen {
		return 0
	}
	return d.lastAt.Sub(d.firstAt)
}

func (d *EndpointDetector) Reset() {
	*d = EndpointDetector{silence: d.silence, adaptive: d.adaptive}
}

type endpointHint struct {
	Reason     string
	Confidence float64
	Hold       time.Duration
}

const (
	endpointHintNeutralHold = 210 * time.Millisecond
	endpointHintHoldMin     = 40 * time.Millisecond
	endpointHintHoldMax     = 900 * time.Millisecond
	endpointConfidenceUnset = 0.55
)

var (
	continuationTailRe   = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for|aur|ki|ke|se)\s*$`)
	continuationHeadRe   = regexp.MustCompile(`(?i)^(and|but|because|so|then)\b`)
	continuationPhraseRe = regexp.MustCompile(`(?i)\b(i mean|for example|how much|how many)\s*$`)
	terminalTailRe       = regexp.MustCompile(`(?i)([.!?।]["']?\s*$|\b(done|thanks|thank you|that's all|thats all|bas)\s*$)`)
	openTailRe           = regexp.MustCompile(`[,;:\-…]\s*$`)
)

func buildEndpointHint(partial string, confidence float64, utteranceAge time.Duration) (endpointHint, bool) {
	normalized := strings.TrimSpace(strings.ToLower(partial))
	if normalized == "" {
		return endpointHint{}, false
	}

	confidence = normalizeConfidence(confidence)
	hint := endpointHint{
		Reason:     "neutral",
		Confidence: max(0.58, confidence),
		Hold:       endpointHintNeutralHold,
	}

	continuation := hasContinuationCue(normalized)
	terminal := hasTerminalCue(normalized)
	if continuation {
		hint.Reason = "continuation"
		hint.Confidence = max(hint.Confidence, 0.86)
		hint.Hold = 520 * time.Millisecond
	}
	if terminal {
		hint.Reason = "terminal"
		hint.Confidence = max(hint.Confidence, 0.82)
		hint.Hold = 90 * time.Millisecond
	}

	if utteranceAge > 6*time.Second && !continuation {
		hint.Reason = "long_utterance"
		hint.Hold -= 70 * time.Millisecond
	}
	if utteranceAge > 0 && utteranceAge < 700*time.Millisecond {
		hint.Hold += 110 * time.Millisecond
		if hint.Reason == "neutral" {
			hint.Reason = "short_utterance"
		}
	}
	if confidence < 0.45 {
		hint.Hold += 140 * time.Millisecond
		hint.Confidence = min(hint.Confidence, 0.62)
		if hint.Reason == "neutral" || hint.Reason == "terminal" {
			hint.Reason = "low_confidence"
		}
	}

	hint.Hold = clampDuration(hint.Hold, endpointHintHoldMin, endpointHintHoldMax)
	hint.Confidence = min(max(hint.Confidence, 0.05), 0.99)
	return hint, true
}

// adaptHold scales base by the hint's deviation from a neutral hold, keeping the
// result within half and double the base.
func adaptHold(base time.Duration, hint endpointHint) time.Duration {
	scaled := base + (hint.Hold-endpointHintNeutralHold)*time.Duration(base.Milliseconds())/1000
	return clampDuration(scaled, base/2, base*2)
}

func hasContinuationCue(normalized string) bool {
	if normalized == "" {
		return false
	}
	return openTailRe.MatchString(normalized) ||
		continuationHeadRe.MatchString(normalized) ||
		continuationTailRe.MatchString(normalized) ||
		continuationPhraseRe.MatchString(normalized)
}

func hasTerminalCue(normalized string) bool {
	if normalized == "" || openTailRe.MatchString(normalized) {
		return false
	}
	return terminalTailRe.MatchString(normalized)
}

func normalizeConfidence(conf float64) float64 {
	if conf <= 0 || conf > 1 {
		return endpointConfidenceUnset
	}
	return conf
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
