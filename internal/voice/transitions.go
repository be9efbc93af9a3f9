package voice

type eventKind string

const (
	evStartListening    eventKind = "start_listening"
	evStopListening     eventKind = "stop_listening"
	evCancel            eventKind = "cancel"
	evSpeak             eventKind = "speak"
	evPermission        eventKind = "permission"
	evCaptureStarted    eventKind = "capture_started"
	evPartial           eventKind = "partial"
	evCaptureEnded      eventKind = "capture_ended"
	evEndpoint          eventKind = "endpoint"
	evSilenceTimeout    eventKind = "silence_timeout"
	evCaptureRetry      eventKind = "capture_retry"
	evReply             eventKind = "reply"
	evProcessingTimeout eventKind = "processing_timeout"
	evSynthesisDone     eventKind = "synthesis_done"
	evSynthesisTimeout  eventKind = "synthesis_timeout"
	evSettled           eventKind = "settled"
)

var allEventKinds = []eventKind{
	evStartListening, evStopListening, evCancel, evSpeak,
	evPermission, evCaptureStarted, evPartial, evCaptureEnded,
	evEndpoint, evSilenceTimeout, evCaptureRetry,
	evReply, evProcessingTimeout,
	evSynthesisDone, evSynthesisTimeout, evSettled,
}

type action string

const (
	actIgnore           action = "ignore"
	actRequestStart     action = "request_start"
	actPermission       action = "permission"
	actStop             action = "stop"
	actSpeak            action = "speak"
	actResetTranscript  action = "reset_transcript"
	actCaptureStarted   action = "capture_started"
	actPartial          action = "partial"
	actCaptureEnded     action = "capture_ended"
	actEndpoint         action = "endpoint"
	actNoSpeech         action = "no_speech"
	actRestartCapture   action = "restart_capture"
	actAbandonReply     action = "abandon_reply"
	actReply            action = "reply"
	actReplyTimeout     action = "reply_timeout"
	actBargeIn          action = "barge_in"
	actBargeInPartial   action = "barge_in_partial"
	actDropCapture      action = "drop_capture"
	actInterrupt        action = "interrupt"
	actSynthesisDone    action = "synthesis_done"
	actSynthesisTimeout action = "synthesis_timeout"
	actSettled          action = "settled"
)

// transitions is the complete (state, event) table. Every pair is listed; actIgnore
// marks a deliberate no-op.
var transitions = map[State]map[eventKind]action{
	StateIdle: {
		evStartListening:    actRequestStart,
		evStopListening:     actStop,
		evCancel:            actIgnore,
		evSpeak:             actSpeak,
		evPermission:        actPermission,
		evCaptureStarted:    actIgnore,
		evPartial:           actIgnore,
		evCaptureEnded:      actIgnore,
		evEndpoint:          actIgnore,
		evSilenceTimeout:    actIgnore,
		evCaptureRetry:      actIgnore,
		evReply:             actIgnore,
		evProcessingTimeout: actIgnore,
		evSynthesisDone:     actIgnore,
		evSynthesisTimeout:  actIgnore,
		evSettled:           actIgnore,
	},
	StateListening: {
		evStartListening:    actIgnore,
		evStopListening:     actStop,
		evCancel:            actResetTranscript,
		evSpeak:             actSpeak,
		evPermission:        actIgnore,
		evCaptureStarted:    actCaptureStarted,
		evPartial:           actPartial,
		evCaptureEnded:      actCaptureEnded,
		evEndpoint:          actEndpoint,
		evSilenceTimeout:    actNoSpeech,
		evCaptureRetry:      actRestartCapture,
		evReply:             actIgnore,
		evProcessingTimeout: actIgnore,
		evSynthesisDone:     actIgnore,
		evSynthesisTimeout:  actIgnore,
		evSettled:           actIgnore,
	},
	StateProcessing: {
		evStartListening:    actAbandonReply,
		evStopListening:     actStop,
		evCancel:            actAbandonReply,
		evSpeak:             actSpeak,
		evPermission:        actIgnore,
		evCaptureStarted:    actIgnore,
		evPartial:           actIgnore,
		evCaptureEnded:      actIgnore,
		evEndpoint:          actIgnore,
		evSilenceTimeout:    actIgnore,
		evCaptureRetry:      actIgnore,
		evReply:             actReply,
		evProcessingTimeout: actReplyTimeout,
		evSynthesisDone:     actIgnore,
		evSynthesisTimeout:  actIgnore,
		evSettled:           actIgnore,
	},
	StateSpeaking: {
		evStartListening:    actBargeIn,
		evStopListening:     actStop,
		evCancel:            actInterrupt,
		evSpeak:             actSpeak,
		evPermission:        actIgnore,
		evCaptureStarted:    actCaptureStarted,
		evPartial:           actBargeInPartial,
		evCaptureEnded:      actDropCapture,
		evEndpoint:          actIgnore,
		evSilenceTimeout:    actIgnore,
		evCaptureRetry:      actIgnore,
		evReply:             actIgnore,
		evProcessingTimeout: actIgnore,
		evSynthesisDone:     actSynthesisDone,
		evSynthesisTimeout:  actSynthesisTimeout,
		evSettled:           actSettled,
	},
}

func lookupAction(s State, k eventKind) action {
	if row, ok := transitions[s]; ok {
		if a, ok := row[k]; ok {
			return a
		}
	}
	return actIgnore
}
