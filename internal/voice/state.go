package voice

import "time"

type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

var allStates = []State{StateIdle, StateListening, StateProcessing, StateSpeaking}

// Snapshot is the observable state of a controller.
type Snapshot struct {
	State      State     `json:"state"`
	Transcript string    `json:"transcript"`
	IsSpeaking bool      `json:"is_speaking"`
	Language   string    `json:"language"`
	Generation uint64    `json:"generation"`
	Turn       *Turn     `json:"turn,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type NotificationKind string

const (
	NotifyState            NotificationKind = "state"
	NotifyTranscript       NotificationKind = "transcript"
	NotifyPermissionDenied NotificationKind = "permission_denied"
	NotifyNoSpeech         NotificationKind = "no_speech"
	NotifyError            NotificationKind = "error"
	NotifyTurn             NotificationKind = "turn"
	NotifyBargeIn          NotificationKind = "barge_in"
)

// Notification is delivered to observers from the controller goroutine.
// Observers must return quickly and must not call back into the controller synchronously.
type Notification struct {
	Kind       NotificationKind
	State      State
	Previous   State
	Transcript string
	Turn       *Turn
	Err        *SessionError
	At         time.Time
}

type Observer func(Notification)
