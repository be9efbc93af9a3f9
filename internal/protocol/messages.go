package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientPermission   MessageType = "client_permission"
	TypeClientCaptureAck   MessageType = "client_capture_ack"
	TypeClientPartial      MessageType = "client_partial"
	TypeClientCaptureError MessageType = "client_capture_error"
	TypeClientCaptureEnd   MessageType = "client_capture_end"
	TypeClientPlaybackDone MessageType = "client_playback_done"
	TypeClientControl      MessageType = "client_control"

	TypePermissionRequest MessageType = "permission_request"
	TypeCaptureStart      MessageType = "capture_start"
	TypeCaptureStop       MessageType = "capture_stop"
	TypeSpeak             MessageType = "speak"
	TypeSpeakCancel       MessageType = "speak_cancel"
	TypePlayAudio         MessageType = "play_audio"
	TypeState             MessageType = "state"
	TypeTurn              MessageType = "turn"
	TypeErrorEvent        MessageType = "error_event"
)

// Capture failure codes reported by the browser recognizer.
const (
	CodeNotAllowed    = "not_allowed"
	CodeAlreadyActive = "already_active"
	CodeNoSpeech      = "no_speech"
	CodeNetwork       = "network"
	CodeAborted       = "aborted"
	CodeUnavailable   = "unavailable"
)

// Control actions accepted from the client.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionCancel = "cancel"
	ActionSpeak  = "speak"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientPermission struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Granted   bool        `json:"granted"`
	Detail    string      `json:"detail,omitempty"`
}

type ClientCaptureAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	OK        bool        `json:"ok"`
	Code      string      `json:"code,omitempty"`
}

type ClientPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type ClientCaptureError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ClientCaptureEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ClientPlaybackDone struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	OK        bool        `json:"ok"`
	Code      string      `json:"code,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type PermissionRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
}

type CaptureStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Language  string      `json:"language"`
}

type CaptureStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Speak asks the browser to say text with its own synthesizer.
type Speak struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Language  string      `json:"language"`
}

type SpeakCancel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
}

// PlayAudio carries server-synthesized audio for the browser to play.
type PlayAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RequestID   string      `json:"request_id"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type State struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	State      string      `json:"state"`
	Previous   string      `json:"previous,omitempty"`
	Transcript string      `json:"transcript"`
	IsSpeaking bool        `json:"is_speaking"`
	TurnID     string      `json:"turn_id,omitempty"`
}

type Turn struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	InputText  string      `json:"input_text"`
	OutputText string      `json:"output_text,omitempty"`
	Outcome    string      `json:"outcome,omitempty"`
	Backend    string      `json:"backend,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPermission:
		var msg ClientPermission
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid client_permission")
		}
		return msg, nil
	case TypeClientCaptureAck:
		var msg ClientCaptureAck
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid client_capture_ack")
		}
		return msg, nil
	case TypeClientPartial:
		var msg ClientPartial
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientCaptureError:
		var msg ClientCaptureError
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Code == "" {
			return nil, errors.New("invalid client_capture_error")
		}
		return msg, nil
	case TypeClientCaptureEnd:
		var msg ClientCaptureEnd
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientPlaybackDone:
		var msg ClientPlaybackDone
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid client_playback_done")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionStop, ActionCancel:
		case ActionSpeak:
			if strings.TrimSpace(msg.Text) == "" {
				return nil, errors.New("invalid client_control: speak needs text")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
