package session

import (
	"time"

	"github.com/kiranaai/voiceturn/internal/voice"
)

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	SurfaceID string `json:"surface_id"`
	Language  string `json:"language"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	SurfaceID       string    `json:"surface_id"`
	Language        string    `json:"language"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}

// StatusResponse is a session together with its controller snapshot.
type StatusResponse struct {
	Session
	Voice voice.Snapshot `json:"voice"`
}
