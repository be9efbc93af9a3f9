package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kiranaai/voiceturn/internal/bridge"
	"github.com/kiranaai/voiceturn/internal/config"
	"github.com/kiranaai/voiceturn/internal/observability"
	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/session"
	"github.com/kiranaai/voiceturn/internal/voice"
)

var errOutboundFull = errors.New("outbound queue full")

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the shop UI's own origin may drive the microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/voice/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/start", s.handleControl(protocol.ActionStart))
			r.Post("/stop", s.handleControl(protocol.ActionStop))
			r.Post("/cancel", s.handleControl(protocol.ActionCancel))
			r.Post("/speak", s.handleControl(protocol.ActionSpeak))
			r.Get("/ws", s.handleSessionWS)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"active_sessions":    s.sessions.ActiveCount(),
		"cloud_tts_provider": s.cfg.CloudTTSProvider,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.VoiceLanguage
	}

	sess, err := s.sessions.Create(req.SurfaceID, req.Language)
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		SurfaceID:       sess.SurfaceID,
		Language:        sess.Language,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/v1/voice/sessions/" + sess.ID + "/ws",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, session.StatusResponse{Session: *sess, Voice: rt.Controller.Snapshot()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, rt, ok := s.lookup(w, r)
		if !ok {
			return
		}
		msg := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sess.ID, Action: action}
		if action == protocol.ActionSpeak {
			var req speakRequest
			if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
				respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
				return
			}
			msg.Text = req.Text
		}
		applyControl(rt.Controller, msg)
		_ = s.sessions.Touch(sess.ID)
		respondJSON(w, http.StatusAccepted, map[string]any{
			"session_id": sess.ID,
			"action":     action,
		})
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, *session.Runtime, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, nil, false
	}
	rt, err := s.sessions.Runtime(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, nil, false
	}
	return sess, rt, true
}

func applyControl(ctrl *voice.Controller, msg protocol.ClientControl) {
	switch msg.Action {
	case protocol.ActionStart:
		ctrl.StartListening()
	case protocol.ActionStop:
		ctrl.StopListening()
	case protocol.ActionCancel:
		ctrl.Cancel()
	case protocol.ActionSpeak:
		ctrl.Speak(msg.Text)
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, rt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rt.Bridge == nil {
		respondError(w, http.StatusConflict, "no_browser_bridge", "session is not driven by a browser")
		return
	}
	sessionID := sess.ID

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	detach := rt.Bridge.Attach(bridge.TransportFunc(func(msg any) error {
		select {
		case outbound <- msg:
			return nil
		default:
			// Keep websocket writes single-threaded; drop if outbound queue is saturated.
			return errOutboundFull
		}
	}))
	s.logger.Info("browser attached", "session_id", sessionID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveWSWriteError()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveOutboundMessage(string(t))
				}
			}
		}
	}()

	// The browser renders from the current state as soon as it connects.
	snap := rt.Controller.Snapshot()
	outbound <- protocol.State{
		Type:       protocol.TypeState,
		SessionID:  sessionID,
		State:      string(snap.State),
		Transcript: snap.Transcript,
		IsSpeaking: snap.IsSpeaking,
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queueError(outbound, sessionID, err)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveInboundMessage(string(t))
		}
		_ = s.sessions.Touch(sessionID)
		if ctl, ok := parsed.(protocol.ClientControl); ok {
			applyControl(rt.Controller, ctl)
			continue
		}
		if err := rt.Bridge.Handle(parsed); err != nil {
			s.queueError(outbound, sessionID, err)
		}
	}

	cancel()
	detach()
	<-writerDone
	s.logger.Info("browser detached", "session_id", sessionID)
}

func (s *Server) queueError(outbound chan<- any, sessionID string, err error) {
	errEvent := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "invalid_client_message",
		Source:    "gateway",
		Retryable: false,
		Detail:    err.Error(),
	}
	select {
	case outbound <- errEvent:
	default:
		s.logger.Debug("error event dropped, outbound queue full", "session_id", sessionID)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientPermission:
		return m.Type, true
	case protocol.ClientCaptureAck:
		return m.Type, true
	case protocol.ClientPartial:
		return m.Type, true
	case protocol.ClientCaptureError:
		return m.Type, true
	case protocol.ClientCaptureEnd:
		return m.Type, true
	case protocol.ClientPlaybackDone:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.PermissionRequest:
		return m.Type, true
	case protocol.CaptureStart:
		return m.Type, true
	case protocol.CaptureStop:
		return m.Type, true
	case protocol.Speak:
		return m.Type, true
	case protocol.SpeakCancel:
		return m.Type, true
	case protocol.PlayAudio:
		return m.Type, true
	case protocol.State:
		return m.Type, true
	case protocol.Turn:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
