package app

import (
	"log/slog"
	"time"

	"github.com/kiranaai/voiceturn/internal/assistant"
	"github.com/kiranaai/voiceturn/internal/bridge"
	"github.com/kiranaai/voiceturn/internal/config"
	"github.com/kiranaai/voiceturn/internal/console"
	"github.com/kiranaai/voiceturn/internal/httpapi"
	"github.com/kiranaai/voiceturn/internal/observability"
	"github.com/kiranaai/voiceturn/internal/session"
	"github.com/kiranaai/voiceturn/internal/tts"
	"github.com/kiranaai/voiceturn/internal/voice"
)

// consoleWordDelay paces the printed fallback roughly like speech.
const consoleWordDelay = 250 * time.Millisecond

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Metrics   *observability.Metrics
	Synthesis string

	// Cleanup should be called on shutdown to stop every running session.
	Cleanup func() error
}

// Build wires the HTTP service. Every session it creates is a browser surface: the
// browser's recognizer is the capture and the browser is the speaker of last resort.
func Build(cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	synth, err := resolveSynthesis(cfg, logger)
	if err != nil {
		return nil, err
	}

	factory := func(s session.Session) (*session.Runtime, error) {
		l := logger.With("session_id", s.ID, "surface_id", s.SurfaceID)
		b := bridge.New(s.ID, bridge.WithLogger(l))
		cascade := voice.NewCascade(
			synth.strategies(cfg, b.Player(), b.Synth(), l),
			voice.WithCascadeLogger(l),
			voice.WithCascadeMetrics(metrics),
		)
		opts := append(controllerOptions(cfg, s.ID, s.Language, l),
			voice.WithMetrics(metrics),
			voice.WithObserver(b.Notify),
		)
		ctrl := voice.NewController(b.Capture(), cascade, newHost(cfg, l), opts...)
		return &session.Runtime{Controller: ctrl, Bridge: b}, nil
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired", "session_id", s.ID, "turns", s.TurnCount)
	})

	api := httpapi.New(cfg, sessions, metrics, logger)

	cleanup := func() error {
		sessions.Close()
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Metrics:   metrics,
		Synthesis: synth.detail,
		Cleanup:   cleanup,
	}, nil
}

// ConsoleResult is a single terminal surface.
type ConsoleResult struct {
	Controller *voice.Controller
	Capture    *console.Capture
	Speaker    *console.PrintBackend
	Synthesis  string
}

// BuildConsole wires one controller driven from the terminal. Cloud audio plays through
// the configured player command and the printed text is the last fallback.
func BuildConsole(cfg config.Config, logger *slog.Logger) (*ConsoleResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	synth, err := resolveSynthesis(cfg, logger)
	if err != nil {
		return nil, err
	}
	var player tts.Player
	if cfg.PlayerCommand != "" {
		p, err := tts.NewCommandPlayer(cfg.PlayerCommand)
		if err != nil {
			return nil, err
		}
		player = p
	}

	capture := console.NewCapture()
	speaker := console.NewPrintBackend(consoleWordDelay)
	cascade := voice.NewCascade(synth.strategies(cfg, player, speaker, logger), voice.WithCascadeLogger(logger))
	ctrl := voice.NewController(capture, cascade, newHost(cfg, logger), controllerOptions(cfg, "console", cfg.VoiceLanguage, logger)...)
	return &ConsoleResult{Controller: ctrl, Capture: capture, Speaker: speaker, Synthesis: synth.detail}, nil
}

// newHost returns the per-conversation assistant client; history is not shared between
// surfaces.
func newHost(cfg config.Config, logger *slog.Logger) *assistant.Client {
	return assistant.New(cfg.AssistantURL, cfg.AssistantTimeout,
		assistant.WithFallback(cfg.AssistantFallback),
		assistant.WithLogger(logger),
	)
}
