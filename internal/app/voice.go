package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranaai/voiceturn/internal/config"
	"github.com/kiranaai/voiceturn/internal/tts"
	"github.com/kiranaai/voiceturn/internal/voice"
)

// synthesisSetup holds the process-wide synthesizers. Players and the platform fallback
// are per surface, so strategies are assembled per session.
type synthesisSetup struct {
	ondevice *tts.OnDevice
	fetcher  tts.Fetcher
	detail   string
}

func resolveSynthesis(cfg config.Config, logger *slog.Logger) (synthesisSetup, error) {
	var setup synthesisSetup
	var parts []string

	if cmd := strings.TrimSpace(cfg.OnDeviceTTSCommand); cmd != "" {
		od, err := tts.NewOnDevice(cmd, tts.WithOnDeviceLogger(logger))
		if err != nil {
			return synthesisSetup{}, fmt.Errorf("on-device tts init failed: %w", err)
		}
		setup.ondevice = od
		parts = append(parts, "ondevice("+strings.Fields(cmd)[0]+")")
	}

	switch cfg.CloudTTSProvider {
	case "edge":
		setup.fetcher = tts.NewEdgeFetcher(cfg.EdgeTTSURL)
		parts = append(parts, "cloud(edge "+cfg.EdgeTTSURL+")")
	case "polly":
		setup.fetcher = tts.NewPollyFetcher(cfg.PollyRegion, cfg.PollyEngine)
		parts = append(parts, "cloud(polly)")
	case "deepgram":
		setup.fetcher = tts.NewDeepgramFetcher(cfg.DeepgramAPIKey, cfg.DeepgramModel)
		parts = append(parts, "cloud(deepgram "+cfg.DeepgramModel+")")
	case "none", "":
	default:
		return synthesisSetup{}, fmt.Errorf("invalid TTS_CLOUD_PROVIDER: %q (expected edge|polly|deepgram|none)", cfg.CloudTTSProvider)
	}
	setup.detail = strings.Join(parts, " -> ")
	return setup, nil
}

// strategies orders the cascade: on-device first, then cloud audio through player, then
// the surface's own fallback.
func (s synthesisSetup) strategies(cfg config.Config, player tts.Player, platform voice.Backend, logger *slog.Logger) []voice.Strategy {
	var out []voice.Strategy
	if s.ondevice != nil {
		out = append(out, voice.Strategy{Backend: s.ondevice, Timeout: voice.FixedTimeout(cfg.OnDeviceTimeout)})
	}
	if s.fetcher != nil && player != nil {
		out = append(out, voice.Strategy{Backend: tts.NewCloud(s.fetcher, player, logger), Timeout: voice.DefaultEstimatedTimeout})
	}
	if platform != nil {
		out = append(out, voice.Strategy{Backend: platform, Timeout: voice.DefaultEstimatedTimeout})
	}
	return out
}

func controllerOptions(cfg config.Config, sessionID, language string, logger *slog.Logger) []voice.Option {
	return []voice.Option{
		voice.WithSessionID(sessionID),
		voice.WithLanguage(language),
		voice.WithTiming(voice.Timing{
			EndpointSilence:   cfg.EndpointSilence,
			NoSpeechTimeout:   cfg.NoSpeechTimeout,
			ProcessingTimeout: cfg.ProcessingTimeout,
			SettleDelay:       cfg.SettleDelay,
			CaptureRetryDelay: cfg.CaptureRetryDelay,
			CaptureRetryMax:   cfg.CaptureRetryMax,
		}),
		voice.WithAdaptiveEndpoint(cfg.VoiceAdaptiveEndpoint),
		voice.WithBargeIn(cfg.VoiceBargeIn),
		voice.WithWakeWord(cfg.VoiceWakeWord),
		voice.WithLogger(logger),
	}
}
