package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice turn service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string
	OTelLogs  bool

	VoiceLanguage         string
	VoiceWakeWord         string
	VoiceBargeIn          bool
	VoiceAdaptiveEndpoint bool

	EndpointSilence   time.Duration
	NoSpeechTimeout   time.Duration
	ProcessingTimeout time.Duration
	OnDeviceTimeout   time.Duration
	SettleDelay       time.Duration
	CaptureRetryDelay time.Duration
	CaptureRetryMax   int

	AssistantURL      string
	AssistantTimeout  time.Duration
	AssistantFallback string

	OnDeviceTTSCommand string
	PlayerCommand      string

	CloudTTSProvider string
	EdgeTTSURL       string
	PollyRegion      string
	PollyEngine      string
	DeepgramAPIKey   string
	DeepgramModel    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiceturn"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		VoiceLanguage:    envOrDefault("VOICE_LANGUAGE", "en-IN"),
		VoiceWakeWord:    stringsTrimSpace("VOICE_WAKE_WORD"),
		AssistantURL:     strings.TrimRight(envOrDefault("ASSISTANT_URL", "http://localhost:8000"), "/"),
		// Spoken when the shop backend cannot be reached.
		AssistantFallback:  envOrDefault("ASSISTANT_FALLBACK_REPLY", "Sorry, I couldn't understand that."),
		OnDeviceTTSCommand: envOrDefault("TTS_ONDEVICE_COMMAND", "espeak-ng"),
		PlayerCommand:      envOrDefault("TTS_PLAYER_COMMAND", "ffplay -nodisp -autoexit -loglevel quiet -"),
		CloudTTSProvider:   strings.ToLower(envOrDefault("TTS_CLOUD_PROVIDER", "edge")),
		EdgeTTSURL:         strings.TrimRight(envOrDefault("TTS_EDGE_URL", "http://localhost:8000"), "/"),
		PollyRegion:        stringsTrimSpace("AWS_REGION"),
		PollyEngine:        envOrDefault("TTS_POLLY_ENGINE", "neural"),
		DeepgramAPIKey:     stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramModel:      envOrDefault("TTS_DEEPGRAM_MODEL", "aura-asteria-en"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		AssistantTimeout:         15 * time.Second,
		EndpointSilence:          1500 * time.Millisecond,
		NoSpeechTimeout:          8 * time.Second,
		ProcessingTimeout:        20 * time.Second,
		OnDeviceTimeout:          3500 * time.Millisecond,
		SettleDelay:              500 * time.Millisecond,
		CaptureRetryDelay:        400 * time.Millisecond,
		CaptureRetryMax:          3,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"ASSISTANT_TIMEOUT", &cfg.AssistantTimeout},
		{"VOICE_ENDPOINT_SILENCE", &cfg.EndpointSilence},
		{"VOICE_NO_SPEECH_TIMEOUT", &cfg.NoSpeechTimeout},
		{"VOICE_PROCESSING_TIMEOUT", &cfg.ProcessingTimeout},
		{"TTS_ONDEVICE_TIMEOUT", &cfg.OnDeviceTimeout},
		{"VOICE_SETTLE_DELAY", &cfg.SettleDelay},
		{"VOICE_CAPTURE_RETRY_DELAY", &cfg.CaptureRetryDelay},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.CaptureRetryMax, err = intFromEnv("VOICE_CAPTURE_RETRY_MAX", cfg.CaptureRetryMax)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OTelLogs, err = boolFromEnv("OTEL_LOGS", cfg.OTelLogs)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceBargeIn, err = boolFromEnv("VOICE_BARGE_IN", cfg.VoiceBargeIn)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceAdaptiveEndpoint, err = boolFromEnv("VOICE_ADAPTIVE_ENDPOINT", cfg.VoiceAdaptiveEndpoint)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.EndpointSilence < 100*time.Millisecond {
		return fmt.Errorf("VOICE_ENDPOINT_SILENCE must be at least 100ms")
	}
	if c.NoSpeechTimeout <= c.EndpointSilence {
		return fmt.Errorf("VOICE_NO_SPEECH_TIMEOUT must be longer than VOICE_ENDPOINT_SILENCE")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("VOICE_PROCESSING_TIMEOUT must be positive")
	}
	if c.OnDeviceTimeout <= 0 {
		return fmt.Errorf("TTS_ONDEVICE_TIMEOUT must be positive")
	}
	if c.SettleDelay < 0 || c.CaptureRetryDelay < 0 {
		return fmt.Errorf("VOICE_SETTLE_DELAY and VOICE_CAPTURE_RETRY_DELAY must be >= 0")
	}
	if c.CaptureRetryMax < 0 {
		return fmt.Errorf("VOICE_CAPTURE_RETRY_MAX must be >= 0")
	}
	switch c.CloudTTSProvider {
	case "edge", "polly", "deepgram", "none":
	default:
		return fmt.Errorf("TTS_CLOUD_PROVIDER must be one of edge, polly, deepgram, none")
	}
	if c.CloudTTSProvider == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when TTS_CLOUD_PROVIDER=deepgram")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
