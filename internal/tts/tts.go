// Package tts holds the speech synthesis backends the voice cascade falls through: an
// on-device engine and a cloud synthesizer whose audio is played locally.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kiranaai/voiceturn/internal/audio"
	"github.com/kiranaai/voiceturn/internal/voice"
)

var ErrEmptyAudio = errors.New("tts: synthesizer returned no audio")

// Fetcher turns text into encoded audio (mp3 or wav).
type Fetcher interface {
	Fetch(ctx context.Context, text, language string) ([]byte, error)
}

// Player plays encoded audio and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, audio []byte) error

func (f PlayerFunc) Play(ctx context.Context, audio []byte) error { return f(ctx, audio) }

// Cloud speaks by fetching audio from a network synthesizer and playing it.
type Cloud struct {
	name    string
	fetcher Fetcher
	player  Player
	logger  *slog.Logger
}

var (
	_ voice.Backend           = (*Cloud)(nil)
	_ voice.LanguageSupporter = (*Cloud)(nil)
)

func NewCloud(fetcher Fetcher, player Player, logger *slog.Logger) *Cloud {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloud{name: "cloud", fetcher: fetcher, player: player, logger: logger}
}

func (c *Cloud) Name() string { return c.name }

// SupportsLanguage defers to the fetcher when it knows its voices.
func (c *Cloud) SupportsLanguage(ctx context.Context, language string) bool {
	if ls, ok := c.fetcher.(voice.LanguageSupporter); ok {
		return ls.SupportsLanguage(ctx, language)
	}
	return true
}

func (c *Cloud) Speak(ctx context.Context, text, language string) error {
	ctx, span := tracer.Start(ctx, "cloud speak")
	defer span.End()
	span.SetAttributes(attribute.String("tts.language", language), attribute.Int("tts.chars", len(text)))

	data, err := c.fetcher.Fetch(ctx, text, language)
	if err == nil && len(data) == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cloud fetch: %w", err)
	}
	span.SetAttributes(attribute.String("tts.mime", audio.DetectMIME(data)), attribute.Int("tts.bytes", len(data)))
	c.logger.Debug("cloud audio fetched", "bytes", len(data), "language", language)

	if err := c.player.Play(ctx, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cloud playback: %w", err)
	}
	return nil
}

// BaseLanguage reduces a BCP-47 tag such as "hi-IN" to "hi".
func BaseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
