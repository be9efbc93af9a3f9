package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/kiranaai/voiceturn/internal/audio"
	"github.com/kiranaai/voiceturn/internal/protocol"
	"github.com/kiranaai/voiceturn/internal/voice"
)

// ErrPlaybackFailed is returned when the browser reports it could not say or play
// something.
var ErrPlaybackFailed = errors.New("bridge: browser playback failed")

// Synth speaks through the browser's own speech synthesizer. It is the platform
// fallback of the cascade.
type Synth struct {
	b *Bridge
}

var (
	_ voice.Backend           = (*Synth)(nil)
	_ voice.LanguageSupporter = (*Synth)(nil)
)

func (b *Bridge) Synth() *Synth { return &Synth{b: b} }

func (s *Synth) Name() string { return "browser" }

func (s *Synth) SupportsLanguage(_ context.Context, _ string) bool {
	return s.b.Attached()
}

func (s *Synth) Speak(ctx context.Context, text, language string) error {
	b := s.b
	id := b.nextRequestID()
	return b.play(ctx, id, protocol.Speak{
		Type:      protocol.TypeSpeak,
		SessionID: b.sessionID,
		RequestID: id,
		Text:      text,
		Language:  language,
	})
}

// Player plays server-synthesized audio in the browser. It satisfies tts.Player.
type Player struct {
	b *Bridge
}

func (b *Bridge) Player() *Player { return &Player{b: b} }

func (p *Player) Play(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return errors.New("bridge: empty audio")
	}
	b := p.b
	id := b.nextRequestID()
	return b.play(ctx, id, protocol.PlayAudio{
		Type:        protocol.TypePlayAudio,
		SessionID:   b.sessionID,
		RequestID:   id,
		Format:      audio.DetectMIME(data),
		AudioBase64: base64.StdEncoding.EncodeToString(data),
	})
}

// play waits for the browser to finish and withdraws the request if ctx ends first.
func (b *Bridge) play(ctx context.Context, id string, msg any) error {
	r, err := b.request(ctx, id, msg)
	if err != nil {
		if ctx.Err() != nil {
			b.send(protocol.SpeakCancel{Type: protocol.TypeSpeakCancel, SessionID: b.sessionID, RequestID: id})
		}
		return err
	}
	if !r.ok {
		return fmt.Errorf("%w (%s)", ErrPlaybackFailed, r.code)
	}
	return nil
}
