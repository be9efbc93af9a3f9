package tts

import (
	"context"
	"errors"
	"testing"
)

type fakeFetcher struct {
	audio     []byte
	err       error
	languages map[string]bool
	texts     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, text, _ string) ([]byte, error) {
	f.texts = append(f.texts, text)
	return f.audio, f.err
}

func (f *fakeFetcher) SupportsLanguage(_ context.Context, language string) bool {
	return f.languages[BaseLanguage(language)]
}

func TestCloudFetchesThenPlays(t *testing.T) {
	fetcher := &fakeFetcher{audio: []byte("ID3mp3"), languages: map[string]bool{"hi": true}}
	var played []byte
	c := NewCloud(fetcher, PlayerFunc(func(_ context.Context, b []byte) error {
		played = b
		return nil
	}), nil)

	if err := c.Speak(context.Background(), "You have 12kg of rice", "hi-IN"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if string(played) != "ID3mp3" {
		t.Fatalf("played = %q, want fetched audio", played)
	}
	if !c.SupportsLanguage(context.Background(), "hi-IN") || c.SupportsLanguage(context.Background(), "fr-FR") {
		t.Fatalf("SupportsLanguage() does not follow the fetcher")
	}
}

func TestCloudEmptyAudioIsAnError(t *testing.T) {
	played := false
	c := NewCloud(&fakeFetcher{}, PlayerFunc(func(context.Context, []byte) error {
		played = true
		return nil
	}), nil)
	err := c.Speak(context.Background(), "hello", "en-IN")
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("Speak() error = %v, want ErrEmptyAudio", err)
	}
	if played {
		t.Fatalf("player called for empty audio")
	}
}

func TestCloudPlaybackError(t *testing.T) {
	boom := errors.New("device busy")
	c := NewCloud(&fakeFetcher{audio: []byte("x")}, PlayerFunc(func(context.Context, []byte) error { return boom }), nil)
	if err := c.Speak(context.Background(), "hello", "en"); !errors.Is(err, boom) {
		t.Fatalf("Speak() error = %v, want %v", err, boom)
	}
}

func TestBaseLanguage(t *testing.T) {
	cases := map[string]string{"hi-IN": "hi", "en_US": "en", " TA ": "ta", "": ""}
	for in, want := range cases {
		if got := BaseLanguage(in); got != want {
			t.Fatalf("BaseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
