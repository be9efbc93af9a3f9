package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/kiranaai/voiceturn/internal/audio"
)

const deepgramSampleRate = 24000

// speakSession is the part of the Deepgram websocket client the fetcher drives.
type speakSession interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

type deepgramDialer func(ctx context.Context, apiKey, model string, cb msginterfaces.SpeakMessageCallback) (speakSession, error)

// DeepgramFetcher synthesizes linear16 audio over Deepgram's speak websocket and wraps it
// as WAV. Aura voices are English only.
type DeepgramFetcher struct {
	apiKey string
	model  string
	dial   deepgramDialer
}

func NewDeepgramFetcher(apiKey, model string) *DeepgramFetcher {
	if model == "" {
		model = "aura-asteria-en"
	}
	return &DeepgramFetcher{apiKey: apiKey, model: model, dial: dialDeepgram}
}

func dialDeepgram(ctx context.Context, apiKey, model string, cb msginterfaces.SpeakMessageCallback) (speakSession, error) {
	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: deepgramSampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, err
	}
	return dg, nil
}

func (d *DeepgramFetcher) SupportsLanguage(_ context.Context, language string) bool {
	return BaseLanguage(language) == "en"
}

func (d *DeepgramFetcher) Fetch(ctx context.Context, text, _ string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, errors.New("deepgram: API key missing")
	}
	cb := newSpeakCollector()
	dg, err := d.dial(ctx, d.apiKey, d.model, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()
	if ok := dg.Connect(); !ok {
		return nil, errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cb.done:
	}
	pcm, err := cb.result()
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio.EncodeWAV(pcm, deepgramSampleRate)
}

// speakCollector buffers binary frames until Deepgram acknowledges the flush.
type speakCollector struct {
	mu   sync.Mutex
	pcm  []byte
	err  error
	done chan struct{}
	once sync.Once
}

func newSpeakCollector() *speakCollector {
	return &speakCollector{done: make(chan struct{})}
}

func (s *speakCollector) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *speakCollector) result() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcm, s.err
}

func (s *speakCollector) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCollector) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCollector) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCollector) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCollector) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCollector) Flush(*msginterfaces.FlushedResponse) error {
	s.finish(nil)
	return nil
}

func (s *speakCollector) Close(*msginterfaces.CloseResponse) error {
	s.finish(errors.New("deepgram: connection closed before flush"))
	return nil
}

func (s *speakCollector) Error(e *msginterfaces.ErrorResponse) error {
	s.finish(fmt.Errorf("deepgram: %+v", e))
	return nil
}

func (s *speakCollector) Binary(b []byte) error {
	s.mu.Lock()
	s.pcm = append(s.pcm, b...)
	s.mu.Unlock()
	return nil
}
