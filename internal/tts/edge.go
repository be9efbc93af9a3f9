package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kiranaai/voiceturn/internal/reliability"
)

const maxAudioBytes = 8 << 20

// EdgeVoices maps base languages to the neural voices the shop backend's /tts route uses.
var EdgeVoices = map[string]string{
	"hi": "hi-IN-SwaraNeural",
	"te": "te-IN-ShrutiNeural",
	"ta": "ta-IN-PallaviNeural",
	"kn": "kn-IN-GaganNeural",
	"ml": "ml-IN-SobhanaNeural",
	"mr": "mr-IN-AarohiNeural",
	"gu": "gu-IN-DhwaniNeural",
	"bn": "bn-IN-TanishaaNeural",
	"pa": "pa-IN-OjasNeural",
	"en": "en-IN-NeerjaNeural",
}

// EdgeFetcher downloads mp3 audio from the shop backend: GET /tts/?text=&language=.
type EdgeFetcher struct {
	baseURL  string
	client   *http.Client
	attempts int
}

type EdgeOption func(*EdgeFetcher)

func WithEdgeHTTPClient(c *http.Client) EdgeOption {
	return func(f *EdgeFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithEdgeAttempts(n int) EdgeOption {
	return func(f *EdgeFetcher) { f.attempts = n }
}

func NewEdgeFetcher(baseURL string, opts ...EdgeOption) *EdgeFetcher {
	f := &EdgeFetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		attempts: 2,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *EdgeFetcher) SupportsLanguage(_ context.Context, language string) bool {
	_, ok := EdgeVoices[BaseLanguage(language)]
	return ok
}

// VoiceFor returns the voice the backend will pick for language.
func VoiceFor(language string) string {
	if v, ok := EdgeVoices[BaseLanguage(language)]; ok {
		return v
	}
	return EdgeVoices["en"]
}

func (f *EdgeFetcher) Fetch(ctx context.Context, text, language string) ([]byte, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("language", BaseLanguage(language))
	endpoint := f.baseURL + "/tts/?" + q.Encode()

	var body []byte
	err := reliability.Retry(ctx, f.attempts, 150*time.Millisecond, time.Second, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "audio/mpeg")
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &reliability.StatusError{Service: "edge-tts", Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("edge tts (%s): %w", VoiceFor(language), err)
	}
	return body, nil
}
