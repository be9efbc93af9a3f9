package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyVoices maps language tags to Polly voices. Kajal is bilingual hi-IN/en-IN.
var PollyVoices = map[string]pollytypes.VoiceId{
	"hi-in": pollytypes.VoiceIdKajal,
	"en-in": pollytypes.VoiceIdKajal,
	"en-us": pollytypes.VoiceIdJoanna,
	"hi":    pollytypes.VoiceIdKajal,
	"en":    pollytypes.VoiceIdKajal,
}

// ProviderError is a synthesizer failure normalized to a class the caller can act on.
type ProviderError struct {
	Provider  string
	Class     string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PollyFetcher synthesizes mp3 with Amazon Polly. AWS credentials come from the default chain.
type PollyFetcher struct {
	region string
	engine string

	mu     sync.Mutex
	client synthClient
}

func NewPollyFetcher(region, engine string) *PollyFetcher {
	return newPollyFetcherWithClient(region, engine, nil)
}

func newPollyFetcherWithClient(region, engine string, client synthClient) *PollyFetcher {
	if strings.TrimSpace(region) == "" {
		region = "ap-south-1"
	}
	if strings.TrimSpace(engine) == "" {
		engine = "neural"
	}
	return &PollyFetcher{region: region, engine: engine, client: client}
}

func (p *PollyFetcher) SupportsLanguage(_ context.Context, language string) bool {
	_, ok := pollyVoice(language)
	return ok
}

func pollyVoice(language string) (pollytypes.VoiceId, bool) {
	tag := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(language), "_", "-"))
	if v, ok := PollyVoices[tag]; ok {
		return v, true
	}
	v, ok := PollyVoices[BaseLanguage(tag)]
	return v, ok
}

func (p *PollyFetcher) Fetch(ctx context.Context, text, language string) ([]byte, error) {
	voiceID, ok := pollyVoice(language)
	if !ok {
		return nil, &ProviderError{Provider: "polly", Class: "unsupported_language", Err: errors.New(language)}
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	in := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      voiceID,
	}
	if strings.Contains(language, "-") {
		in.LanguageCode = pollytypes.LanguageCode(language)
	}
	out, err := client.SynthesizeSpeech(ctx, in)
	if err != nil {
		return nil, normalizePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, ErrEmptyAudio
	}
	defer out.AudioStream.Close()
	return io.ReadAll(io.LimitReader(out.AudioStream, maxAudioBytes))
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return &ProviderError{Provider: "polly", Class: "overload", Retryable: true, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException":
			return &ProviderError{Provider: "polly", Class: "rejected", Err: err}
		default:
			return &ProviderError{Provider: "polly", Class: "server_error", Retryable: true, Err: err}
		}
	}
	return &ProviderError{Provider: "polly", Class: "transport_error", Retryable: true, Err: err}
}

func (p *PollyFetcher) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
