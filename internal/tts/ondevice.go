package tts

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/kiranaai/voiceturn/internal/voice"
)

// Runner executes an engine command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// OnDevice speaks through a local espeak-ng compatible engine. The engine plays the
// audio itself, so Speak returns when the utterance has been said.
type OnDevice struct {
	name   string
	args   []string
	run    Runner
	logger *slog.Logger

	mu     sync.Mutex
	voices map[string]bool
}

var (
	_ voice.Backend           = (*OnDevice)(nil)
	_ voice.LanguageSupporter = (*OnDevice)(nil)
)

type OnDeviceOption func(*OnDevice)

// WithRunner replaces process execution, mainly for tests.
func WithRunner(r Runner) OnDeviceOption {
	return func(o *OnDevice) { o.run = r }
}

func WithOnDeviceLogger(l *slog.Logger) OnDeviceOption {
	return func(o *OnDevice) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOnDevice(commandLine string, opts ...OnDeviceOption) (*OnDevice, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("tts: empty on-device command")
	}
	o := &OnDevice{
		name:   fields[0],
		args:   fields[1:],
		run:    runCommand,
		logger: slog.Default(),
		voices: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *OnDevice) Name() string { return "ondevice" }

// SupportsLanguage asks the engine once per base language whether it has a voice for it.
func (o *OnDevice) SupportsLanguage(ctx context.Context, language string) bool {
	base := BaseLanguage(language)
	if base == "" {
		return false
	}
	o.mu.Lock()
	ok, cached := o.voices[base]
	o.mu.Unlock()
	if cached {
		return ok
	}

	args := append(append([]string(nil), o.args...), "--voices="+base)
	out, err := o.run(ctx, o.name, args...)
	if err != nil {
		// Not cached: the probe may have been cut short by ctx.
		o.logger.Debug("on-device voice probe failed", "language", base, "error", err)
		return false
	}
	ok = hasVoiceListing(out)
	o.mu.Lock()
	o.voices[base] = ok
	o.mu.Unlock()
	return ok
}

func (o *OnDevice) Speak(ctx context.Context, text, language string) error {
	base := BaseLanguage(language)
	if !o.SupportsLanguage(ctx, language) {
		return fmt.Errorf("%s: %w: %s", o.name, voice.ErrLanguageUnsupported, language)
	}
	ctx, span := tracer.Start(ctx, "ondevice speak")
	defer span.End()

	args := append(append([]string(nil), o.args...), "-v", base, "--", text)
	if _, err := o.run(ctx, o.name, args...); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// hasVoiceListing reports whether `--voices=<lang>` printed at least one voice under
// its header row.
func hasVoiceListing(out []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(out))
	rows := 0
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			rows++
		}
	}
	return rows > 1
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	stderr := newTailBuffer(4 << 10)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if detail := stderr.String(); detail != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", name, err, detail)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.Bytes(), nil
}
