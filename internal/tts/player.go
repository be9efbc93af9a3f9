package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandPlayer pipes audio into an external player such as ffplay or mpg123.
type CommandPlayer struct {
	name string
	args []string
}

// NewCommandPlayer parses a command line like "ffplay -nodisp -autoexit -". The audio is
// written to the process stdin.
func NewCommandPlayer(commandLine string) (*CommandPlayer, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("tts: empty player command")
	}
	return &CommandPlayer{name: fields[0], args: fields[1:]}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(audio)
	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if detail := stderr.String(); detail != "" {
			return fmt.Errorf("%s: %w: %s", p.name, err, detail)
		}
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}
