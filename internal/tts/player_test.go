package tts

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestCommandPlayerPipesAudio(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewCommandPlayer("cat")
	if err != nil {
		t.Fatalf("NewCommandPlayer() error = %v", err)
	}
	if err := p.Play(context.Background(), []byte("ID3audio")); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
}

func TestCommandPlayerStopsOnCancel(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, _ := NewCommandPlayer("sleep 5")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Play(ctx, nil); err == nil {
		t.Fatalf("Play() error = nil, want cancellation")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("Play() ignored cancellation")
	}
}

func TestNewCommandPlayerRejectsEmpty(t *testing.T) {
	if _, err := NewCommandPlayer(""); err == nil {
		t.Fatalf("NewCommandPlayer(\"\") error = nil, want error")
	}
}
