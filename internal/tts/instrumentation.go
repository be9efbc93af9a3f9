package tts

import "go.opentelemetry.io/otel"

const scopeName = "github.com/kiranaai/voiceturn/internal/tts"

var tracer = otel.Tracer(scopeName)
