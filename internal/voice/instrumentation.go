package voice

import "go.opentelemetry.io/otel"

const scopeName = "github.com/kiranaai/voiceturn/internal/voice"

var tracer = otel.Tracer(scopeName)
