package playback

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/voicebank/pkg/playback"

var tracer = otel.Tracer(scopeName)
