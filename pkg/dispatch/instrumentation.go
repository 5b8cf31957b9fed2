package dispatch

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/voicebank/pkg/dispatch"

var tracer = otel.Tracer(scopeName)
