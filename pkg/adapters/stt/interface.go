package stt

import "context"

// StreamingSTT defines the contract for any STT vendor implementation.
// A stream is single use: once closed, a new one is built by the Factory.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the upstream connection.
	Start(ctx context.Context) error
	// Close shuts down the stream. It must not block on the provider.
	Close() error
	// SendAudio forwards one frame in arrival order. The frame is not
	// retained after the call returns.
	SendAudio(frame []byte) error
	// Results yields transcripts and is closed once the stream ends.
	Results() <-chan Result
}

// Result is one transcript event, or a provider failure when Err is set.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Err        error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Encoding   string
	Language   string
}

// Factory builds a fresh stream per recognition window.
type Factory func(cfg Config) (StreamingSTT, error)
