package tts

import "context"

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize streams audio for text. The channel yields segments in
	// generation order and is closed when synthesis ends or ctx is done.
	Synthesize(ctx context.Context, text string) (<-chan Segment, error)
}

// Segment is one ordered audio blob, or a provider failure when Err is set.
type Segment struct {
	Audio []byte
	Err   error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Channels   int
	Encoding   string
}
